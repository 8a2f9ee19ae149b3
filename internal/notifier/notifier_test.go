package notifier

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(httptest.NewRecorder().Body, nil))
}

func TestSend_PostsExpectedPayload(t *testing.T) {
	var mu sync.Mutex
	var gotBody sendMessageRequest
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := New(srv.URL, "tok", "chat123", testLogger())
	tg.RiskAlert("BTCUSDT", "order failed: Permanent insufficient balance")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bottok/sendMessage", gotPath)
	assert.Equal(t, "chat123", gotBody.ChatID)
	assert.Equal(t, "HTML", gotBody.ParseMode)
	assert.Contains(t, gotBody.Text, "BTCUSDT")
}

func TestSend_MissingCredentialsIsNoOp(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	tg := New(srv.URL, "", "", testLogger())
	tg.Start([]string{"BTCUSDT"})

	assert.False(t, called)
}

func TestSend_NonSuccessResponseDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tg := New(srv.URL, "tok", "chat", testLogger())
	assert.NotPanics(t, func() { tg.TradeClose("BTCUSDT", "Stop-loss hit", -12.5) })
}
