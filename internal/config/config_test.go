package config

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range requiredEnv {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	require.NoError(t, os.Unsetenv("AWS_SECRET_NAME"))
}

func TestLoad_MissingRequiredVarsIsFatal(t *testing.T) {
	clearEnv(t)
	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BYBIT_API_KEY")
}

func TestLoad_SucceedsWithAllRequiredVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("BYBIT_API_KEY", "k")
	t.Setenv("BYBIT_SECRET", "s")
	t.Setenv("TELEGRAM_TOKEN", "t")
	t.Setenv("TELEGRAM_CHAT_ID", "c")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
	assert.Equal(t, 2, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Trading.Symbols)
}

func TestLoad_SymbolsOverrideParsesCSV(t *testing.T) {
	clearEnv(t)
	t.Setenv("BYBIT_API_KEY", "k")
	t.Setenv("BYBIT_SECRET", "s")
	t.Setenv("TELEGRAM_TOKEN", "t")
	t.Setenv("TELEGRAM_CHAT_ID", "c")
	t.Setenv("SYMBOLS", "SOLUSDT, ADAUSDT")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT", "ADAUSDT"}, cfg.Trading.Symbols)
}
