package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/fvg-engine/perpetual-trader/internal/xerrors"
)

// Retry caps per spec.md §5/§9: order operations get 3 attempts, read-only
// fetches get 5.
const (
	orderRetryCap    = 3
	readOnlyRetryCap = 5

	backoffStart = 1 * time.Second
	backoffCap   = 60 * time.Second
)

// withRetry implements spec.md §7's policy: RateLimit sleeps retry_after and
// retries up to maxAttempts; Transient backs off exponentially (1s doubling
// to a 60s cap) up to maxAttempts; Permanent returns immediately.
// Transient that exhausts retries is returned as-is (still classified
// Transient) — the caller treats an exhausted Transient as Permanent for
// that cycle, per spec.md §7.
func withRetry(ctx context.Context, log *slog.Logger, op string, maxAttempts int, fn func() error) error {
	var lastErr error
	backoff := backoffStart

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if xerrors.IsPermanent(err) {
			if log != nil {
				log.Warn("exchange call failed permanently", "op", op, "error", err)
			}
			return err
		}

		if retryAfter, ok := xerrors.RateLimit(err); ok {
			if attempt == maxAttempts {
				break
			}
			if log != nil {
				log.Warn("exchange call rate limited, sleeping", "op", op, "attempt", attempt, "retry_after_s", retryAfter)
			}
			if !sleep(ctx, time.Duration(retryAfter)*time.Second) {
				return ctx.Err()
			}
			continue
		}

		// Transient
		if attempt == maxAttempts {
			break
		}
		if log != nil {
			log.Warn("exchange call transient failure, backing off", "op", op, "attempt", attempt, "backoff", backoff, "error", err)
		}
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
