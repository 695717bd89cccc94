package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// Retry defaults applied when the config leaves them unset.
const (
	DefaultMaxAttempts       = 3
	DefaultRetryBaseDelayMS  = 250
	DefaultRetryJitterSpanMS = 100
)

// RetryPolicy bounds the per-event delivery retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelayMS  int64
	JitterSpanMS int64
}

// DefaultRetryPolicy returns the bounded retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelayMS:  DefaultRetryBaseDelayMS,
		JitterSpanMS: DefaultRetryJitterSpanMS,
	}
}

// RetryDelayMS computes the backoff before retry attempt n (1-based). The
// base doubles per attempt with the exponent capped at 10, plus a
// deterministic jitter derived from the seed so identical replays wait
// identical delays.
func RetryDelayMS(baseMS, jitterSpanMS int64, attempt int, seed string) int64 {
	if baseMS <= 0 {
		return 0
	}
	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}
	if exponent > 10 {
		exponent = 10
	}
	delay := baseMS << uint(exponent)
	if jitterSpanMS > 0 {
		delay += deterministicJitterMS(seed, attempt, jitterSpanMS)
	}
	return delay
}

// deterministicJitterMS hashes the seed and attempt into [0, spanMS].
func deterministicJitterMS(seed string, attempt int, spanMS int64) int64 {
	h := sha256.New()
	h.Write([]byte(seed))
	var attemptBytes [8]byte
	binary.LittleEndian.PutUint64(attemptBytes[:], uint64(attempt))
	h.Write(attemptBytes[:])
	digest := h.Sum(nil)
	value := binary.LittleEndian.Uint64(digest[:8])
	return int64(value % uint64(spanMS+1))
}

// ApplyRetryDelay sleeps for the computed backoff, aborting early when the
// context is cancelled.
func ApplyRetryDelay(ctx context.Context, policy RetryPolicy, attempt int, seed string) error {
	delay := RetryDelayMS(policy.BaseDelayMS, policy.JitterSpanMS, attempt, seed)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
