package outbound

import (
	"context"
	"testing"
)

func TestRetryDelayMS(t *testing.T) {
	t.Run("zero base disables delay", func(t *testing.T) {
		if got := RetryDelayMS(0, 100, 1, "seed"); got != 0 {
			t.Errorf("delay = %d, want 0", got)
		}
	})

	t.Run("doubles per attempt", func(t *testing.T) {
		for attempt, wantBase := range map[int]int64{1: 250, 2: 500, 3: 1000} {
			got := RetryDelayMS(250, 0, attempt, "seed")
			if got != wantBase {
				t.Errorf("attempt %d delay = %d, want %d", attempt, got, wantBase)
			}
		}
	})

	t.Run("exponent caps at ten", func(t *testing.T) {
		capped := RetryDelayMS(1, 0, 11, "seed")
		beyond := RetryDelayMS(1, 0, 50, "seed")
		if capped != 1<<10 || beyond != 1<<10 {
			t.Errorf("delays = %d/%d, want both %d", capped, beyond, int64(1<<10))
		}
	})

	t.Run("jitter is deterministic and bounded", func(t *testing.T) {
		first := RetryDelayMS(250, 100, 2, "event-key")
		second := RetryDelayMS(250, 100, 2, "event-key")
		if first != second {
			t.Errorf("same seed and attempt produced %d and %d", first, second)
		}
		jitter := first - 500
		if jitter < 0 || jitter > 100 {
			t.Errorf("jitter = %d, want within [0, 100]", jitter)
		}
	})
}

func TestApplyRetryDelayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ApplyRetryDelay(ctx, RetryPolicy{MaxAttempts: 3, BaseDelayMS: 10_000}, 1, "seed")
	if err == nil {
		t.Fatal("cancelled context must abort the delay")
	}
}

func TestApplyRetryDelayZeroBase(t *testing.T) {
	if err := ApplyRetryDelay(context.Background(), RetryPolicy{MaxAttempts: 3}, 1, "seed"); err != nil {
		t.Fatalf("zero base delay should return immediately: %v", err)
	}
}
