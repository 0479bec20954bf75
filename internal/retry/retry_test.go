package retry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// recordSleep returns a sleeper that records requested delays without waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_Success(t *testing.T) {
	var delays []time.Duration
	config := DefaultConfig()
	config.Sleep = recordSleep(&delays)

	calls := 0
	result := Do(context.Background(), config, func(context.Context, int) error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got %d (calls %d)", result.Attempts, calls)
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	for k := 0; k < 4; k++ {
		var delays []time.Duration
		config := Config{MaxAttempts: 5, Unit: time.Millisecond, Sleep: recordSleep(&delays)}

		calls := 0
		result := Do(context.Background(), config, func(_ context.Context, attempt int) error {
			calls++
			if attempt != calls {
				t.Fatalf("attempt = %d, want %d", attempt, calls)
			}
			if calls <= k {
				return errors.New("temporary error")
			}
			return nil
		})

		if result.Err != nil {
			t.Fatalf("k=%d: expected no error, got %v", k, result.Err)
		}
		if calls != k+1 {
			t.Fatalf("k=%d: expected %d calls, got %d", k, k+1, calls)
		}
		want := make([]time.Duration, 0, k)
		for i := 0; i < k; i++ {
			want = append(want, time.Millisecond<<i)
		}
		if !reflect.DeepEqual(delays, want) && !(k == 0 && len(delays) == 0) {
			t.Fatalf("k=%d: delays = %v, want %v", k, delays, want)
		}
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	var delays []time.Duration
	config := Config{MaxAttempts: 3, Unit: time.Second, Sleep: recordSleep(&delays)}

	boom := errors.New("persistent error")
	calls := 0
	result := Do(context.Background(), config, func(context.Context, int) error {
		calls++
		return boom
	})

	if !errors.Is(result.Err, boom) {
		t.Errorf("expected final error, got %v", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", result.Attempts, calls)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestDo_PermanentStopsEarly(t *testing.T) {
	var delays []time.Duration
	config := Config{MaxAttempts: 5, Unit: time.Second, Sleep: recordSleep(&delays)}

	calls := 0
	result := Do(context.Background(), config, func(context.Context, int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{
		MaxAttempts: 5,
		Unit:        time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return SleepWithContext(ctx, d)
		},
	}

	calls := 0
	result := Do(ctx, config, func(context.Context, int) error {
		calls++
		return errors.New("fail")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_OnRetry(t *testing.T) {
	var seen []int
	config := Config{
		MaxAttempts: 3,
		Unit:        time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
		},
	}
	Do(context.Background(), config, func(context.Context, int) error { return errors.New("x") })
	if !reflect.DeepEqual(seen, []int{1, 2}) {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestDoWithValue(t *testing.T) {
	config := Config{MaxAttempts: 3, Unit: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	value, result := DoWithValue(context.Background(), config, func(_ context.Context, attempt int) (string, error) {
		if attempt < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if result.Err != nil || value != "ok" {
		t.Errorf("got (%q, %v)", value, result.Err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 5 * time.Second, 5 * time.Second},
		{0, 0, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, time.Second, tt.max); got != tt.want {
			t.Errorf("Backoff(%d, 1s, %v) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := SleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
