package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordSleep records requested waits without sleeping.
type recordSleep struct {
	waits []time.Duration
}

func (r *recordSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	rs := &recordSleep{}
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		Name:       "page",
		MaxRetries: 5,
		Backoff:    time.Second,
		MaxBackoff: 3 * time.Second,
		Sleep:      rs.Sleep,
	}, func(context.Context) error {
		calls++
		if calls < 4 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: unexpected error: %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(rs.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rs.waits, want)
	}
	for i := range want {
		if rs.waits[i] != want[i] {
			t.Errorf("waits[%d] = %v, want %v", i, rs.waits[i], want[i])
		}
	}
}

func TestRetry_GivesUp(t *testing.T) {
	t.Parallel()

	rs := &recordSleep{}
	calls := 0
	err := Retry(context.Background(), RetryConfig{Name: "page", MaxRetries: 2, Sleep: rs.Sleep}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("Retry: err = %v, want wrapped errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 attempt + 2 retries)", calls)
	}
}

func TestRetry_NegativeDisablesRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Retry(context.Background(), RetryConfig{MaxRetries: -1}, func(context.Context) error {
		calls++
		return errTest
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	rs := &recordSleep{}
	calls := 0
	err := Retry(context.Background(), RetryConfig{Sleep: rs.Sleep}, func(context.Context) error {
		calls++
		return Permanent(errTest)
	})
	if !IsPermanent(err) || !errors.Is(err, errTest) {
		t.Fatalf("Retry: err = %v, want permanent errTest", err)
	}
	if calls != 1 || len(rs.waits) != 0 {
		t.Errorf("calls = %d waits = %v, want 1 call and no waits", calls, rs.waits)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry: err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errTest) {
		t.Error("IsPermanent(plain error) should be false")
	}
}
