package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int, respectBreaker bool) *Policy {
	return NewPolicy(Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RespectBreaker: respectBreaker,
	})
}

func TestRetriesTransientStatusThenSucceeds(t *testing.T) {
	p := fastPolicy(3, false)

	calls := 0
	status, err := p.Execute(context.Background(), "GET", nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 502, nil
		}
		return 200, nil
	})
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if p.Retries.Load() != 2 {
		t.Errorf("retries = %d, want 2", p.Retries.Load())
	}
}

func TestNonIdempotentMethodNotRetried(t *testing.T) {
	p := fastPolicy(3, false)

	calls := 0
	status, _ := p.Execute(context.Background(), "POST", nil, func(ctx context.Context) (int, error) {
		calls++
		return 502, nil
	})
	if calls != 1 {
		t.Errorf("POST was retried %d times", calls-1)
	}
	if status != 502 {
		t.Errorf("status = %d", status)
	}
}

func TestRetryExhaustion(t *testing.T) {
	p := fastPolicy(2, false)

	calls := 0
	boom := errors.New("connect refused")
	_, err := p.Execute(context.Background(), "GET", nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if p.Failures.Load() != 1 {
		t.Errorf("failures = %d", p.Failures.Load())
	}
}

func TestDeadlineBoundsRetries(t *testing.T) {
	p := NewPolicy(Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := p.Execute(ctx, "GET", nil, func(ctx context.Context) (int, error) {
		calls++
		return 502, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if calls > 3 {
		t.Errorf("deadline did not bound retries: %d calls", calls)
	}
}

type fakeGate struct{ allow bool }

func (g *fakeGate) Allow() bool { return g.allow }

func TestOpenBreakerBlocksRetries(t *testing.T) {
	p := fastPolicy(5, true)

	calls := 0
	status, _ := p.Execute(context.Background(), "GET", &fakeGate{allow: false}, func(ctx context.Context) (int, error) {
		calls++
		return 502, nil
	})
	if calls != 1 {
		t.Errorf("open breaker allowed %d retries", calls-1)
	}
	if status != 502 {
		t.Errorf("status = %d", status)
	}
}

func TestRetryThenTripModeIgnoresBreaker(t *testing.T) {
	p := fastPolicy(2, false)

	calls := 0
	p.Execute(context.Background(), "GET", &fakeGate{allow: false}, func(ctx context.Context) (int, error) {
		calls++
		return 502, nil
	})
	if calls != 3 {
		t.Errorf("retryRespectsBreaker=false still consulted the gate: %d calls", calls)
	}
}
