package forecast

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smukkama/footprint-engine/internal/logging"
)

type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time { return c.t }

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}, nil, logging.Discard(), nil)
	b.now = clock.now

	var calls atomic.Int32
	fail := func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}

	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), fail); err == nil || errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("call %d: expected op error, got %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected fast fail, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("op called %d times, want 2", calls.Load())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	probeErr := errors.New("still down")
	probe := func(context.Context) error { return probeErr }

	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute}, probe, logging.Discard(), nil)
	b.now = clock.now

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("failed probe should keep breaker open, got %v", err)
	}

	probeErr = nil
	clock.t = clock.t.Add(2 * time.Minute)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_CallerCancellationDoesNotCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute}, nil, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}
