package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/events"
	"github.com/smukkama/footprint-engine/internal/logging"
)

type fakeSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeSource() *fakeSource {
	return &fakeSource{msgs: make(chan kafka.Message, 100)}
}

func (s *fakeSource) Consume(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *fakeSource) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []string
	err   error
	// failures fails this many calls before succeeding
	failures int
}

func (f *fakeInvalidator) Invalidate(_ context.Context, orgID string, d domain.Domain) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orgID+"/"+string(d))
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("redis timeout")
	}
	return 2, f.err
}

func (f *fakeInvalidator) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func event(t *testing.T, org string, d domain.Domain, offset int64) kafka.Message {
	t.Helper()
	data, err := events.EncodeMetricsLanded(events.NewMetricsLanded(org, d, 1))
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Value: data, Offset: offset}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_DedupesBatch(t *testing.T) {
	src := newFakeSource()
	inv := &fakeInvalidator{}
	l := NewListener(src, inv, 4, time.Hour, logging.Discard())

	src.msgs <- event(t, "org-2", domain.Energy, 1)
	src.msgs <- event(t, "org-1", domain.Emissions, 2)
	src.msgs <- event(t, "org-2", domain.Energy, 3)
	src.msgs <- kafka.Message{Value: []byte("garbage"), Offset: 4}

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return src.commits() == 4 })

	calls := inv.snapshot()
	if len(calls) != 2 || calls[0] != "org-1/emissions" || calls[1] != "org-2/energy" {
		t.Errorf("calls = %v", calls)
	}
}

func TestListener_FlushesOnInterval(t *testing.T) {
	src := newFakeSource()
	inv := &fakeInvalidator{}
	l := NewListener(src, inv, 100, 20*time.Millisecond, logging.Discard())

	l.Start(context.Background())
	defer l.Stop()
	src.msgs <- event(t, "org-1", domain.Waste, 1)

	waitFor(t, func() bool { return len(inv.snapshot()) == 1 })
}

func TestListener_FlushesOnStop(t *testing.T) {
	src := newFakeSource()
	inv := &fakeInvalidator{}
	l := NewListener(src, inv, 100, time.Hour, logging.Discard())

	l.Start(context.Background())
	src.msgs <- event(t, "org-1", domain.Water, 1)
	waitFor(t, func() bool { return len(src.msgs) == 0 })
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	if calls := inv.snapshot(); len(calls) != 1 {
		t.Errorf("pending batch not flushed on stop: %v", calls)
	}
}

func TestListener_FailedInvalidationIsNotCommitted(t *testing.T) {
	src := newFakeSource()
	inv := &fakeInvalidator{err: errors.New("redis down")}
	l := NewListener(src, inv, 1, time.Hour, logging.Discard())
	l.retryBackoff = time.Millisecond

	src.msgs <- event(t, "org-1", domain.Emissions, 1)
	l.Start(context.Background())

	waitFor(t, func() bool { return len(inv.snapshot()) >= 3 })
	l.Stop()

	if src.commits() != 0 {
		t.Errorf("offset committed despite failed invalidation")
	}
}

func TestListener_RetriesFailedInvalidationBeforeLaterBatches(t *testing.T) {
	src := newFakeSource()
	inv := &fakeInvalidator{failures: 2}
	l := NewListener(src, inv, 1, time.Hour, logging.Discard())
	l.retryBackoff = time.Millisecond

	src.msgs <- event(t, "org-1", domain.Emissions, 1)
	src.msgs <- event(t, "org-2", domain.Emissions, 2)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return src.commits() == 2 })

	calls := inv.snapshot()
	want := []string{"org-1/emissions", "org-1/emissions", "org-1/emissions", "org-2/emissions"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", calls, want)
			break
		}
	}

	src.mu.Lock()
	first := src.committed[0].Offset
	src.mu.Unlock()
	if first != 1 {
		t.Errorf("expected org-1 offset committed first, got %d", first)
	}
}
