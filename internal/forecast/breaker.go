package forecast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
)

// BreakerState is exported as a gauge value, so the order matters
type BreakerState int

const (
	Closed BreakerState = iota
	HalfOpen
	Open
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned without calling the model while the breaker
// is open.
var ErrBreakerOpen = errors.New("forecast model breaker is open")

// BreakerConfig sets when the breaker trips and how long it stays open
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Breaker guards the model service. After MaxFailures consecutive
// failures it fails fast for ResetTimeout, then lets a single probe through.
type Breaker struct {
	cfg     BreakerConfig
	probe   func(ctx context.Context) error
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker. probe may be nil.
func NewBreaker(cfg BreakerConfig, probe func(ctx context.Context) error, logger logrus.FieldLogger, m *metrics.Metrics) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{
		cfg:     cfg,
		probe:   probe,
		logger:  logging.Module(logger, "breaker"),
		metrics: m,
		now:     time.Now,
	}
	m.BreakerState(int(Closed))
	return b
}

// Execute runs op unless the breaker is open
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case HalfOpen:
		b.mu.Unlock()
		return ErrBreakerOpen
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.setState(HalfOpen)
		b.mu.Unlock()
		return b.probeThenRun(ctx, op)
	}
	b.mu.Unlock()

	if err := op(ctx); err != nil {
		// a caller giving up says nothing about the model's health
		if ctx.Err() == nil {
			b.onFailure(err)
		}
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) probeThenRun(ctx context.Context, op func(ctx context.Context) error) error {
	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.WithError(err).Warn("Forecast model probe failed, breaker stays open")
			b.reopen()
			return ErrBreakerOpen
		}
	}
	if err := op(ctx); err != nil {
		b.logger.WithError(err).Warn("Forecast model failed in half-open state")
		b.reopen()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.now()
	b.setState(Open)
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != Closed {
		b.logger.Info("Forecast model recovered, breaker closed")
		b.setState(Closed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == Closed && b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.now()
		b.setState(Open)
		b.logger.WithError(err).WithField("failures", b.failures).Warn("Forecast model breaker opened")
	}
}

// setState must be called with mu held
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.metrics.BreakerState(int(s))
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
