// Package invalidation consumes metrics-landed events and drops the cached
// aggregates and forecasts they make stale.
package invalidation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/events"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/queue"
)

// Invalidator drops cached results for one organization and domain
type Invalidator interface {
	Invalidate(ctx context.Context, orgID string, d domain.Domain) (int, error)
}

type target struct {
	org string
	dom domain.Domain
}

// Listener batches events so a burst of landings for the same
// organization and domain costs one invalidation.
type Listener struct {
	source        queue.MessageSource
	invalidator   Invalidator
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	logger        logrus.FieldLogger
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewListener creates a listener
func NewListener(source queue.MessageSource, inv Invalidator, batchSize int, flushInterval time.Duration, logger logrus.FieldLogger) *Listener {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Listener{
		source:        source,
		invalidator:   inv,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBackoff:  100 * time.Millisecond,
		logger:        logging.Module(logger, "invalidation"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming in the background
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop flushes the pending batch and waits for the listener to exit
func (l *Listener) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var batch []kafka.Message
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, l.batchSize)
	go l.consume(consumeCtx, msgChan)

	for {
		select {
		case <-l.stopCh:
			batch = drain(msgChan, batch)
			l.flush(context.WithoutCancel(ctx), batch)
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(ctx, batch)
				batch = nil
			}

		case msg := <-msgChan:
			batch = append(batch, msg)
			if len(batch) >= l.batchSize {
				l.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func drain(ch <-chan kafka.Message, batch []kafka.Message) []kafka.Message {
	for {
		select {
		case msg := <-ch:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

func (l *Listener) consume(ctx context.Context, out chan<- kafka.Message) {
	backoff := 100 * time.Millisecond
	for {
		msg, err := l.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			l.logger.WithError(err).Warn("Consumer error")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// flush invalidates each distinct org/domain once, then commits offsets.
// A failing invalidation is retried until it succeeds or the listener
// stops, holding back consumption: the group reader never redelivers a
// skipped message and a later commit would move the offset past it.
// Offsets are committed even for undecodable events so one bad message
// cannot block the partition.
func (l *Listener) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	seen := make(map[target]bool)
	var targets []target
	for _, msg := range batch {
		ev, err := events.DecodeMetricsLanded(msg.Value)
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("Skipping undecodable event")
			continue
		}
		t := target{org: ev.OrganizationID, dom: ev.Domain}
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].org != targets[j].org {
			return targets[i].org < targets[j].org
		}
		return targets[i].dom < targets[j].dom
	})

	keys := 0
	for _, t := range targets {
		n, err := l.invalidate(ctx, t)
		if err != nil {
			// stopping: the next session resumes from the last committed offset
			return
		}
		keys += n
	}

	if err := l.source.Commit(ctx, batch...); err != nil {
		l.logger.WithError(err).Warn("Failed to commit offsets")
	}

	l.logger.WithFields(logrus.Fields{
		"events":  len(batch),
		"targets": len(targets),
		"keys":    keys,
	}).Debug("Flushed invalidation batch")
}

// invalidate retries with backoff until success, stop or cancellation
func (l *Listener) invalidate(ctx context.Context, t target) (int, error) {
	backoff := l.retryBackoff
	for {
		n, err := l.invalidator.Invalidate(ctx, t.org, t.dom)
		if err == nil {
			return n, nil
		}
		logging.LogError(l.logger, "invalidate", "retrying", logrus.Fields{
			"organizationId": t.org,
			"domain":         t.dom,
			"backoff":        backoff.String(),
		}, err)

		select {
		case <-l.stopCh:
			return 0, err
		case <-ctx.Done():
			return 0, err
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
