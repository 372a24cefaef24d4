// Package warmup refreshes forecasts for busy organizations at the start
// of every forecast cycle so dashboards hit the cache tier.
package warmup

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/forecast"
	"github.com/smukkama/footprint-engine/internal/logging"
)

// ErrStopped is returned when scheduling on a stopped scheduler
var ErrStopped = errors.New("warmup scheduler is stopped")

// Refresher computes and caches a forecast
type Refresher interface {
	GetProjected(ctx context.Context, orgID string, d domain.Domain) (domain.ForecastResult, error)
}

// Task is one org/domain forecast refresh
type Task struct {
	OrganizationID string
	Domain         domain.Domain
	RunAt          time.Time
	index          int
}

func (t *Task) key() string {
	return t.OrganizationID + ":" + string(t.Domain)
}

// taskHeap is a min-heap of tasks ordered by RunAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Options tunes the scheduler
type Options struct {
	Cycle   string
	Workers int
	// Delay after the cycle start, so refreshes do not race ingestion at midnight
	Delay   time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

// Scheduler runs due refreshes on a fixed worker pool and reschedules
// each task for the next cycle.
type Scheduler struct {
	refresher Refresher
	opts      Options
	logger    logrus.FieldLogger

	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	stopped bool

	wakeup chan struct{}
	work   chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(r Refresher, opts Options, logger logrus.FieldLogger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		refresher: r,
		opts:      opts,
		logger:    logging.Module(logger, "warmup"),
		tasks:     make(map[string]*Task),
		wakeup:    make(chan struct{}, 1),
		work:      make(chan *Task),
		stopCh:    make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the scheduler loop and the workers
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.run()
}

// Stop waits for in-flight refreshes to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule queues a refresh at runAt, replacing any pending one for the
// same org and domain.
func (s *Scheduler) Schedule(orgID string, d domain.Domain, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	task := &Task{OrganizationID: orgID, Domain: d, RunAt: runAt}
	if existing, ok := s.tasks[task.key()]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	heap.Push(&s.heap, task)
	s.tasks[task.key()] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending refresh
func (s *Scheduler) Cancel(orgID string, d domain.Domain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgID + ":" + string(d)
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, key)
	return true
}

// Pending returns the tasks waiting to run, earliest first
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.heap))
	for _, t := range s.heap {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ScheduledTasks: len(s.tasks),
		Workers:        s.opts.Workers,
	}
}

// Stats contains statistics about the scheduler
type Stats struct {
	ScheduledTasks int
	Workers        int
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		wait := 24 * time.Hour
		if s.heap.Len() > 0 {
			wait = s.heap[0].RunAt.Sub(s.opts.Now())
			if wait <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				delete(s.tasks, task.key())
				s.mu.Unlock()

				select {
				case s.work <- task:
				case <-s.stopCh:
					return
				}
				continue
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.work:
			s.refresh(ctx, task)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context, task *Task) {
	fields := logrus.Fields{"organizationId": task.OrganizationID, "domain": task.Domain}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	res, err := s.refresher.GetProjected(callCtx, task.OrganizationID, task.Domain)
	cancel()
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Forecast warm-up failed")
	} else {
		s.logger.WithFields(fields).WithField("method", res.Method).Debug("Forecast warmed")
	}

	next := forecast.NextCycleStart(s.opts.Now().UTC(), s.opts.Cycle).Add(s.opts.Delay)
	if err := s.Schedule(task.OrganizationID, task.Domain, next); err != nil && !errors.Is(err, ErrStopped) {
		s.logger.WithFields(fields).WithError(err).Error("Failed to reschedule warm-up")
	}
}
