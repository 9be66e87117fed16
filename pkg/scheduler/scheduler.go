// Package scheduler runs periodic background jobs on independent timers.
// Each job runs at most once concurrently; triggers that arrive while a run
// is in progress collapse into a single catch-up run.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storeops/storecache/pkg/observability"
)

// JobFunc is a job handler. Handlers observe ctx for shutdown; a panic is
// recovered and logged without killing the job's timer loop.
type JobFunc func(ctx context.Context)

// JobStatus is a snapshot of one job's scheduling state.
type JobStatus struct {
	ID        string        `json:"id"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	LastRunAt time.Time     `json:"last_run_at"`
	NextRunAt time.Time     `json:"next_run_at"`
	TotalRuns int64         `json:"total_runs"`
}

type job struct {
	id       string
	interval time.Duration
	handler  JobFunc

	mu             sync.Mutex
	running        bool
	pendingCatchUp bool
	lastRunAt      time.Time
	nextRunAt      time.Time
	totalRuns      int64
}

// Scheduler owns job metadata and timer loops. It holds no cache data.
type Scheduler struct {
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger observability.Logger, metrics observability.MetricsClient) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger("scheduler")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		jobs:    make(map[string]*job),
	}
}

// AddJob registers a job. Jobs must be added before Start; duplicate IDs and
// non-positive intervals are rejected.
func (s *Scheduler) AddJob(id string, interval time.Duration, handler JobFunc) error {
	if id == "" || handler == nil {
		return fmt.Errorf("job id and handler are required")
	}
	if interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %q: scheduler already started", id)
	}
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %q: already registered", id)
	}
	s.jobs[id] = &job{id: id, interval: interval, handler: handler}
	s.order = append(s.order, id)
	return nil
}

// Start launches one timer loop per registered job. Starting a started
// scheduler logs a warning and is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("scheduler already started", nil)
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	jobs := make([]*job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, j, stopCh)
	}
	s.logger.Info("scheduler started", map[string]interface{}{"jobs": len(jobs)})
}

// Stop halts every timer loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped", nil)
}

// Jobs returns a snapshot of every job's state, in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]JobStatus, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		j.mu.Lock()
		statuses = append(statuses, JobStatus{
			ID:        j.id,
			Interval:  j.interval,
			Running:   j.running,
			LastRunAt: j.lastRunAt,
			NextRunAt: j.nextRunAt,
			TotalRuns: j.totalRuns,
		})
		j.mu.Unlock()
	}
	return statuses
}

// Trigger fires a job outside its schedule, subject to the same
// single-instance and coalescing rules. The run executes on the caller's
// goroutine but is registered with the scheduler, so Stop waits for it like
// any timer-driven run. Triggering a stopped scheduler is an error.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q: not registered", id)
	}
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("job %q: scheduler not started", id)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.fire(ctx, j)
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, j *job, stopCh chan struct{}) {
	defer s.wg.Done()

	j.mu.Lock()
	j.nextRunAt = time.Now().Add(j.interval)
	j.mu.Unlock()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fire(ctx, j)
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}
	}
}

// fire runs the job unless a run is already in progress, in which case the
// trigger is recorded as a pending catch-up. The flag is idempotent: any
// number of suppressed triggers produce exactly one catch-up run.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	j.mu.Lock()
	if j.running {
		if !j.pendingCatchUp {
			j.pendingCatchUp = true
			s.logger.Debug("trigger suppressed, catch-up pending", map[string]interface{}{"job": j.id})
		}
		j.mu.Unlock()
		s.metrics.IncrementCounterWithLabels("scheduler_triggers_suppressed_total", 1, map[string]string{"job": j.id})
		return
	}
	j.running = true
	j.mu.Unlock()

	s.execute(ctx, j)

	for {
		j.mu.Lock()
		if !j.pendingCatchUp {
			j.running = false
			j.mu.Unlock()
			return
		}
		j.pendingCatchUp = false
		j.mu.Unlock()

		s.logger.Info("running coalesced catch-up", map[string]interface{}{"job": j.id})
		s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	runID := uuid.NewString()[:8]
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", map[string]interface{}{
				"job":   j.id,
				"run":   runID,
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
		elapsed := time.Since(start)
		s.metrics.RecordLatency("job."+j.id, elapsed)

		j.mu.Lock()
		j.lastRunAt = start
		j.nextRunAt = time.Now().Add(j.interval)
		j.totalRuns++
		j.mu.Unlock()
	}()

	s.logger.Debug("job run starting", map[string]interface{}{"job": j.id, "run": runID})
	j.handler(ctx)
}
