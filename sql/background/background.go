// Package background runs BACKGROUND statements on a worker pool. Jobs
// capture the submitter's identity so every log row produced by the worker
// still rolls up to the originating caller, even though the worker goroutine
// is shared across submissions.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
	"rvbbit.dev/rvbbit/sql/rewrite"
	"rvbbit.dev/rvbbit/sql/udf"
)

type (
	// Executor runs one rewritten statement. The UDF runtime implements it.
	Executor interface {
		Execute(ctx context.Context, stmt *rewrite.Statement) (*udf.Result, error)
	}

	// Status is a job's lifecycle state.
	Status string

	// Job is one submitted background statement.
	Job struct {
		ID          string
		Status      Status
		SubmittedAt time.Time
		StartedAt   time.Time
		FinishedAt  time.Time
		Result      *udf.Result
		Err         string

		stmt     *rewrite.Statement
		identity ident.Identity
	}

	// Scheduler owns the queue and worker pool.
	Scheduler struct {
		exec     Executor
		logger   telemetry.Logger
		workers  int
		failFast bool

		queue chan *Job
		wg    sync.WaitGroup
		stop  context.CancelFunc

		mu   sync.RWMutex
		jobs map[string]*Job
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)
)

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrQueueFull is returned by Submit in fail-fast mode when the queue is at
// capacity.
var ErrQueueFull = fmt.Errorf("background queue full")

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the pending-job capacity.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan *Job, n)
		}
	}
}

// WithFailFast makes Submit return ErrQueueFull instead of blocking when
// the queue is at capacity.
func WithFailFast() Option {
	return func(s *Scheduler) { s.failFast = true }
}

// WithLogger overrides the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New constructs a Scheduler. Call Start before submitting.
func New(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:    exec,
		logger:  telemetry.NewNoopLogger(),
		workers: 2,
		queue:   make(chan *Job, 64),
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool. Workers run until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Submit enqueues a statement and returns the job id immediately. The
// identity carried by the context is captured with the job.
func (s *Scheduler) Submit(ctx context.Context, stmt *rewrite.Statement) (string, error) {
	job := &Job{
		ID:          "bg-" + uuid.NewString(),
		Status:      StatusQueued,
		SubmittedAt: time.Now(),
		stmt:        stmt,
		identity:    ident.From(ctx),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if s.failFast {
		select {
		case s.queue <- job:
			return job.ID, nil
		default:
			s.mu.Lock()
			delete(s.jobs, job.ID)
			s.mu.Unlock()
			return "", ErrQueueFull
		}
	}
	select {
	case s.queue <- job:
		return job.ID, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return "", ctx.Err()
	}
}

// Lookup returns a snapshot of the job's current state.
func (s *Scheduler) Lookup(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	snap := *job
	return &snap, true
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.run(ctx, job)
		}
	}
}

// run executes one job under the identity captured at submit time. The
// worker goroutine is reused across jobs, so the identity must be rebound
// per job rather than inherited from the worker's own context.
func (s *Scheduler) run(ctx context.Context, job *Job) {
	jctx := ident.With(ctx, job.identity)

	s.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	s.mu.Unlock()

	res, err := s.exec.Execute(jctx, job.stmt)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = StatusFailed
		job.Err = err.Error()
		s.logger.Warn(jctx, "background job failed", "job_id", job.ID, "err", err)
		return
	}
	job.Status = StatusCompleted
	job.Result = res
}
