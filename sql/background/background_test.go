package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/sql/rewrite"
	"rvbbit.dev/rvbbit/sql/sqlengine"
	"rvbbit.dev/rvbbit/sql/udf"
)

// fakeExecutor records the identity each statement ran under and signals on
// completion. release, when set, gates job execution so tests can hold the
// queue full.
type fakeExecutor struct {
	mu         sync.Mutex
	identities []ident.Identity
	sqls       []string
	err        error
	release    chan struct{}
	done       chan string
}

func (f *fakeExecutor) Execute(ctx context.Context, stmt *rewrite.Statement) (*udf.Result, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.identities = append(f.identities, ident.From(ctx))
	f.sqls = append(f.sqls, stmt.SQL)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- stmt.SQL
	}
	if f.err != nil {
		return nil, f.err
	}
	return &udf.Result{Rows: &sqlengine.Rows{Columns: []string{"ok"}}}, nil
}

func waitStatus(t *testing.T, s *Scheduler, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.Lookup(id); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.Lookup(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
	return nil
}

func TestSubmitCapturesIdentity(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, WithWorkers(1))
	s.Start(context.Background())
	defer s.Stop()

	id := ident.Mint("sql", map[string]any{"query": "BACKGROUND SELECT 1"})
	ctx := ident.With(context.Background(), id)

	jobID, err := s.Submit(ctx, &rewrite.Statement{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitStatus(t, s, jobID, StatusCompleted)
	if job.Result == nil || job.Err != "" {
		t.Errorf("job = %+v", job)
	}

	// The worker ran under the submitter's identity, not its own context.
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.identities) != 1 || exec.identities[0].CallerID != id.CallerID {
		t.Errorf("identities = %v, want caller %s", exec.identities, id.CallerID)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("engine exploded")}
	s := New(exec, WithWorkers(1))
	s.Start(context.Background())
	defer s.Stop()

	jobID, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT boom"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitStatus(t, s, jobID, StatusFailed)
	if job.Err != "engine exploded" {
		t.Errorf("err = %q", job.Err)
	}
	if job.Result != nil {
		t.Errorf("result = %+v", job.Result)
	}
	if job.FinishedAt.IsZero() || job.StartedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", job)
	}
}

func TestFailFastRejectsWhenQueueFull(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	s := New(exec, WithWorkers(1), WithQueueSize(1), WithFailFast())
	s.Start(context.Background())
	defer s.Stop()
	defer close(exec.release)

	ctx := context.Background()
	// First job occupies the worker, second fills the queue.
	if _, err := s.Submit(ctx, &rewrite.Statement{SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	// Give the worker time to pick up the first job.
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Submit(ctx, &rewrite.Statement{SQL: "SELECT 2"}); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	jobID, err := s.Submit(ctx, &rewrite.Statement{SQL: "SELECT 3"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit 3: err = %v, want ErrQueueFull", err)
	}
	if _, ok := s.Lookup(jobID); ok {
		t.Error("rejected job must not stay in the registry")
	}
}

func TestBlockingSubmitHonorsContext(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	s := New(exec, WithWorkers(1), WithQueueSize(1))
	s.Start(context.Background())
	defer s.Stop()
	defer close(exec.release)

	if _, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT 2"}); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Submit(ctx, &rewrite.Statement{SQL: "SELECT 3"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestLookupReturnsSnapshot(t *testing.T) {
	exec := &fakeExecutor{done: make(chan string, 1)}
	s := New(exec, WithWorkers(1))
	s.Start(context.Background())
	defer s.Stop()

	jobID, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.done
	job := waitStatus(t, s, jobID, StatusCompleted)

	// Mutating the snapshot must not touch the scheduler's copy.
	job.Status = StatusFailed
	again, ok := s.Lookup(jobID)
	if !ok || again.Status != StatusCompleted {
		t.Errorf("snapshot leaked: %+v", again)
	}

	if _, ok := s.Lookup("bg-missing"); ok {
		t.Error("unknown id should miss")
	}
}

func TestJobsRunConcurrentlyAcrossWorkers(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{}), done: make(chan string, 2)}
	s := New(exec, WithWorkers(2))
	s.Start(context.Background())
	defer s.Stop()

	id1, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id2, err := s.Submit(context.Background(), &rewrite.Statement{SQL: "SELECT 2"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Both jobs must be in flight before either is released.
	waitStatus(t, s, id1, StatusRunning)
	waitStatus(t, s, id2, StatusRunning)
	close(exec.release)

	waitStatus(t, s, id1, StatusCompleted)
	waitStatus(t, s, id2, StatusCompleted)
}
