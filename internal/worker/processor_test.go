package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap/zaptest"

	"roster-pipeline/internal/config"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/queue"
	"roster-pipeline/internal/store"
	"roster-pipeline/internal/telemetry"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

type call struct {
	kind      queue.Kind
	jobID     string
	versionID string
	from      orchestrator.StageName
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	err   error
	swept []string
}

func (f *fakeRunner) Run(_ context.Context, jobID string, _ ...orchestrator.RunOption) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: queue.KindRun, jobID: jobID})
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return orchestrator.Result{JobID: jobID, Status: models.StatusReady}, nil
}

func (f *fakeRunner) Resume(_ context.Context, jobID, versionID string, from orchestrator.StageName, _ ...orchestrator.RunOption) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: queue.KindResume, jobID: jobID, versionID: versionID, from: from})
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return orchestrator.Result{JobID: jobID, Status: models.StatusReady, Resumed: true}, nil
}

func (f *fakeRunner) SweepStale(context.Context) ([]string, error) {
	return f.swept, nil
}

func newTestProcessor(t *testing.T, runner Runner, tweaks ...func(*config.Config)) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.RedisAddr = mr.Addr()
	cfg.MaxAttempts = 2
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	client := queue.NewRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, cfg)
	return NewProcessor(cfg, q, runner, zaptest.NewLogger(t), telemetry.New(), "test-worker"), q
}

func TestProcessOneDispatchesByKind(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	p, q := newTestProcessor(t, runner)

	if _, err := q.Enqueue(ctx, queue.Task{JobID: "job-a", Kind: queue.KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.Task{JobID: "job-b", Kind: queue.KindResume, VersionID: "v-1", FromStage: "export"}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if handled, err := p.ProcessOne(ctx); err != nil || !handled {
			t.Fatalf("expected a task handled: handled=%v err=%v", handled, err)
		}
	}
	if handled, _ := p.ProcessOne(ctx); handled {
		t.Fatalf("queue should be drained")
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 calls got %+v", runner.calls)
	}
	if c := runner.calls[0]; c.kind != queue.KindResume || c.versionID != "v-1" || c.from != orchestrator.StageExport {
		t.Fatalf("resume should run first with its stage, got %+v", c)
	}
	if c := runner.calls[1]; c.kind != queue.KindRun || c.jobID != "job-a" {
		t.Fatalf("unexpected run call %+v", c)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(reclaimed) != 0 {
		t.Fatalf("finished tasks must be acked, reclaimed %v", reclaimed)
	}
}

// blockingRunner holds every Run until release is closed.
type blockingRunner struct {
	fakeRunner
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, jobID string, opts ...orchestrator.RunOption) (orchestrator.Result, error) {
	close(b.started)
	<-b.release
	return b.fakeRunner.Run(ctx, jobID, opts...)
}

func TestLongRunKeepsItsLease(t *testing.T) {
	ctx := context.Background()
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	p, q := newTestProcessor(t, runner, func(cfg *config.Config) {
		cfg.VisibilityTimeout = 90 * time.Millisecond
	})
	if _, err := q.Enqueue(ctx, queue.Task{JobID: "job-slow", Kind: queue.KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessOne(ctx)
		done <- err
	}()
	<-runner.started
	time.Sleep(250 * time.Millisecond)

	if reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10); err != nil || len(reclaimed) != 0 {
		t.Fatalf("running task must keep its lease, reclaimed %v (err %v)", reclaimed, err)
	}
	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}
	if handled, _ := p.ProcessOne(ctx); handled {
		t.Fatalf("task must run exactly once")
	}
}

func TestConflictIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{err: eris.Wrapf(orchestrator.ErrConflict, "job %s", "job-a")}
	p, q := newTestProcessor(t, runner)

	task, err := q.Enqueue(ctx, queue.Task{JobID: "job-a", Kind: queue.KindRun}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if handled, _ := p.ProcessOne(ctx); !handled {
		t.Fatalf("expected the task to be handled")
	}
	if n, err := q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected the conflicting task to be rescheduled, promoted %d err=%v", n, err)
	}
	if handled, _ := p.ProcessOne(ctx); !handled {
		t.Fatalf("expected the retry to be handled")
	}

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(items) != 1 || items[0].Task.ID != task.ID || items[0].Task.Attempts != 2 {
		t.Fatalf("expected task dead-lettered after 2 attempts, got %+v", items)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 attempts got %d", len(runner.calls))
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{err: eris.Wrapf(store.ErrJobCancelled, "job %s", "job-a")}
	p, q := newTestProcessor(t, runner)

	if _, err := q.Enqueue(ctx, queue.Task{JobID: "job-a", Kind: queue.KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if handled, _ := p.ProcessOne(ctx); !handled {
		t.Fatalf("expected the task to be handled")
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10); n != 0 {
		t.Fatalf("cancelled job must not be retried")
	}
	if items, _ := q.DLQPeek(ctx, 10); len(items) != 0 {
		t.Fatalf("cancelled job must not be dead-lettered")
	}
}

func TestUnknownResumeStageIsRejected(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	p, q := newTestProcessor(t, runner)

	if _, err := q.Enqueue(ctx, queue.Task{JobID: "job-a", Kind: queue.KindResume, VersionID: "v", FromStage: "teleport"}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if handled, _ := p.ProcessOne(ctx); !handled {
		t.Fatalf("expected the task to be handled")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner must not be called for an unknown stage")
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10); n != 0 {
		t.Fatalf("unknown stage must not be retried")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	p, q := newTestProcessor(t, runner)
	p.cfg.WorkerPollInterval = 5 * time.Millisecond
	p.cfg.SweepInterval = 5 * time.Millisecond
	p.cfg.WorkerConcurrency = 2

	if _, err := q.Enqueue(context.Background(), queue.Task{JobID: "job-a", Kind: queue.KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.calls)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never picked up the task")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
