package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roster-pipeline/internal/config"
	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/queue"
	"roster-pipeline/internal/store"
	"roster-pipeline/internal/telemetry"
)

// Runner is the slice of the orchestrator the worker drives.
type Runner interface {
	Run(ctx context.Context, jobID string, opts ...orchestrator.RunOption) (orchestrator.Result, error)
	Resume(ctx context.Context, jobID, versionID string, from orchestrator.StageName, opts ...orchestrator.RunOption) (orchestrator.Result, error)
	SweepStale(ctx context.Context) ([]string, error)
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runner   Runner
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	workerID string
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, runner Runner, logger *zap.Logger, metrics *telemetry.Metrics, workerID string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		logger:   logger.Named("worker").With(zap.String(logging.FieldWorker, workerID)),
		metrics:  metrics,
		workerID: workerID,
	}
}

// Run starts WORKER_CONCURRENCY task loops plus the stale-job sweeper and
// blocks until ctx is cancelled or a loop fails.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.loop(gctx, slot) })
	}
	g.Go(func() error { return p.sweep(gctx) })
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	logger := p.logger.With(zap.Int("slot", slot))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.maintain(ctx)

		handled, err := p.ProcessOne(ctx)
		if err != nil {
			logger.Warn("dequeue failed", zap.Error(err))
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// maintain promotes due retries, reclaims expired leases, and refreshes the depth gauge.
func (p *Processor) maintain(ctx context.Context) {
	if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Debug("promote scheduled", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
		p.logger.Warn("reclaimed expired leases", zap.Strings("task_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		p.metrics.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessOne leases and executes at most one task. It reports whether a task was handled.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.metrics.InFlightGauge.Inc()
	defer p.metrics.InFlightGauge.Dec()
	p.handle(ctx, task)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, task queue.Task) {
	logger := logging.Job(p.logger, task.JobID).With(
		zap.String(logging.FieldTaskID, task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempts", task.Attempts),
	)
	stop := p.keepLease(ctx, task, logger)
	res, err := p.execute(ctx, task)
	stop()
	if err == nil {
		if ackErr := p.queue.Ack(ctx, task); ackErr != nil {
			logger.Error("ack task", zap.Error(ackErr))
		}
		fields := []zap.Field{zap.String("status", string(res.Status)), zap.Int("rows", res.RowsProcessed), zap.Int("issues", res.IssuesFound)}
		if res.Error != nil {
			fields = append(fields, zap.String("failed_stage", string(res.Error.Stage)), zap.String("reason", string(res.Error.Reason)))
		}
		logger.Info("task finished", fields...)
		return
	}

	if permanent(err) {
		logger.Warn("task rejected", zap.Error(err))
		if ackErr := p.queue.Ack(ctx, task); ackErr != nil {
			logger.Error("ack task", zap.Error(ackErr))
		}
		return
	}

	task.Attempts++
	task.LastError = err.Error()
	if task.Attempts >= p.cfg.MaxAttempts {
		logger.Error("task dead-lettered", zap.Error(err))
		if dlqErr := p.queue.DeadLetter(ctx, task, err.Error()); dlqErr != nil {
			logger.Error("dead-letter task", zap.Error(dlqErr))
		}
		p.metrics.TasksDeadLetter.Inc()
		return
	}
	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts)
	if schedErr := p.queue.Schedule(ctx, task, time.Now().Add(wait)); schedErr != nil {
		logger.Error("reschedule task", zap.Error(schedErr))
		return
	}
	p.metrics.TasksRetried.Inc()
	logger.Warn("task rescheduled", zap.Error(err), zap.Duration("backoff", wait))
}

// keepLease extends the task's visibility deadline while it runs so a long
// run is never reclaimed by another worker. The returned func stops it.
func (p *Processor) keepLease(ctx context.Context, task queue.Task, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := p.queue.ExtendLease(ctx, task.ID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				logger.Warn("extend lease", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) execute(ctx context.Context, task queue.Task) (orchestrator.Result, error) {
	var opts []orchestrator.RunOption
	if task.Actor != "" {
		opts = append(opts, orchestrator.WithActor(task.Actor))
	}
	if task.ForceAIAssist {
		opts = append(opts, orchestrator.WithForceAIAssist())
	}
	switch task.Kind {
	case queue.KindRun:
		return p.runner.Run(ctx, task.JobID, opts...)
	case queue.KindResume:
		from, err := orchestrator.ParseStage(task.FromStage)
		if err != nil {
			return orchestrator.Result{}, err
		}
		return p.runner.Resume(ctx, task.JobID, task.VersionID, from, opts...)
	default:
		return orchestrator.Result{}, eris.Wrapf(orchestrator.ErrUnknownStage, "task kind %q", task.Kind)
	}
}

// permanent reports errors that no retry can fix. Conflicts and infrastructure
// failures are retried; stage failures never reach here because the
// orchestrator reports them in the Result.
func permanent(err error) bool {
	for _, target := range []error{
		store.ErrNotFound,
		store.ErrJobCancelled,
		store.ErrVersionMismatch,
		store.ErrInvalidTransition,
		store.ErrInvalidInput,
		store.ErrBlockingIssues,
		orchestrator.ErrUnknownStage,
		orchestrator.ErrMissingStage,
	} {
		if eris.Is(err, target) {
			return true
		}
	}
	return false
}

func (p *Processor) sweep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		ids, err := p.runner.SweepStale(ctx)
		if err != nil {
			p.logger.Warn("stale sweep", zap.Error(err))
			continue
		}
		if len(ids) > 0 {
			p.logger.Info("stale jobs failed", zap.Strings("job_ids", ids))
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
