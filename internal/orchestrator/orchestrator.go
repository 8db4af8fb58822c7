// Package orchestrator drives a job through the stage graph and is the single
// place where a failure becomes a terminal job status plus an audit entry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"roster-pipeline/internal/joblock"
	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/store"
	"roster-pipeline/internal/telemetry"
)

const (
	defaultStageTimeout    = 60 * time.Second
	defaultAIAssistTimeout = 2 * time.Minute
	defaultRunTimeout      = 10 * time.Minute
	defaultStaleAfter      = 3 * time.Minute
	// terminal writes must land even when the run context is already done.
	persistTimeout = 15 * time.Second

	reasonAutomated = "automated extraction"
)

// Config holds the time budgets of a run.
type Config struct {
	StageTimeout    time.Duration
	AIAssistTimeout time.Duration
	RunTimeout      time.Duration
	StaleAfter      time.Duration
	ForceAIAssist   bool
}

// Orchestrator sequences stages for one job at a time per job id.
type Orchestrator struct {
	store   store.Store
	stages  Stages
	locker  joblock.Locker
	router  Router
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New wires an orchestrator. A nil locker falls back to an in-process one.
func New(st store.Store, stages Stages, locker joblock.Locker, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Orchestrator, error) {
	if st == nil {
		return nil, eris.New("orchestrator requires a store")
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if locker == nil {
		locker = joblock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.AIAssistTimeout <= 0 {
		cfg.AIAssistTimeout = defaultAIAssistTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Orchestrator{
		store:   st,
		stages:  stages,
		locker:  locker,
		router:  Router{ForceAIAssist: cfg.ForceAIAssist},
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Result is the terminal outcome of Run or Resume.
type Result struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	VersionID     *string          `json:"version_id,omitempty"`
	ExportID      string           `json:"export_id,omitempty"`
	RowsProcessed int              `json:"rows_processed"`
	IssuesFound   int              `json:"issues_found"`
	Notes         []string         `json:"notes"`
	Error         *StageError      `json:"error,omitempty"`
	Resumed       bool             `json:"resumed"`
}

// RunOption tweaks a single run.
type RunOption func(*runOptions)

type runOptions struct {
	forceAIAssist bool
	actor         string
}

// WithForceAIAssist routes the run through AI assist regardless of classification.
func WithForceAIAssist() RunOption {
	return func(o *runOptions) { o.forceAIAssist = true }
}

// WithActor records who started the run in the audit trail.
func WithActor(actor string) RunOption {
	return func(o *runOptions) { o.actor = actor }
}

func buildRunOptions(opts []RunOption) runOptions {
	o := runOptions{actor: models.AuthorSystem}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Run executes the full stage sequence for a job. The returned error covers
// rejections before any stage ran (conflict, unknown or cancelled job);
// stage failures are reported in Result.
func (o *Orchestrator) Run(ctx context.Context, jobID string, opts ...RunOption) (Result, error) {
	ro := buildRunOptions(opts)
	lease, err := o.acquire(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	defer o.release(lease, jobID)

	job, err := o.start(ctx, jobID, ro.actor, map[string]any{"kind": "run"})
	if err != nil {
		return Result{}, err
	}
	c := NewContext(job)
	c.ForceAIAssist = ro.forceAIAssist
	res := o.execute(ctx, c, StageIntake)
	o.metrics.RunsTotal.WithLabelValues(string(res.Status), "run").Inc()
	return res, nil
}

func (o *Orchestrator) acquire(ctx context.Context, jobID string) (joblock.Lease, error) {
	lease, err := o.locker.Acquire(ctx, jobID)
	if eris.Is(err, joblock.ErrHeld) {
		o.metrics.ConflictsTotal.Inc()
		return nil, eris.Wrapf(ErrConflict, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lock job %s", jobID)
	}
	return lease, nil
}

func (o *Orchestrator) release(lease joblock.Lease, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		o.logger.Warn("release job lock", zap.String(logging.FieldJobID, jobID), zap.Error(err))
	}
}

// start moves the job into processing and records the run_start audit entry.
func (o *Orchestrator) start(ctx context.Context, jobID, actor string, detail map[string]any) (models.Job, error) {
	job, err := o.store.TransitionJob(ctx, store.TransitionParams{
		JobID:  jobID,
		To:     models.StatusProcessing,
		Actor:  actor,
		Action: models.ActionRunStart,
		Detail: detail,
	})
	if err != nil {
		return models.Job{}, eris.Wrapf(err, "start job %s", jobID)
	}
	return job, nil
}

// execute walks the stage graph from the given stage until a terminal edge.
func (o *Orchestrator) execute(ctx context.Context, c Context, from StageName) Result {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	logger := logging.Job(o.logger, c.JobID)
	logger.Info("run started", zap.String(logging.FieldStage, string(from)), zap.Bool("resumed", c.Resumed))

	stage := from
	for stage != stageEnd {
		if aborted, res := o.checkpoint(runCtx, c, stage); aborted {
			return res
		}
		// Router B also guards export: a resume may enter here with a blocking version.
		if stage == StageExport && models.HasBlocking(c.Issues) {
			return o.haltForReview(ctx, c, stage)
		}

		started := time.Now()
		next, serr := o.step(runCtx, stage, c)
		elapsed := time.Since(started)
		if serr != nil {
			o.metrics.ObserveStage(string(stage), string(serr.Reason), elapsed)
			logger.Warn("stage failed",
				zap.String(logging.FieldStage, string(stage)),
				zap.Duration("duration", elapsed),
				zap.String("reason", string(serr.Reason)),
				zap.String("error", serr.Message),
			)
			return o.fail(ctx, c, serr)
		}
		o.metrics.ObserveStage(string(stage), "ok", elapsed)
		logger.Info("stage completed",
			zap.String(logging.FieldStage, string(stage)),
			zap.Duration("duration", elapsed),
			zap.Int("rows", len(next.Rows)),
			zap.Int("issues", len(next.Issues)),
		)
		c = next

		edge := o.router.Next(stage, c)
		if edge.HaltReview {
			return o.haltForReview(ctx, c, stage)
		}
		stage = edge.Next
	}

	c.Status = models.StatusReady
	logger.Info("run finished", zap.String("status", string(c.Status)))
	return toResult(c)
}

// checkpoint runs between stages: it refreshes the job heartbeat and observes
// external cancellation, a stale sweep, or an exhausted run budget.
func (o *Orchestrator) checkpoint(ctx context.Context, c Context, stage StageName) (bool, Result) {
	if err := ctx.Err(); err != nil {
		return true, o.fail(ctx, c, contextError(stage, err, "run"))
	}
	status, err := o.store.Heartbeat(ctx, c.JobID)
	if err != nil {
		return true, o.fail(ctx, c, &StageError{Stage: stage, Reason: ReasonPersistence, Message: err.Error()})
	}
	switch status {
	case models.StatusProcessing:
		return false, Result{}
	case models.StatusCancelled:
		return true, o.abortCancelled(c, stage)
	default:
		// Swept or otherwise moved out from under us; the status is already terminal.
		c.Status = status
		c.Error = &StageError{Stage: stage, Reason: ReasonTimeout, Message: fmt.Sprintf("job left processing (now %s)", status)}
		logging.Job(o.logger, c.JobID).Warn("run abandoned", zap.String("status", string(status)))
		return true, toResult(c)
	}
}

func (o *Orchestrator) abortCancelled(c Context, stage StageName) Result {
	c.Status = models.StatusCancelled
	c.VersionID = nil
	c.Error = &StageError{Stage: stage, Reason: ReasonCancelled, Message: "job cancelled"}
	logging.Job(o.logger, c.JobID).Info("run aborted by cancellation", zap.String(logging.FieldStage, string(stage)))
	return toResult(c)
}

// step runs one node of the graph.
func (o *Orchestrator) step(ctx context.Context, stage StageName, c Context) (Context, *StageError) {
	switch stage {
	case StageCommit:
		return o.commitStage(ctx, c)
	case StageExport:
		return o.exportStage(ctx, c)
	case StageAIAssist:
		out, serr := o.invoke(ctx, stage, c, o.cfg.AIAssistTimeout)
		if serr == nil {
			return out, nil
		}
		if serr.Reason == ReasonCancelled {
			return c, serr
		}
		// Best effort: keep the extracted rows and move on to normalize.
		c.Notef("ai_assist skipped: %s", serr.Message)
		return c, nil
	default:
		return o.invoke(ctx, stage, c, o.cfg.StageTimeout)
	}
}

// invoke calls a collaborator on a copy of the context with a timeout and panic recovery.
func (o *Orchestrator) invoke(ctx context.Context, name StageName, c Context, timeout time.Duration) (Context, *StageError) {
	collaborator := o.stages.lookup(name)
	if collaborator == nil {
		return c, &StageError{Stage: name, Reason: ReasonStageError, Message: eris.Wrapf(ErrUnknownStage, "%s", name).Error()}
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		c   Context
		err error
		pan any
	}
	done := make(chan outcome, 1)
	go func(in Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{pan: r}
			}
		}()
		out, err := collaborator.Run(stageCtx, in)
		done <- outcome{c: out, err: err}
	}(c.Clone())

	select {
	case res := <-done:
		switch {
		case res.pan != nil:
			return c, &StageError{Stage: name, Reason: ReasonPanic, Message: fmt.Sprint(res.pan)}
		case res.err != nil:
			var serr *StageError
			if errors.As(res.err, &serr) {
				return c, serr
			}
			if ctxErr := stageCtx.Err(); ctxErr != nil {
				return c, contextError(name, ctxErr, "stage")
			}
			return c, &StageError{Stage: name, Reason: ReasonStageError, Message: res.err.Error()}
		case res.c.Error != nil:
			serr := *res.c.Error
			if serr.Stage == "" {
				serr.Stage = name
			}
			return c, &serr
		}
		out := res.c
		out.JobID, out.Job, out.Resumed = c.JobID, c.Job, c.Resumed
		return out, nil
	case <-stageCtx.Done():
		return c, contextError(name, stageCtx.Err(), "stage")
	}
}

func contextError(stage StageName, err error, scope string) *StageError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Stage: stage, Reason: ReasonTimeout, Message: scope + " time budget exceeded"}
	}
	return &StageError{Stage: stage, Reason: ReasonCancelled, Message: err.Error()}
}

// commitStage persists rows and issues as a new version.
func (o *Orchestrator) commitStage(ctx context.Context, c Context) (Context, *StageError) {
	reason := reasonAutomated
	if c.Resumed && c.ParentVersionID != nil {
		reason = fmt.Sprintf("resumed from version %s", *c.ParentVersionID)
	}
	v, err := o.store.CommitVersion(ctx, store.CommitParams{
		JobID:           c.JobID,
		ParentVersionID: c.ParentVersionID,
		Author:          models.AuthorSystem,
		Reason:          reason,
		Rows:            c.Rows,
		Issues:          c.Issues,
	})
	if err != nil {
		if eris.Is(err, store.ErrJobCancelled) {
			return c, &StageError{Stage: StageCommit, Reason: ReasonCancelled, Message: "job cancelled before commit"}
		}
		return c, &StageError{Stage: StageCommit, Reason: ReasonPersistence, Message: err.Error()}
	}
	o.metrics.CommitsTotal.Inc()
	id := v.ID
	c.VersionID = &id
	if models.HasBlocking(c.Issues) {
		c.Status = models.StatusNeedsReview
	}
	return c, nil
}

// exportStage calls the export collaborator and records its artifact, which marks the job ready.
func (o *Orchestrator) exportStage(ctx context.Context, c Context) (Context, *StageError) {
	if c.VersionID == nil {
		return c, &StageError{Stage: StageExport, Reason: ReasonStageError, Message: "no committed version to export"}
	}
	out, serr := o.invoke(ctx, StageExport, c, o.cfg.StageTimeout)
	if serr != nil {
		return c, serr
	}
	if out.Export == nil || out.Export.Location == "" {
		return c, &StageError{Stage: StageExport, Reason: ReasonStageError, Message: "export produced no artifact"}
	}
	exp, err := o.store.RecordExport(ctx, store.RecordExportParams{
		JobID:     c.JobID,
		VersionID: *c.VersionID,
		Location:  out.Export.Location,
		Checksum:  out.Export.Checksum,
		SizeBytes: out.Export.SizeBytes,
	})
	if err != nil {
		if eris.Is(err, store.ErrJobCancelled) {
			return c, &StageError{Stage: StageExport, Reason: ReasonCancelled, Message: "job cancelled before export was recorded"}
		}
		return c, &StageError{Stage: StageExport, Reason: ReasonPersistence, Message: err.Error()}
	}
	out.Export.ExportID = exp.ID
	out.VersionID = c.VersionID
	out.Status = models.StatusReady
	return out, nil
}

// fail maps a stage error to the failed status plus a stage_fail audit entry.
// Cancellation never writes a status: the cancel request already did.
func (o *Orchestrator) fail(ctx context.Context, c Context, serr *StageError) Result {
	if serr.Reason == ReasonCancelled {
		return o.abortCancelled(c, serr.Stage)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	c.Error = serr
	c.Status = models.StatusFailed
	_, err := o.store.TransitionJob(pctx, store.TransitionParams{
		JobID:       c.JobID,
		To:          models.StatusFailed,
		FailedStage: string(serr.Stage),
		LastError:   serr.Message,
		Action:      models.ActionStageFail,
		Detail:      map[string]any{"reason": serr.Reason},
	})
	logger := logging.Job(o.logger, c.JobID)
	switch {
	case eris.Is(err, store.ErrJobCancelled):
		return o.abortCancelled(c, serr.Stage)
	case err != nil:
		logger.Error("record stage failure", zap.String(logging.FieldStage, string(serr.Stage)), zap.Error(err))
	}
	logger.Info("run finished", zap.String("status", string(c.Status)))
	return toResult(c)
}

// haltForReview stops the run in needs_review. The in-memory draft goes into
// the audit entry; nothing is committed.
func (o *Orchestrator) haltForReview(ctx context.Context, c Context, stage StageName) Result {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	detail := map[string]any{
		"stage":             stage,
		"parent_version_id": c.ParentVersionID,
		"rows":              c.Rows,
		"issues":            c.Issues,
		"notes":             c.Notes,
	}
	if stage == StageCommit || stage == StageExport {
		// Resumed at commit_version or export with blocking issues: the version exists.
		detail["version_id"] = c.VersionID
	} else {
		c.VersionID = nil
	}
	c.Status = models.StatusNeedsReview
	_, err := o.store.TransitionJob(pctx, store.TransitionParams{
		JobID:  c.JobID,
		To:     models.StatusNeedsReview,
		Action: models.ActionReviewHalt,
		Detail: detail,
	})
	logger := logging.Job(o.logger, c.JobID)
	switch {
	case eris.Is(err, store.ErrJobCancelled):
		return o.abortCancelled(c, stage)
	case err != nil:
		logger.Error("record review halt", zap.Error(err))
		c.Error = &StageError{Stage: stage, Reason: ReasonPersistence, Message: err.Error()}
	}
	logger.Info("run halted for review",
		zap.Int("errors", models.CountSeverity(c.Issues, models.SeverityError)),
		zap.Int("rows", len(c.Rows)),
	)
	return toResult(c)
}

func toResult(c Context) Result {
	notes := c.Notes
	if notes == nil {
		notes = []string{}
	}
	res := Result{
		JobID:         c.JobID,
		Status:        c.Status,
		VersionID:     c.VersionID,
		RowsProcessed: len(c.Rows),
		IssuesFound:   len(c.Issues),
		Notes:         notes,
		Error:         c.Error,
		Resumed:       c.Resumed,
	}
	if c.Export != nil {
		res.ExportID = c.Export.ExportID
	}
	return res
}
