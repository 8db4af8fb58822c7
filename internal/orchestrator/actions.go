package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/store"
)

// Commit writes a version outside of a run, e.g. a human edit. It shares the
// per-job lock with Run and Resume so it never races an active run.
func (o *Orchestrator) Commit(ctx context.Context, p store.CommitParams) (models.Version, error) {
	lease, err := o.acquire(ctx, p.JobID)
	if err != nil {
		return models.Version{}, err
	}
	defer o.release(lease, p.JobID)

	v, err := o.store.CommitVersion(ctx, p)
	if err != nil {
		return models.Version{}, err
	}
	o.metrics.CommitsTotal.Inc()
	logging.Job(o.logger, p.JobID).Info("version committed",
		zap.String(logging.FieldVersionID, v.ID),
		zap.String("author", p.Author),
		zap.Int("rows", len(p.Rows)),
	)
	return v, nil
}

// EditParams describes a manual edit-and-recommit.
type EditParams struct {
	JobID string
	// BaseVersionID defaults to the job's current version.
	BaseVersionID *string
	Rows          []models.Row
	Reason        string
	Actor         string
}

// Edit commits user-corrected rows as a child of the base version. The caller
// follows up with Resume(job, version, validate) to re-check them.
func (o *Orchestrator) Edit(ctx context.Context, p EditParams) (models.Version, error) {
	parent := p.BaseVersionID
	if parent == nil {
		job, err := o.store.GetJob(ctx, p.JobID)
		if err != nil {
			return models.Version{}, err
		}
		parent = job.CurrentVersionID
	}
	reason := p.Reason
	if reason == "" {
		reason = "manual edit"
	}
	return o.Commit(ctx, store.CommitParams{
		JobID:           p.JobID,
		ParentVersionID: parent,
		Author:          models.AuthorUser,
		Reason:          reason,
		Rows:            p.Rows,
		Action:          models.ActionManualEdit,
		Actor:           p.Actor,
	})
}

// Rollback repoints the job at an earlier version of its own.
func (o *Orchestrator) Rollback(ctx context.Context, jobID, versionID, actor string) (store.RollbackResult, error) {
	lease, err := o.acquire(ctx, jobID)
	if err != nil {
		return store.RollbackResult{}, err
	}
	defer o.release(lease, jobID)

	res, err := o.store.Rollback(ctx, store.RollbackParams{JobID: jobID, TargetVersionID: versionID, Actor: actor})
	if err != nil {
		return store.RollbackResult{}, err
	}
	o.metrics.RollbacksTotal.Inc()
	logging.Job(o.logger, jobID).Info("rolled back", zap.String(logging.FieldVersionID, versionID))
	return res, nil
}

// Cancel marks the job cancelled. It does not take the job lock: an active run
// observes the new status at its next checkpoint and stops without committing.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, actor string) (models.Job, error) {
	job, err := o.store.TransitionJob(ctx, store.TransitionParams{
		JobID:  jobID,
		To:     models.StatusCancelled,
		Actor:  actor,
		Action: models.ActionCancel,
	})
	if eris.Is(err, store.ErrInvalidTransition) && job.Status == models.StatusCancelled {
		return job, nil
	}
	if err != nil {
		return job, err
	}
	logging.Job(o.logger, jobID).Info("job cancelled", zap.String("actor", actor))
	return job, nil
}

// SweepStale fails processing jobs whose heartbeat is older than the stale threshold.
func (o *Orchestrator) SweepStale(ctx context.Context) ([]string, error) {
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	ids, err := o.store.SweepStale(ctx, cutoff, models.AuthorSystem)
	if len(ids) > 0 {
		o.metrics.SweptJobs.Add(float64(len(ids)))
		o.logger.Warn("stale jobs failed", zap.Strings("job_ids", ids), zap.Time("cutoff", cutoff))
	}
	if err != nil {
		return ids, eris.Wrap(err, "sweep stale jobs")
	}
	return ids, nil
}

// Draft is the unsaved output of a run halted by the review gate.
type Draft struct {
	JobID           string              `json:"job_id"`
	Stage           StageName           `json:"stage"`
	ParentVersionID *string             `json:"parent_version_id,omitempty"`
	VersionID       *string             `json:"version_id,omitempty"`
	Rows            []models.Row        `json:"rows"`
	Issues          []models.IssueInput `json:"issues"`
	Notes           []string            `json:"notes"`
	HaltedAt        time.Time           `json:"halted_at"`
}

// ReviewDraft returns the rows and issues held back by the latest review halt.
func (o *Orchestrator) ReviewDraft(ctx context.Context, jobID string) (Draft, error) {
	entry, err := o.store.LatestAudit(ctx, jobID, models.ActionReviewHalt)
	if err != nil {
		return Draft{}, err
	}
	var d Draft
	if err := json.Unmarshal(entry.After, &d); err != nil {
		return Draft{}, eris.Wrapf(err, "decode review draft for job %s", jobID)
	}
	d.JobID = jobID
	d.HaltedAt = entry.CreatedAt
	return d, nil
}
