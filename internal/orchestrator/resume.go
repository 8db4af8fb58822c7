package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
	"roster-pipeline/internal/store"
)

// Resume rebuilds a context from a committed version and re-enters the stage
// graph at from. Any commit made by the resumed run is parented on versionID.
// Resuming at export re-exports versionID itself without a new commit.
func (o *Orchestrator) Resume(ctx context.Context, jobID, versionID string, from StageName, opts ...RunOption) (Result, error) {
	if from == stageEnd {
		from = StageValidate
	}
	if _, err := ParseStage(string(from)); err != nil {
		return Result{}, err
	}
	ro := buildRunOptions(opts)

	lease, err := o.acquire(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	defer o.release(lease, jobID)

	version, err := o.store.GetVersion(ctx, versionID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "load version %s", versionID)
	}
	if version.JobID != jobID {
		return Result{}, eris.Wrapf(store.ErrVersionMismatch, "version %s belongs to job %s", versionID, version.JobID)
	}
	records, err := o.store.GetRecords(ctx, versionID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "load records for %s", versionID)
	}
	issues, err := o.store.GetIssues(ctx, versionID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "load issues for %s", versionID)
	}

	job, err := o.start(ctx, jobID, ro.actor, map[string]any{
		"kind":       "resume",
		"version_id": versionID,
		"from_stage": from,
	})
	if err != nil {
		return Result{}, err
	}

	c := NewContext(job)
	c.Rows = models.RowsFromRecords(records)
	c.Issues = models.IssuesToInputs(issues)
	c.ParentVersionID = &version.ID
	c.ForceAIAssist = ro.forceAIAssist
	c.Resumed = true
	if from == StageExport {
		c.VersionID = &version.ID
	}
	c.Notef("resumed from version %s at %s", version.ID, from)

	res := o.execute(ctx, c, from)
	o.metrics.RunsTotal.WithLabelValues(string(res.Status), "resume").Inc()
	return res, nil
}
