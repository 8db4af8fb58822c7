package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
)

var (
	ErrNotFound          = eris.New("not found")
	ErrDuplicateRow      = eris.New("duplicate (version_id, row_idx)")
	ErrVersionMismatch   = eris.New("version does not belong to job")
	ErrInvalidTransition = eris.New("invalid job status transition")
	ErrJobCancelled      = eris.New("job is cancelled")
	ErrInvalidInput      = eris.New("invalid input")
	ErrBlockingIssues    = eris.New("version has error-level issues")
)

// Store is the Record Store: the only shared mutable resource of the pipeline.
// Job.current_version_id is written only by CommitVersion and Rollback.
type Store interface {
	FindJobByMessage(ctx context.Context, messageID, contentHash string) (models.Job, bool, error)
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error)
	TransitionJob(ctx context.Context, p TransitionParams) (models.Job, error)
	Heartbeat(ctx context.Context, jobID string) (models.JobStatus, error)

	CommitVersion(ctx context.Context, p CommitParams) (models.Version, error)
	Rollback(ctx context.Context, p RollbackParams) (RollbackResult, error)
	GetVersion(ctx context.Context, id string) (models.Version, error)
	ListVersions(ctx context.Context, jobID string) ([]models.VersionSummary, error)
	GetRecords(ctx context.Context, versionID string) ([]models.Record, error)
	GetIssues(ctx context.Context, versionID string) ([]models.Issue, error)

	RecordExport(ctx context.Context, p RecordExportParams) (models.Export, error)
	GetExport(ctx context.Context, id string) (models.Export, error)
	LatestExport(ctx context.Context, jobID string) (models.Export, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	LatestAudit(ctx context.Context, jobID, action string) (models.AuditLog, error)

	SweepStale(ctx context.Context, cutoff time.Time, actor string) ([]string, error)
	Close() error
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	MessageID   string
	Sender      string
	Subject     string
	RawURI      string
	ContentHash string
	Actor       string
}

// ListJobsParams filters job listings.
type ListJobsParams struct {
	Status *models.JobStatus
	Limit  int
}

// TransitionParams moves a job to a new status and records the audit entry in the same transaction.
type TransitionParams struct {
	JobID       string
	To          models.JobStatus
	FailedStage string
	LastError   string
	Actor       string
	Action      string
	Detail      map[string]any
}

// CommitParams describes one atomic version write.
type CommitParams struct {
	JobID           string
	ParentVersionID *string
	Author          string
	Reason          string
	Rows            []models.Row
	Issues          []models.IssueInput
	// Action overrides the audit action; defaults to version_commit.
	Action string
	// Actor is recorded in the audit entry; defaults to Author.
	Actor string
}

// RollbackParams repoints a job at an earlier version.
type RollbackParams struct {
	JobID           string
	TargetVersionID string
	Actor           string
}

// RollbackResult reports the pointer change.
type RollbackResult struct {
	JobID string  `json:"job_id"`
	From  *string `json:"from_version_id"`
	To    string  `json:"to_version_id"`
}

// RecordExportParams persists an export artifact and marks the job ready.
type RecordExportParams struct {
	JobID     string
	VersionID string
	Location  string
	Checksum  string
	SizeBytes int64
	Actor     string
}

// AuditEntry is a free-standing audit write.
type AuditEntry struct {
	JobID  string
	Actor  string
	Action string
	Before any
	After  any
}

// CommitStep names a point inside CommitVersion where a hook may inject a failure.
type CommitStep string

const (
	StepVersionInserted CommitStep = "version_inserted"
	StepRecordsInserted CommitStep = "records_inserted"
	StepIssuesInserted  CommitStep = "issues_inserted"
)

// CommitHook runs inside the commit transaction. A non-nil error aborts the commit.
// Hooks must not call back into the store.
type CommitHook func(ctx context.Context, step CommitStep) error

type options struct {
	commitHook CommitHook
}

// Option configures a store engine.
type Option func(*options)

// WithCommitHook installs a fault-injection hook for CommitVersion.
func WithCommitHook(h CommitHook) Option {
	return func(o *options) { o.commitHook = h }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) hook(ctx context.Context, step CommitStep) error {
	if o.commitHook == nil {
		return nil
	}
	if err := o.commitHook(ctx, step); err != nil {
		return eris.Wrapf(err, "commit hook at %s", step)
	}
	return nil
}

func validateCommit(p CommitParams) error {
	if p.JobID == "" {
		return eris.Wrap(ErrInvalidInput, "job id is required")
	}
	switch p.Author {
	case models.AuthorSystem, models.AuthorUser, models.AuthorAPI:
	default:
		return eris.Wrapf(ErrInvalidInput, "unknown author %q", p.Author)
	}
	for _, row := range p.Rows {
		if row.Index < 0 {
			return eris.Wrapf(ErrInvalidInput, "negative row index %d", row.Index)
		}
	}
	for _, issue := range p.Issues {
		if !issue.Severity.Valid() {
			return eris.Wrapf(ErrInvalidInput, "unknown issue severity %q", issue.Severity)
		}
	}
	return nil
}

// commitStatus returns the status a commit leaves the job in.
func commitStatus(current models.JobStatus, issues []models.IssueInput) (models.JobStatus, error) {
	if current == models.StatusCancelled {
		return current, ErrJobCancelled
	}
	if !models.HasBlocking(issues) {
		return current, nil
	}
	if err := models.ValidateTransition(current, models.StatusNeedsReview); err != nil {
		return current, eris.Wrap(ErrInvalidTransition, err.Error())
	}
	return models.StatusNeedsReview, nil
}

func checkTransition(from, to models.JobStatus) error {
	if from == models.StatusCancelled && to != models.StatusCancelled {
		return ErrJobCancelled
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return eris.Wrap(ErrInvalidTransition, err.Error())
	}
	return nil
}

func commitAuditAfter(versionID string, p CommitParams, status models.JobStatus) map[string]any {
	return map[string]any{
		"version_id":        versionID,
		"parent_version_id": p.ParentVersionID,
		"author":            p.Author,
		"reason":            p.Reason,
		"records":           len(p.Rows),
		"issues":            len(p.Issues),
		"errors":            models.CountSeverity(p.Issues, models.SeverityError),
		"status":            status,
	}
}

func transitionAfter(p TransitionParams) map[string]any {
	after := make(map[string]any, len(p.Detail)+3)
	for k, v := range p.Detail {
		after[k] = v
	}
	after["status"] = p.To
	if p.FailedStage != "" {
		after["failed_stage"] = p.FailedStage
	}
	if p.LastError != "" {
		after["error"] = p.LastError
	}
	return after
}

func marshalSnapshot(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal audit snapshot")
	}
	return b, nil
}

func actorOr(actor, def string) string {
	if actor == "" {
		return def
	}
	return actor
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
	staleMessage     = "processing exceeded stale threshold"
	staleStage       = "timeout"
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
