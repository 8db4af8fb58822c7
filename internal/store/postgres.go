package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "connect postgres")
	}
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}, nil
}

// Pool exposes the connection pool for advisory locking.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations applies embedded migrations not yet recorded in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return eris.Wrap(err, "begin migration tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return eris.Wrap(err, "ensure schema_migrations")
	}
	for _, m := range migrations {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = $1`, m.version).Scan(&count); err != nil {
			return eris.Wrap(err, "scan migration version")
		}
		if count > 0 {
			continue
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "apply migration %s", m.version)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return eris.Wrapf(err, "record migration %s", m.version)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "commit migrations")
	}
	return nil
}

const pgJobColumns = `id, status, current_version_id, message_id, sender, subject, raw_uri, content_hash, failed_stage, last_error, created_at, updated_at`

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job                        models.Job
		status                     string
		current, failedStage, last pgtype.Text
	)
	if err := row.Scan(&job.ID, &status, &current, &job.MessageID, &job.Sender, &job.Subject, &job.RawURI, &job.ContentHash, &failedStage, &last, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.CurrentVersionID = textPtr(current)
	job.FailedStage = textPtr(failedStage)
	job.LastError = textPtr(last)
	return job, nil
}

// FindJobByMessage returns the job already ingested for the message id or content hash.
func (s *PostgresStore) FindJobByMessage(ctx context.Context, messageID, contentHash string) (models.Job, bool, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM jobs WHERE message_id = $1 OR content_hash = $2
		ORDER BY created_at LIMIT 1
	`, messageID, contentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, eris.Wrap(err, "query job by message")
	}
	return job, true, nil
}

// CreateJob inserts a pending job and its create audit entry. A repeat message
// returns the existing job and true.
func (s *PostgresStore) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MessageID == "" || p.ContentHash == "" {
		return models.Job{}, false, eris.Wrap(ErrInvalidInput, "message id and content hash are required")
	}
	if existing, found, err := s.FindJobByMessage(ctx, p.MessageID, p.ContentHash); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Status:      models.StatusPending,
		MessageID:   p.MessageID,
		Sender:      p.Sender,
		Subject:     p.Subject,
		RawURI:      p.RawURI,
		ContentHash: p.ContentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, status, message_id, sender, subject, raw_uri, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT DO NOTHING
	`, job.ID, job.Status, job.MessageID, job.Sender, job.Subject, job.RawURI, job.ContentHash, now)
	if err != nil {
		return models.Job{}, false, eris.Wrap(err, "insert job")
	}
	if tag.RowsAffected() == 0 {
		// Someone else ingested the same message after our initial check.
		if err := tx.Rollback(ctx); err != nil {
			return models.Job{}, false, eris.Wrap(err, "rollback after dedupe conflict")
		}
		existing, found, err := s.FindJobByMessage(ctx, p.MessageID, p.ContentHash)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, eris.New("dedupe conflict but no existing job found")
		}
		return existing, true, nil
	}
	after := map[string]any{"status": job.Status, "message_id": job.MessageID, "sender": job.Sender, "raw_uri": job.RawURI}
	if err := pgAudit(ctx, tx, job.ID, actorOr(p.Actor, models.AuthorAPI), models.ActionCreate, nil, after); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, eris.Wrap(err, "commit")
	}
	return job, false, nil
}

// GetJob fetches a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return models.Job{}, eris.Wrap(err, "scan job")
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error) {
	var status *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC LIMIT $2
	`, status, clampLimit(p.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "iterate jobs")
}

func lockPgJob(ctx context.Context, tx pgx.Tx, jobID string) (models.Job, error) {
	job, err := scanPgJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return models.Job{}, eris.Wrap(err, "lock job")
	}
	return job, nil
}

// TransitionJob changes the job status, validated against the transition table.
func (s *PostgresStore) TransitionJob(ctx context.Context, p TransitionParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := lockPgJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := checkTransition(job.Status, p.To); err != nil {
		return job, err
	}
	before := map[string]any{"status": job.Status}

	now := time.Now().UTC()
	failedStage, lastErr := emptyToNil(p.FailedStage), emptyToNil(p.LastError)
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, failed_stage = $3, last_error = $4, updated_at = $5 WHERE id = $1
	`, p.JobID, p.To, failedStage, lastErr, now); err != nil {
		return models.Job{}, eris.Wrap(err, "update job status")
	}
	if p.Action != "" {
		if err := pgAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorSystem), p.Action, before, transitionAfter(p)); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, eris.Wrap(err, "commit")
	}
	job.Status, job.FailedStage, job.LastError, job.UpdatedAt = p.To, failedStage, lastErr, now
	return job, nil
}

// Heartbeat refreshes updated_at for a processing job and returns the current status.
func (s *PostgresStore) Heartbeat(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET updated_at = CASE WHEN status = $2 THEN NOW() ELSE updated_at END
		WHERE id = $1 RETURNING status
	`, jobID, models.StatusProcessing).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return "", eris.Wrap(err, "heartbeat job")
	}
	return models.JobStatus(status), nil
}

// CommitVersion writes a version, its records and issues, advances the job pointer
// and appends the audit entry in one transaction.
func (s *PostgresStore) CommitVersion(ctx context.Context, p CommitParams) (models.Version, error) {
	if err := validateCommit(p); err != nil {
		return models.Version{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Version{}, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := lockPgJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Version{}, err
	}
	nextStatus, err := commitStatus(job.Status, p.Issues)
	if err != nil {
		return models.Version{}, err
	}
	if p.ParentVersionID != nil {
		if err := pgVersionOwned(ctx, tx, p.JobID, *p.ParentVersionID); err != nil {
			return models.Version{}, err
		}
	}

	now := time.Now().UTC()
	v := models.Version{
		ID:              uuid.New().String(),
		JobID:           p.JobID,
		ParentVersionID: p.ParentVersionID,
		Author:          p.Author,
		Reason:          p.Reason,
		CreatedAt:       now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO versions (id, job_id, parent_version_id, author, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.JobID, v.ParentVersionID, v.Author, v.Reason, now); err != nil {
		return models.Version{}, eris.Wrap(err, "insert version")
	}
	if err := s.opts.hook(ctx, StepVersionInserted); err != nil {
		return models.Version{}, err
	}

	if len(p.Rows) > 0 {
		recordRows := make([][]any, 0, len(p.Rows))
		for _, row := range p.Rows {
			data, err := json.Marshal(row.Fields)
			if err != nil {
				return models.Version{}, eris.Wrapf(err, "marshal row %d", row.Index)
			}
			recordRows = append(recordRows, []any{p.JobID, v.ID, row.Index, data})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"records"}, []string{"job_id", "version_id", "row_idx", "data"}, pgx.CopyFromRows(recordRows)); err != nil {
			if isUniqueViolation(err) {
				return models.Version{}, eris.Wrapf(ErrDuplicateRow, "version %s", v.ID)
			}
			return models.Version{}, eris.Wrap(err, "insert records")
		}
	}
	if err := s.opts.hook(ctx, StepRecordsInserted); err != nil {
		return models.Version{}, err
	}

	if len(p.Issues) > 0 {
		issueRows := make([][]any, 0, len(p.Issues))
		for _, issue := range p.Issues {
			issueRows = append(issueRows, []any{uuid.New().String(), v.ID, issue.RowIdx, issue.Field, string(issue.Severity), issue.Message, now})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"issues"}, []string{"id", "version_id", "row_idx", "field", "level", "message", "created_at"}, pgx.CopyFromRows(issueRows)); err != nil {
			return models.Version{}, eris.Wrap(err, "insert issues")
		}
	}
	if err := s.opts.hook(ctx, StepIssuesInserted); err != nil {
		return models.Version{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET current_version_id = $2, status = $3, updated_at = $4 WHERE id = $1
	`, p.JobID, v.ID, nextStatus, now); err != nil {
		return models.Version{}, eris.Wrap(err, "advance job pointer")
	}
	before := map[string]any{"current_version_id": job.CurrentVersionID, "status": job.Status}
	action := p.Action
	if action == "" {
		action = models.ActionCommit
	}
	if err := pgAudit(ctx, tx, p.JobID, actorOr(p.Actor, p.Author), action, before, commitAuditAfter(v.ID, p, nextStatus)); err != nil {
		return models.Version{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return models.Version{}, eris.Wrapf(ErrDuplicateRow, "version %s", v.ID)
		}
		return models.Version{}, eris.Wrap(err, "commit")
	}
	return v, nil
}

func pgVersionOwned(ctx context.Context, tx pgx.Tx, jobID, versionID string) error {
	var owner string
	err := tx.QueryRow(ctx, `SELECT job_id FROM versions WHERE id = $1`, versionID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "version %s", versionID)
	}
	if err != nil {
		return eris.Wrap(err, "query version owner")
	}
	if owner != jobID {
		return eris.Wrapf(ErrVersionMismatch, "version %s belongs to job %s", versionID, owner)
	}
	return nil
}

// Rollback repoints the job at an existing version. History is untouched.
func (s *PostgresStore) Rollback(ctx context.Context, p RollbackParams) (RollbackResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RollbackResult{}, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := lockPgJob(ctx, tx, p.JobID)
	if err != nil {
		return RollbackResult{}, err
	}
	if err := pgVersionOwned(ctx, tx, p.JobID, p.TargetVersionID); err != nil {
		return RollbackResult{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET current_version_id = $2, updated_at = NOW() WHERE id = $1
	`, p.JobID, p.TargetVersionID); err != nil {
		return RollbackResult{}, eris.Wrap(err, "update job pointer")
	}
	before := map[string]any{"current_version_id": job.CurrentVersionID}
	after := map[string]any{"current_version_id": p.TargetVersionID}
	if err := pgAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorUser), models.ActionRollback, before, after); err != nil {
		return RollbackResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RollbackResult{}, eris.Wrap(err, "commit")
	}
	return RollbackResult{JobID: p.JobID, From: job.CurrentVersionID, To: p.TargetVersionID}, nil
}

// GetVersion fetches one version.
func (s *PostgresStore) GetVersion(ctx context.Context, id string) (models.Version, error) {
	var (
		v      models.Version
		parent pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, parent_version_id, author, reason, created_at FROM versions WHERE id = $1
	`, id).Scan(&v.ID, &v.JobID, &parent, &v.Author, &v.Reason, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Version{}, eris.Wrapf(ErrNotFound, "version %s", id)
	}
	if err != nil {
		return models.Version{}, eris.Wrap(err, "scan version")
	}
	v.ParentVersionID = textPtr(parent)
	return v, nil
}

// ListVersions returns the job's versions newest first with record and issue counts.
func (s *PostgresStore) ListVersions(ctx context.Context, jobID string) ([]models.VersionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.job_id, v.parent_version_id, v.author, v.reason, v.created_at,
		       (SELECT COUNT(*) FROM records r WHERE r.version_id = v.id),
		       (SELECT COUNT(*) FROM issues i WHERE i.version_id = v.id)
		FROM versions v WHERE v.job_id = $1
		ORDER BY v.created_at DESC
	`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "list versions")
	}
	defer rows.Close()
	var out []models.VersionSummary
	for rows.Next() {
		var (
			vs     models.VersionSummary
			parent pgtype.Text
		)
		if err := rows.Scan(&vs.ID, &vs.JobID, &parent, &vs.Author, &vs.Reason, &vs.CreatedAt, &vs.RecordCount, &vs.IssueCount); err != nil {
			return nil, eris.Wrap(err, "scan version")
		}
		vs.ParentVersionID = textPtr(parent)
		out = append(out, vs)
	}
	return out, eris.Wrap(rows.Err(), "iterate versions")
}

// GetRecords returns a version's records ordered by row_idx.
func (s *PostgresStore) GetRecords(ctx context.Context, versionID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, version_id, row_idx, data FROM records WHERE version_id = $1 ORDER BY row_idx
	`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "query records")
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		var (
			rec  models.Record
			data []byte
		)
		if err := rows.Scan(&rec.JobID, &rec.VersionID, &rec.RowIdx, &data); err != nil {
			return nil, eris.Wrap(err, "scan record")
		}
		if err := json.Unmarshal(data, &rec.Fields); err != nil {
			return nil, eris.Wrapf(err, "unmarshal record %d", rec.RowIdx)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "iterate records")
}

// GetIssues returns a version's issues in insertion order.
func (s *PostgresStore) GetIssues(ctx context.Context, versionID string) ([]models.Issue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version_id, row_idx, field, level, message, created_at
		FROM issues WHERE version_id = $1 ORDER BY created_at, row_idx NULLS FIRST, id
	`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "query issues")
	}
	defer rows.Close()
	var out []models.Issue
	for rows.Next() {
		var (
			issue  models.Issue
			rowIdx pgtype.Int4
			field  pgtype.Text
			level  string
		)
		if err := rows.Scan(&issue.ID, &issue.VersionID, &rowIdx, &field, &level, &issue.Message, &issue.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan issue")
		}
		if rowIdx.Valid {
			issue.RowIdx = models.IntPtr(int(rowIdx.Int32))
		}
		issue.Field = textPtr(field)
		issue.Severity = models.Severity(level)
		out = append(out, issue)
	}
	return out, eris.Wrap(rows.Err(), "iterate issues")
}

// RecordExport persists the export row, marks the job ready and audits both.
func (s *PostgresStore) RecordExport(ctx context.Context, p RecordExportParams) (models.Export, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Export{}, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := lockPgJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Export{}, err
	}
	if err := checkTransition(job.Status, models.StatusReady); err != nil {
		return models.Export{}, err
	}
	if err := pgVersionOwned(ctx, tx, p.JobID, p.VersionID); err != nil {
		return models.Export{}, err
	}
	var blocking int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM issues WHERE version_id = $1 AND level = $2
	`, p.VersionID, string(models.SeverityError)).Scan(&blocking); err != nil {
		return models.Export{}, eris.Wrap(err, "count blocking issues")
	}
	if blocking > 0 {
		return models.Export{}, eris.Wrapf(ErrBlockingIssues, "version %s has %d", p.VersionID, blocking)
	}
	now := time.Now().UTC()
	exp := models.Export{
		ID:        uuid.New().String(),
		JobID:     p.JobID,
		VersionID: p.VersionID,
		Location:  p.Location,
		Checksum:  p.Checksum,
		SizeBytes: p.SizeBytes,
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO exports (id, job_id, version_id, file_uri, checksum, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exp.ID, exp.JobID, exp.VersionID, exp.Location, exp.Checksum, exp.SizeBytes, now); err != nil {
		return models.Export{}, eris.Wrap(err, "insert export")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, failed_stage = NULL, last_error = NULL, updated_at = $3 WHERE id = $1
	`, p.JobID, models.StatusReady, now); err != nil {
		return models.Export{}, eris.Wrap(err, "mark job ready")
	}
	before := map[string]any{"status": job.Status}
	after := map[string]any{"status": models.StatusReady, "export_id": exp.ID, "version_id": exp.VersionID, "file_uri": exp.Location, "checksum": exp.Checksum}
	if err := pgAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorSystem), models.ActionExport, before, after); err != nil {
		return models.Export{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Export{}, eris.Wrap(err, "commit")
	}
	return exp, nil
}

const pgExportColumns = `id, job_id, version_id, file_uri, checksum, file_size, created_at`

func scanPgExport(row pgx.Row) (models.Export, error) {
	var exp models.Export
	err := row.Scan(&exp.ID, &exp.JobID, &exp.VersionID, &exp.Location, &exp.Checksum, &exp.SizeBytes, &exp.CreatedAt)
	return exp, err
}

// GetExport fetches one export by id.
func (s *PostgresStore) GetExport(ctx context.Context, id string) (models.Export, error) {
	exp, err := scanPgExport(s.pool.QueryRow(ctx, `SELECT `+pgExportColumns+` FROM exports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Export{}, eris.Wrapf(ErrNotFound, "export %s", id)
	}
	if err != nil {
		return models.Export{}, eris.Wrap(err, "scan export")
	}
	return exp, nil
}

// LatestExport returns the newest export for the job.
func (s *PostgresStore) LatestExport(ctx context.Context, jobID string) (models.Export, error) {
	exp, err := scanPgExport(s.pool.QueryRow(ctx, `
		SELECT `+pgExportColumns+` FROM exports WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Export{}, eris.Wrapf(ErrNotFound, "export for job %s", jobID)
	}
	if err != nil {
		return models.Export{}, eris.Wrap(err, "scan export")
	}
	return exp, nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgAudit(ctx context.Context, db pgExecer, jobID, actor, action string, before, after any) error {
	b, err := marshalSnapshot(before)
	if err != nil {
		return err
	}
	a, err := marshalSnapshot(after)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO audit_logs (job_id, actor, action, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, jobID, actor, action, b, a); err != nil {
		return eris.Wrapf(err, "insert audit %s", action)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return pgAudit(ctx, s.pool, e.JobID, actorOr(e.Actor, models.AuthorSystem), e.Action, e.Before, e.After)
}

func scanPgAudit(row pgx.Row) (models.AuditLog, error) {
	var (
		entry         models.AuditLog
		before, after []byte
	)
	if err := row.Scan(&entry.ID, &entry.JobID, &entry.Actor, &entry.Action, &before, &after, &entry.CreatedAt); err != nil {
		return models.AuditLog{}, err
	}
	entry.Before, entry.After = before, after
	return entry, nil
}

// ListAudit returns the job's audit trail oldest first.
func (s *PostgresStore) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, actor, action, before, after, created_at FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "query audit")
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		entry, err := scanPgAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan audit")
		}
		out = append(out, entry)
	}
	return out, eris.Wrap(rows.Err(), "iterate audit")
}

// LatestAudit returns the newest audit entry with the given action.
func (s *PostgresStore) LatestAudit(ctx context.Context, jobID, action string) (models.AuditLog, error) {
	entry, err := scanPgAudit(s.pool.QueryRow(ctx, `
		SELECT id, job_id, actor, action, before, after, created_at FROM audit_logs
		WHERE job_id = $1 AND action = $2 ORDER BY id DESC LIMIT 1
	`, jobID, action))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuditLog{}, eris.Wrapf(ErrNotFound, "%s audit for job %s", action, jobID)
	}
	if err != nil {
		return models.AuditLog{}, eris.Wrap(err, "scan audit")
	}
	return entry, nil
}

// SweepStale fails processing jobs not touched since cutoff. Each job is swept in its own transaction.
func (s *PostgresStore) SweepStale(ctx context.Context, cutoff time.Time, actor string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at
	`, models.StatusProcessing, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "query stale jobs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "collect stale jobs")
	}

	var swept []string
	for _, id := range ids {
		ok, err := s.sweepOne(ctx, id, cutoff, actorOr(actor, models.AuthorSystem))
		if err != nil {
			return swept, err
		}
		if ok {
			swept = append(swept, id)
		}
	}
	return swept, nil
}

func (s *PostgresStore) sweepOne(ctx context.Context, id string, cutoff time.Time, actor string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := lockPgJob(ctx, tx, id)
	if err != nil {
		return false, err
	}
	// Re-check under the row lock; a heartbeat may have landed since the scan.
	if job.Status != models.StatusProcessing || !job.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, failed_stage = $3, last_error = $4, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, staleStage, staleMessage); err != nil {
		return false, eris.Wrap(err, "fail stale job")
	}
	before := map[string]any{"status": job.Status, "updated_at": job.UpdatedAt}
	after := map[string]any{"status": models.StatusFailed, "failed_stage": staleStage, "error": staleMessage}
	if err := pgAudit(ctx, tx, id, actor, models.ActionTimeoutFail, before, after); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "commit")
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
