package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"roster-pipeline/internal/models"
)

// SQLiteStore is the embedded engine used by the CLI, single-host deployments and tests.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts options
}

var _ Store = (*SQLiteStore)(nil)

// sqliteTimeLayout is fixed-width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens (or creates) the database file and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "open sqlite db")
	}
	// One connection serializes writers; transactional code must only use its tx.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, eris.Wrapf(execErr, "apply pragma %q", pragma)
		}
	}

	s := &SQLiteStore{db: db, path: path, opts: buildOptions(opts)}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin migration tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return eris.Wrap(err, "ensure schema_migrations")
	}
	for _, m := range migrations {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return eris.Wrap(err, "scan migration version")
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "apply migration %s", m.version)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return eris.Wrapf(err, "record migration %s", m.version)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "commit migrations")
	}
	return nil
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse timestamp %q", raw)
	}
	return t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const sqliteJobColumns = `id, status, current_version_id, message_id, sender, subject, raw_uri, content_hash, failed_stage, last_error, created_at, updated_at`

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                        models.Job
		status, created, updated   string
		current, failedStage, last sql.NullString
	)
	if err := row.Scan(&job.ID, &status, &current, &job.MessageID, &job.Sender, &job.Subject, &job.RawURI, &job.ContentHash, &failedStage, &last, &created, &updated); err != nil {
		return models.Job{}, err
	}
	var err error
	if job.CreatedAt, err = parseTime(created); err != nil {
		return models.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.CurrentVersionID = nullStringPtr(current)
	job.FailedStage = nullStringPtr(failedStage)
	job.LastError = nullStringPtr(last)
	return job, nil
}

func sqliteGetJob(ctx context.Context, q sqlQueryer, id string) (models.Job, error) {
	job, err := scanSQLiteJob(q.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return models.Job{}, eris.Wrap(err, "scan job")
	}
	return job, nil
}

// FindJobByMessage returns the job already ingested for the message id or content hash.
func (s *SQLiteStore) FindJobByMessage(ctx context.Context, messageID, contentHash string) (models.Job, bool, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs WHERE message_id = ? OR content_hash = ?
		ORDER BY created_at LIMIT 1
	`, messageID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, eris.Wrap(err, "query job by message")
	}
	return job, true, nil
}

// CreateJob inserts a pending job and its create audit entry.
func (s *SQLiteStore) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MessageID == "" || p.ContentHash == "" {
		return models.Job{}, false, eris.Wrap(ErrInvalidInput, "message id and content hash are required")
	}
	if existing, found, err := s.FindJobByMessage(ctx, p.MessageID, p.ContentHash); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, message_id, sender, subject, raw_uri, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Status), job.MessageID, job.Sender, job.Subject, job.RawURI, job.ContentHash, formatTime(now), formatTime(now)); err != nil {
		if isSQLiteUnique(err) {
			_ = tx.Rollback()
			existing, found, findErr := s.FindJobByMessage(ctx, p.MessageID, p.ContentHash)
			if findErr != nil {
				return models.Job{}, false, findErr
			}
			if found {
				return existing, true, nil
			}
		}
		return models.Job{}, false, eris.Wrap(err, "insert job")
	}
	after := map[string]any{"status": job.Status, "message_id": job.MessageID, "sender": job.Sender, "raw_uri": job.RawURI}
	if err := sqliteAudit(ctx, tx, job.ID, actorOr(p.Actor, models.AuthorAPI), models.ActionCreate, nil, after); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, eris.Wrap(err, "commit")
	}
	return job, false, nil
}

// GetJob fetches a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	return sqliteGetJob(ctx, s.db, id)
}

// ListJobs returns jobs newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error) {
	var status any
	if p.Status != nil {
		status = string(*p.Status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, status, status, clampLimit(p.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "iterate jobs")
}

// TransitionJob changes the job status, validated against the transition table.
func (s *SQLiteStore) TransitionJob(ctx context.Context, p TransitionParams) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := sqliteGetJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := checkTransition(job.Status, p.To); err != nil {
		return job, err
	}
	before := map[string]any{"status": job.Status}

	now := time.Now().UTC()
	failedStage, lastErr := emptyToNil(p.FailedStage), emptyToNil(p.LastError)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failed_stage = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(p.To), failedStage, lastErr, formatTime(now), p.JobID); err != nil {
		return models.Job{}, eris.Wrap(err, "update job status")
	}
	if p.Action != "" {
		if err := sqliteAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorSystem), p.Action, before, transitionAfter(p)); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, eris.Wrap(err, "commit")
	}
	job.Status, job.FailedStage, job.LastError, job.UpdatedAt = p.To, failedStage, lastErr, now
	return job, nil
}

// Heartbeat refreshes updated_at for a processing job and returns the current status.
func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET updated_at = CASE WHEN status = ? THEN ? ELSE updated_at END
		WHERE id = ? RETURNING status
	`, string(models.StatusProcessing), formatTime(time.Now()), jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return "", eris.Wrap(err, "heartbeat job")
	}
	return models.JobStatus(status), nil
}

func sqliteVersionOwned(ctx context.Context, q sqlQueryer, jobID, versionID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT job_id FROM versions WHERE id = ?`, versionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
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

// CommitVersion writes a version, its records and issues, advances the job pointer
// and appends the audit entry in one transaction.
func (s *SQLiteStore) CommitVersion(ctx context.Context, p CommitParams) (models.Version, error) {
	if err := validateCommit(p); err != nil {
		return models.Version{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Version{}, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := sqliteGetJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Version{}, err
	}
	nextStatus, err := commitStatus(job.Status, p.Issues)
	if err != nil {
		return models.Version{}, err
	}
	if p.ParentVersionID != nil {
		if err := sqliteVersionOwned(ctx, tx, p.JobID, *p.ParentVersionID); err != nil {
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, job_id, parent_version_id, author, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.JobID, v.ParentVersionID, v.Author, v.Reason, formatTime(now)); err != nil {
		return models.Version{}, eris.Wrap(err, "insert version")
	}
	if err := s.opts.hook(ctx, StepVersionInserted); err != nil {
		return models.Version{}, err
	}

	recStmt, err := tx.PrepareContext(ctx, `INSERT INTO records (job_id, version_id, row_idx, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return models.Version{}, eris.Wrap(err, "prepare records insert")
	}
	defer recStmt.Close()
	for _, row := range p.Rows {
		data, err := json.Marshal(row.Fields)
		if err != nil {
			return models.Version{}, eris.Wrapf(err, "marshal row %d", row.Index)
		}
		if _, err := recStmt.ExecContext(ctx, p.JobID, v.ID, row.Index, string(data)); err != nil {
			if isSQLiteUnique(err) {
				return models.Version{}, eris.Wrapf(ErrDuplicateRow, "version %s row %d", v.ID, row.Index)
			}
			return models.Version{}, eris.Wrapf(err, "insert record %d", row.Index)
		}
	}
	if err := s.opts.hook(ctx, StepRecordsInserted); err != nil {
		return models.Version{}, err
	}

	issueStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO issues (id, version_id, row_idx, field, level, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return models.Version{}, eris.Wrap(err, "prepare issues insert")
	}
	defer issueStmt.Close()
	for i, issue := range p.Issues {
		// Offset by position so insertion order survives the created_at sort.
		created := formatTime(now.Add(time.Duration(i)))
		if _, err := issueStmt.ExecContext(ctx, uuid.New().String(), v.ID, issue.RowIdx, issue.Field, string(issue.Severity), issue.Message, created); err != nil {
			return models.Version{}, eris.Wrap(err, "insert issue")
		}
	}
	if err := s.opts.hook(ctx, StepIssuesInserted); err != nil {
		return models.Version{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET current_version_id = ?, status = ?, updated_at = ? WHERE id = ?
	`, v.ID, string(nextStatus), formatTime(now), p.JobID); err != nil {
		return models.Version{}, eris.Wrap(err, "advance job pointer")
	}
	before := map[string]any{"current_version_id": job.CurrentVersionID, "status": job.Status}
	action := p.Action
	if action == "" {
		action = models.ActionCommit
	}
	if err := sqliteAudit(ctx, tx, p.JobID, actorOr(p.Actor, p.Author), action, before, commitAuditAfter(v.ID, p, nextStatus)); err != nil {
		return models.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Version{}, eris.Wrap(err, "commit")
	}
	return v, nil
}

// Rollback repoints the job at an existing version. History is untouched.
func (s *SQLiteStore) Rollback(ctx context.Context, p RollbackParams) (RollbackResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RollbackResult{}, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := sqliteGetJob(ctx, tx, p.JobID)
	if err != nil {
		return RollbackResult{}, err
	}
	if err := sqliteVersionOwned(ctx, tx, p.JobID, p.TargetVersionID); err != nil {
		return RollbackResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET current_version_id = ?, updated_at = ? WHERE id = ?
	`, p.TargetVersionID, formatTime(time.Now()), p.JobID); err != nil {
		return RollbackResult{}, eris.Wrap(err, "update job pointer")
	}
	before := map[string]any{"current_version_id": job.CurrentVersionID}
	after := map[string]any{"current_version_id": p.TargetVersionID}
	if err := sqliteAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorUser), models.ActionRollback, before, after); err != nil {
		return RollbackResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RollbackResult{}, eris.Wrap(err, "commit")
	}
	return RollbackResult{JobID: p.JobID, From: job.CurrentVersionID, To: p.TargetVersionID}, nil
}

// GetVersion fetches one version.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (models.Version, error) {
	var (
		v       models.Version
		parent  sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, parent_version_id, author, reason, created_at FROM versions WHERE id = ?
	`, id).Scan(&v.ID, &v.JobID, &parent, &v.Author, &v.Reason, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Version{}, eris.Wrapf(ErrNotFound, "version %s", id)
	}
	if err != nil {
		return models.Version{}, eris.Wrap(err, "scan version")
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return models.Version{}, err
	}
	v.ParentVersionID = nullStringPtr(parent)
	return v, nil
}

// ListVersions returns the job's versions newest first with record and issue counts.
func (s *SQLiteStore) ListVersions(ctx context.Context, jobID string) ([]models.VersionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.job_id, v.parent_version_id, v.author, v.reason, v.created_at,
		       (SELECT COUNT(*) FROM records r WHERE r.version_id = v.id),
		       (SELECT COUNT(*) FROM issues i WHERE i.version_id = v.id)
		FROM versions v WHERE v.job_id = ?
		ORDER BY v.created_at DESC, v.rowid DESC
	`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "list versions")
	}
	defer rows.Close()
	var out []models.VersionSummary
	for rows.Next() {
		var (
			vs      models.VersionSummary
			parent  sql.NullString
			created string
		)
		if err := rows.Scan(&vs.ID, &vs.JobID, &parent, &vs.Author, &vs.Reason, &created, &vs.RecordCount, &vs.IssueCount); err != nil {
			return nil, eris.Wrap(err, "scan version")
		}
		if vs.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		vs.ParentVersionID = nullStringPtr(parent)
		out = append(out, vs)
	}
	return out, eris.Wrap(rows.Err(), "iterate versions")
}

// GetRecords returns a version's records ordered by row_idx.
func (s *SQLiteStore) GetRecords(ctx context.Context, versionID string) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, version_id, row_idx, data FROM records WHERE version_id = ? ORDER BY row_idx
	`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "query records")
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		var (
			rec  models.Record
			data string
		)
		if err := rows.Scan(&rec.JobID, &rec.VersionID, &rec.RowIdx, &data); err != nil {
			return nil, eris.Wrap(err, "scan record")
		}
		if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
			return nil, eris.Wrapf(err, "unmarshal record %d", rec.RowIdx)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "iterate records")
}

// GetIssues returns a version's issues in insertion order.
func (s *SQLiteStore) GetIssues(ctx context.Context, versionID string) ([]models.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_id, row_idx, field, level, message, created_at
		FROM issues WHERE version_id = ? ORDER BY created_at, rowid
	`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "query issues")
	}
	defer rows.Close()
	var out []models.Issue
	for rows.Next() {
		var (
			issue          models.Issue
			rowIdx         sql.NullInt64
			field          sql.NullString
			level, created string
		)
		if err := rows.Scan(&issue.ID, &issue.VersionID, &rowIdx, &field, &level, &issue.Message, &created); err != nil {
			return nil, eris.Wrap(err, "scan issue")
		}
		if issue.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if rowIdx.Valid {
			issue.RowIdx = models.IntPtr(int(rowIdx.Int64))
		}
		issue.Field = nullStringPtr(field)
		issue.Severity = models.Severity(level)
		out = append(out, issue)
	}
	return out, eris.Wrap(rows.Err(), "iterate issues")
}

// RecordExport persists the export row, marks the job ready and audits both.
func (s *SQLiteStore) RecordExport(ctx context.Context, p RecordExportParams) (models.Export, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Export{}, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := sqliteGetJob(ctx, tx, p.JobID)
	if err != nil {
		return models.Export{}, err
	}
	if err := checkTransition(job.Status, models.StatusReady); err != nil {
		return models.Export{}, err
	}
	if err := sqliteVersionOwned(ctx, tx, p.JobID, p.VersionID); err != nil {
		return models.Export{}, err
	}
	var blocking int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issues WHERE version_id = ? AND level = ?
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exports (id, job_id, version_id, file_uri, checksum, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, exp.ID, exp.JobID, exp.VersionID, exp.Location, exp.Checksum, exp.SizeBytes, formatTime(now)); err != nil {
		return models.Export{}, eris.Wrap(err, "insert export")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failed_stage = NULL, last_error = NULL, updated_at = ? WHERE id = ?
	`, string(models.StatusReady), formatTime(now), p.JobID); err != nil {
		return models.Export{}, eris.Wrap(err, "mark job ready")
	}
	before := map[string]any{"status": job.Status}
	after := map[string]any{"status": models.StatusReady, "export_id": exp.ID, "version_id": exp.VersionID, "file_uri": exp.Location, "checksum": exp.Checksum}
	if err := sqliteAudit(ctx, tx, p.JobID, actorOr(p.Actor, models.AuthorSystem), models.ActionExport, before, after); err != nil {
		return models.Export{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Export{}, eris.Wrap(err, "commit")
	}
	return exp, nil
}

const sqliteExportColumns = `id, job_id, version_id, file_uri, checksum, file_size, created_at`

func scanSQLiteExport(row rowScanner) (models.Export, error) {
	var (
		exp     models.Export
		created string
	)
	if err := row.Scan(&exp.ID, &exp.JobID, &exp.VersionID, &exp.Location, &exp.Checksum, &exp.SizeBytes, &created); err != nil {
		return models.Export{}, err
	}
	var err error
	exp.CreatedAt, err = parseTime(created)
	return exp, err
}

// GetExport fetches one export by id.
func (s *SQLiteStore) GetExport(ctx context.Context, id string) (models.Export, error) {
	exp, err := scanSQLiteExport(s.db.QueryRowContext(ctx, `SELECT `+sqliteExportColumns+` FROM exports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Export{}, eris.Wrapf(ErrNotFound, "export %s", id)
	}
	if err != nil {
		return models.Export{}, eris.Wrap(err, "scan export")
	}
	return exp, nil
}

// LatestExport returns the newest export for the job.
func (s *SQLiteStore) LatestExport(ctx context.Context, jobID string) (models.Export, error) {
	exp, err := scanSQLiteExport(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteExportColumns+` FROM exports WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Export{}, eris.Wrapf(ErrNotFound, "export for job %s", jobID)
	}
	if err != nil {
		return models.Export{}, eris.Wrap(err, "scan export")
	}
	return exp, nil
}

func sqliteAudit(ctx context.Context, q sqlQueryer, jobID, actor, action string, before, after any) error {
	b, err := marshalSnapshot(before)
	if err != nil {
		return err
	}
	a, err := marshalSnapshot(after)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, actor, action, before, after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, actor, action, nullableJSON(b), nullableJSON(a), formatTime(time.Now())); err != nil {
		return eris.Wrapf(err, "insert audit %s", action)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// AppendAudit adds an audit row.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return sqliteAudit(ctx, s.db, e.JobID, actorOr(e.Actor, models.AuthorSystem), e.Action, e.Before, e.After)
}

func scanSQLiteAudit(row rowScanner) (models.AuditLog, error) {
	var (
		entry         models.AuditLog
		before, after sql.NullString
		created       string
	)
	if err := row.Scan(&entry.ID, &entry.JobID, &entry.Actor, &entry.Action, &before, &after, &created); err != nil {
		return models.AuditLog{}, err
	}
	var err error
	if entry.CreatedAt, err = parseTime(created); err != nil {
		return models.AuditLog{}, err
	}
	if before.Valid {
		entry.Before = json.RawMessage(before.String)
	}
	if after.Valid {
		entry.After = json.RawMessage(after.String)
	}
	return entry, nil
}

// ListAudit returns the job's audit trail oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, actor, action, before, after, created_at FROM audit_logs WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "query audit")
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		entry, err := scanSQLiteAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan audit")
		}
		out = append(out, entry)
	}
	return out, eris.Wrap(rows.Err(), "iterate audit")
}

// LatestAudit returns the newest audit entry with the given action.
func (s *SQLiteStore) LatestAudit(ctx context.Context, jobID, action string) (models.AuditLog, error) {
	entry, err := scanSQLiteAudit(s.db.QueryRowContext(ctx, `
		SELECT id, job_id, actor, action, before, after, created_at FROM audit_logs
		WHERE job_id = ? AND action = ? ORDER BY id DESC LIMIT 1
	`, jobID, action))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuditLog{}, eris.Wrapf(ErrNotFound, "%s audit for job %s", action, jobID)
	}
	if err != nil {
		return models.AuditLog{}, eris.Wrap(err, "scan audit")
	}
	return entry, nil
}

// SweepStale fails processing jobs not touched since cutoff.
func (s *SQLiteStore) SweepStale(ctx context.Context, cutoff time.Time, actor string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at
	`, string(models.StatusProcessing), formatTime(cutoff))
	if err != nil {
		return nil, eris.Wrap(err, "query stale jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "scan stale job")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate stale jobs")
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

func (s *SQLiteStore) sweepOne(ctx context.Context, id string, cutoff time.Time, actor string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := sqliteGetJob(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusProcessing || !job.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failed_stage = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(models.StatusFailed), staleStage, staleMessage, formatTime(time.Now()), id); err != nil {
		return false, eris.Wrap(err, "fail stale job")
	}
	before := map[string]any{"status": job.Status, "updated_at": job.UpdatedAt}
	after := map[string]any{"status": models.StatusFailed, "failed_stage": staleStage, "error": staleMessage}
	if err := sqliteAudit(ctx, tx, id, actor, models.ActionTimeoutFail, before, after); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "commit")
	}
	return true, nil
}
