package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
)

func openTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "roster.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createProcessingJob(t *testing.T, st Store, messageID string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, dup, err := st.CreateJob(ctx, CreateJobParams{
		MessageID:   messageID,
		Sender:      "ops@clinic.example",
		RawURI:      "file:///raw/" + messageID + ".eml",
		ContentHash: "hash-" + messageID,
	})
	if err != nil || dup {
		t.Fatalf("create job: dup=%v err=%v", dup, err)
	}
	job, err = st.TransitionJob(ctx, TransitionParams{JobID: job.ID, To: models.StatusProcessing, Action: models.ActionRunStart})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	return job
}

func sampleRows() []models.Row {
	return []models.Row{
		{Index: 0, Fields: map[string]any{"npi": "1234567893", "provider_name": "Ada Lovelace"}},
		{Index: 1, Fields: map[string]any{"npi": "1245319599", "provider_name": "Grace Hopper"}},
		{Index: 2, Fields: map[string]any{"npi": "12", "provider_name": "Alan Turing"}},
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.db")
	for i := 0; i < 2; i++ {
		st, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = st.Close()
	}
}

func TestCreateJobDedupesByMessageAndHash(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, dup, err := st.CreateJob(ctx, CreateJobParams{MessageID: "<m1@x>", Sender: "a@x", RawURI: "raw/1", ContentHash: "h1"})
	if err != nil || dup {
		t.Fatalf("first create: dup=%v err=%v", dup, err)
	}
	if first.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	again, dup, err := st.CreateJob(ctx, CreateJobParams{MessageID: "<m1@x>", Sender: "a@x", RawURI: "raw/2", ContentHash: "h2"})
	if err != nil || !dup || again.ID != first.ID {
		t.Fatalf("message id dedupe failed: dup=%v id=%s err=%v", dup, again.ID, err)
	}
	again, dup, err = st.CreateJob(ctx, CreateJobParams{MessageID: "<m2@x>", Sender: "a@x", RawURI: "raw/3", ContentHash: "h1"})
	if err != nil || !dup || again.ID != first.ID {
		t.Fatalf("hash dedupe failed: dup=%v id=%s err=%v", dup, again.ID, err)
	}

	audit, err := st.ListAudit(ctx, first.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != models.ActionCreate {
		t.Fatalf("expected single create audit, got %+v", audit)
	}
}

func TestCommitVersionPersistsEverything(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "commit")

	issues := []models.IssueInput{
		{RowIdx: models.IntPtr(2), Field: models.StringPtr("npi"), Severity: models.SeverityWarning, Message: "short npi"},
		{Severity: models.SeverityInfo, Message: "3 rows extracted"},
	}
	v, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Reason: "automated", Rows: sampleRows(), Issues: issues})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.CurrentVersionID == nil || *got.CurrentVersionID != v.ID {
		t.Fatalf("job pointer not advanced: %v", got.CurrentVersionID)
	}
	if got.Status != models.StatusProcessing {
		t.Fatalf("non-blocking commit must leave status alone, got %s", got.Status)
	}

	records, err := st.GetRecords(ctx, v.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 3 || records[2].RowIdx != 2 || records[2].Fields["provider_name"] != "Alan Turing" {
		t.Fatalf("unexpected records: %+v", records)
	}
	stored, err := st.GetIssues(ctx, v.ID)
	if err != nil {
		t.Fatalf("issues: %v", err)
	}
	if len(stored) != 2 || stored[0].Message != "short npi" || *stored[0].RowIdx != 2 || stored[1].RowIdx != nil {
		t.Fatalf("unexpected issues: %+v", stored)
	}

	entry, err := st.LatestAudit(ctx, job.ID, models.ActionCommit)
	if err != nil {
		t.Fatalf("latest audit: %v", err)
	}
	var after map[string]any
	if err := json.Unmarshal(entry.After, &after); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if after["records"] != float64(3) || after["issues"] != float64(2) {
		t.Fatalf("audit counts wrong: %v", after)
	}
}

func TestCommitWithErrorIssueMovesToNeedsReview(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "review")

	_, err := st.CommitVersion(ctx, CommitParams{
		JobID:  job.ID,
		Author: models.AuthorSystem,
		Rows:   sampleRows(),
		Issues: []models.IssueInput{{RowIdx: models.IntPtr(2), Field: models.StringPtr("npi"), Severity: models.SeverityError, Message: "NPI must be 10 digits"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", got.Status)
	}
}

func TestCommitIsAtomicWhenInterrupted(t *testing.T) {
	failing := true
	st := openTestStore(t, WithCommitHook(func(_ context.Context, step CommitStep) error {
		if failing && step == StepRecordsInserted {
			return eris.New("simulated crash")
		}
		return nil
	}))
	ctx := context.Background()
	job := createProcessingJob(t, st, "atomic")

	failing = false
	base, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()})
	if err != nil {
		t.Fatalf("base commit: %v", err)
	}
	beforeJob, _ := st.GetJob(ctx, job.ID)
	beforeVersions, _ := st.ListVersions(ctx, job.ID)
	beforeAudit, _ := st.ListAudit(ctx, job.ID)

	failing = true
	_, err = st.CommitVersion(ctx, CommitParams{
		JobID:           job.ID,
		ParentVersionID: &base.ID,
		Author:          models.AuthorSystem,
		Rows:            sampleRows(),
		Issues:          []models.IssueInput{{Severity: models.SeverityError, Message: "boom"}},
	})
	if err == nil {
		t.Fatalf("expected interrupted commit to fail")
	}

	afterJob, _ := st.GetJob(ctx, job.ID)
	afterVersions, _ := st.ListVersions(ctx, job.ID)
	afterAudit, _ := st.ListAudit(ctx, job.ID)
	if *afterJob.CurrentVersionID != *beforeJob.CurrentVersionID || afterJob.Status != beforeJob.Status {
		t.Fatalf("job changed by failed commit: before=%+v after=%+v", beforeJob, afterJob)
	}
	if !reflect.DeepEqual(beforeVersions, afterVersions) {
		t.Fatalf("visible versions changed: before=%d after=%d", len(beforeVersions), len(afterVersions))
	}
	if len(afterAudit) != len(beforeAudit) {
		t.Fatalf("audit entry leaked from failed commit")
	}
}

func TestCommitRejectsDuplicateRowIndex(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "dupe")

	rows := []models.Row{
		{Index: 0, Fields: map[string]any{"npi": "1"}},
		{Index: 0, Fields: map[string]any{"npi": "2"}},
	}
	_, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: rows})
	if !eris.Is(err, ErrDuplicateRow) {
		t.Fatalf("expected ErrDuplicateRow, got %v", err)
	}
	versions, _ := st.ListVersions(ctx, job.ID)
	if len(versions) != 0 {
		t.Fatalf("duplicate commit left %d versions", len(versions))
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.CurrentVersionID != nil {
		t.Fatalf("job pointer moved on failed commit")
	}
}

func TestCommitRejectsBadInput(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "bad")

	_, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: []models.Row{{Index: -1}}})
	if !eris.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative index, got %v", err)
	}
	_, err = st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: "robot"})
	if !eris.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for author, got %v", err)
	}
	_, err = st.CommitVersion(ctx, CommitParams{JobID: "missing", Author: models.AuthorSystem})
	if !eris.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommittedDataIsImmutable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "immutable")

	v1, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows(),
		Issues: []models.IssueInput{{Severity: models.SeverityWarning, Message: "w"}}})
	if err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	firstRecords, _ := st.GetRecords(ctx, v1.ID)
	firstIssues, _ := st.GetIssues(ctx, v1.ID)

	edited := sampleRows()
	edited[2].Fields["npi"] = "1234567893"
	if _, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, ParentVersionID: &v1.ID, Author: models.AuthorUser, Rows: edited}); err != nil {
		t.Fatalf("commit v2: %v", err)
	}

	againRecords, _ := st.GetRecords(ctx, v1.ID)
	againIssues, _ := st.GetIssues(ctx, v1.ID)
	if !reflect.DeepEqual(firstRecords, againRecords) || !reflect.DeepEqual(firstIssues, againIssues) {
		t.Fatalf("v1 data changed after later commit")
	}
}

func TestVersionTreeTerminatesAtRoot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "tree")
	other := createProcessingJob(t, st, "other")

	root, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	left, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, ParentVersionID: &root.ID, Author: models.AuthorUser})
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	if _, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, ParentVersionID: &root.ID, Author: models.AuthorUser}); err != nil {
		t.Fatalf("branch: %v", err)
	}
	leaf, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, ParentVersionID: &left.ID, Author: models.AuthorSystem})
	if err != nil {
		t.Fatalf("leaf: %v", err)
	}

	seen := map[string]bool{}
	cur := leaf.ID
	for {
		if seen[cur] {
			t.Fatalf("cycle at %s", cur)
		}
		seen[cur] = true
		v, err := st.GetVersion(ctx, cur)
		if err != nil {
			t.Fatalf("get version: %v", err)
		}
		if v.ParentVersionID == nil {
			if v.ID != root.ID {
				t.Fatalf("chain ended at %s, expected root %s", v.ID, root.ID)
			}
			break
		}
		cur = *v.ParentVersionID
	}

	_, err = st.CommitVersion(ctx, CommitParams{JobID: other.ID, ParentVersionID: &root.ID, Author: models.AuthorUser})
	if !eris.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected cross-job parent to be rejected, got %v", err)
	}
}

func TestRollbackIsNonDestructive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "rollback")

	v1, _ := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()})
	v2, _ := st.CommitVersion(ctx, CommitParams{JobID: job.ID, ParentVersionID: &v1.ID, Author: models.AuthorUser, Rows: sampleRows()[:1]})
	beforeVersions, _ := st.ListVersions(ctx, job.ID)
	v2Records, _ := st.GetRecords(ctx, v2.ID)

	res, err := st.Rollback(ctx, RollbackParams{JobID: job.ID, TargetVersionID: v1.ID, Actor: "reviewer"})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.From == nil || *res.From != v2.ID || res.To != v1.ID {
		t.Fatalf("unexpected rollback result: %+v", res)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if *got.CurrentVersionID != v1.ID {
		t.Fatalf("pointer not moved to v1")
	}
	afterVersions, _ := st.ListVersions(ctx, job.ID)
	if !reflect.DeepEqual(beforeVersions, afterVersions) {
		t.Fatalf("rollback changed version history")
	}
	again, _ := st.GetRecords(ctx, v2.ID)
	if !reflect.DeepEqual(v2Records, again) {
		t.Fatalf("rollback changed v2 records")
	}

	entry, err := st.LatestAudit(ctx, job.ID, models.ActionRollback)
	if err != nil {
		t.Fatalf("rollback audit: %v", err)
	}
	var before, after map[string]string
	_ = json.Unmarshal(entry.Before, &before)
	_ = json.Unmarshal(entry.After, &after)
	if before["current_version_id"] != v2.ID || after["current_version_id"] != v1.ID || entry.Actor != "reviewer" {
		t.Fatalf("rollback audit wrong: %s %s", entry.Before, entry.After)
	}

	other := createProcessingJob(t, st, "other")
	if _, err := st.Rollback(ctx, RollbackParams{JobID: other.ID, TargetVersionID: v1.ID}); !eris.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := st.Rollback(ctx, RollbackParams{JobID: job.ID, TargetVersionID: "nope"}); !eris.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelledJobRejectsCommitAndTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "cancel")

	if _, err := st.TransitionJob(ctx, TransitionParams{JobID: job.ID, To: models.StatusCancelled, Action: models.ActionCancel, Actor: "ops"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()}); !eris.Is(err, ErrJobCancelled) {
		t.Fatalf("expected ErrJobCancelled on commit, got %v", err)
	}
	if _, err := st.TransitionJob(ctx, TransitionParams{JobID: job.ID, To: models.StatusProcessing}); !eris.Is(err, ErrJobCancelled) {
		t.Fatalf("expected ErrJobCancelled on restart, got %v", err)
	}
	status, err := st.Heartbeat(ctx, job.ID)
	if err != nil || status != models.StatusCancelled {
		t.Fatalf("heartbeat: %s %v", status, err)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, _, err := st.CreateJob(ctx, CreateJobParams{MessageID: "m", ContentHash: "h", RawURI: "r"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.TransitionJob(ctx, TransitionParams{JobID: job.ID, To: models.StatusReady}); !eris.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRecordExportMarksReady(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "export")
	v, _ := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()})

	exp, err := st.RecordExport(ctx, RecordExportParams{JobID: job.ID, VersionID: v.ID, Location: "file:///exports/a.xlsx", Checksum: "abc", SizeBytes: 42})
	if err != nil {
		t.Fatalf("record export: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	latest, err := st.LatestExport(ctx, job.ID)
	if err != nil || latest.ID != exp.ID || latest.SizeBytes != 42 {
		t.Fatalf("latest export: %+v %v", latest, err)
	}
	if _, err := st.GetExport(ctx, "missing"); !eris.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordExportRefusesBlockingVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "export-blocked")
	v, err := st.CommitVersion(ctx, CommitParams{
		JobID:  job.ID,
		Author: models.AuthorSystem,
		Rows:   sampleRows(),
		Issues: []models.IssueInput{{RowIdx: models.IntPtr(2), Severity: models.SeverityError, Message: "NPI must be 10 digits"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := st.TransitionJob(ctx, TransitionParams{JobID: job.ID, To: models.StatusProcessing, Action: models.ActionRunStart}); err != nil {
		t.Fatalf("restart: %v", err)
	}

	_, err = st.RecordExport(ctx, RecordExportParams{JobID: job.ID, VersionID: v.ID, Location: "file:///exports/b.xlsx"})
	if !eris.Is(err, ErrBlockingIssues) {
		t.Fatalf("expected ErrBlockingIssues, got %v", err)
	}
	if _, err := st.LatestExport(ctx, job.ID); !eris.Is(err, ErrNotFound) {
		t.Fatalf("no export may be recorded, got %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing {
		t.Fatalf("job status must be untouched, got %s", got.Status)
	}
}

func TestCommitAuditRecordsActor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st, "actor")

	if _, err := st.CommitVersion(ctx, CommitParams{JobID: job.ID, Author: models.AuthorSystem, Rows: sampleRows()}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := st.CommitVersion(ctx, CommitParams{
		JobID:  job.ID,
		Author: models.AuthorUser,
		Actor:  "alice@ops",
		Rows:   sampleRows(),
		Action: models.ActionManualEdit,
	}); err != nil {
		t.Fatalf("edit commit: %v", err)
	}

	commit, err := st.LatestAudit(ctx, job.ID, models.ActionCommit)
	if err != nil || commit.Actor != models.AuthorSystem {
		t.Fatalf("commit audit should default to the author, got %+v %v", commit, err)
	}
	edit, err := st.LatestAudit(ctx, job.ID, models.ActionManualEdit)
	if err != nil || edit.Actor != "alice@ops" {
		t.Fatalf("edit audit should name the actor, got %+v %v", edit, err)
	}
}

func TestSweepStaleFailsOnlyStaleProcessingJobs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	stale := createProcessingJob(t, st, "stale")
	if _, _, err := st.CreateJob(ctx, CreateJobParams{MessageID: "pending", ContentHash: "p", RawURI: "r"}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	swept, err := st.SweepStale(ctx, time.Now().Add(-time.Hour), "")
	if err != nil || len(swept) != 0 {
		t.Fatalf("fresh job swept: %v %v", swept, err)
	}

	swept, err = st.SweepStale(ctx, time.Now().Add(time.Second), "sweeper")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0] != stale.ID {
		t.Fatalf("expected only %s swept, got %v", stale.ID, swept)
	}
	got, _ := st.GetJob(ctx, stale.ID)
	if got.Status != models.StatusFailed || got.FailedStage == nil || *got.FailedStage != "timeout" {
		t.Fatalf("stale job not failed: %+v", got)
	}
	if _, err := st.LatestAudit(ctx, stale.ID, models.ActionTimeoutFail); err != nil {
		t.Fatalf("timeout audit missing: %v", err)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	createProcessingJob(t, st, "a")
	if _, _, err := st.CreateJob(ctx, CreateJobParams{MessageID: "b", ContentHash: "hb", RawURI: "r"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err := st.ListJobs(ctx, ListJobsParams{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	processing := models.StatusProcessing
	only, err := st.ListJobs(ctx, ListJobsParams{Status: &processing})
	if err != nil || len(only) != 1 || only[0].MessageID != "a" {
		t.Fatalf("filtered list: %+v %v", only, err)
	}
}
