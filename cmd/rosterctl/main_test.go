package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
[store]
driver = "sqlite"
sqlite_path = %q

[blob]
driver = "local"
local_dir = %q

[lock]
driver = "file"
dir = %q

[log]
level = "error"
format = "console"
`, filepath.Join(dir, "roster.db"), filepath.Join(dir, "blobs"), filepath.Join(dir, "locks"))
	path := filepath.Join(dir, "rosterctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeMessage(t *testing.T, messageID string) string {
	t.Helper()
	csv := "Provider Name,NPI,Specialty\r\nJane Doe,1234567893,Cardiology\r\n"
	lines := []string{
		"From: ops@clinic.example",
		"Subject: Roster update",
		"Message-ID: " + messageID,
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="B"`,
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"Attached.",
		"--B",
		`Content-Type: text/csv; name="roster.csv"`,
		`Content-Disposition: attachment; filename="roster.csv"`,
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString([]byte(csv)),
		"--B--",
		"",
	}
	path := filepath.Join(t.TempDir(), "message.eml")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\r\n")), 0o644); err != nil {
		t.Fatalf("write message: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestRunAndInspect(t *testing.T) {
	cfg := writeConfig(t)
	msg := writeMessage(t, "<cli-1@clinic.example>")

	out, err := execute(t, "--config", cfg, "--json", "ingest", "--run", msg)
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	var ingested struct {
		Job       models.Job           `json:"job"`
		Duplicate bool                 `json:"duplicate"`
		Run       *orchestrator.Result `json:"run"`
	}
	if err := json.Unmarshal([]byte(out), &ingested); err != nil {
		t.Fatalf("decode ingest output: %v\n%s", err, out)
	}
	if ingested.Duplicate || ingested.Run == nil || ingested.Run.Status != models.StatusReady || ingested.Run.VersionID == nil {
		t.Fatalf("expected a ready run, got %+v", ingested)
	}
	jobID := ingested.Job.ID

	out, err = execute(t, "--config", cfg, "--json", "ingest", msg)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if !strings.Contains(out, `"duplicate": true`) || !strings.Contains(out, jobID) {
		t.Fatalf("expected duplicate of %s, got %s", jobID, out)
	}

	out, err = execute(t, "--config", cfg, "--json", "jobs", "--status", "ready")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	var jobs []models.Job
	if err := json.Unmarshal([]byte(out), &jobs); err != nil || len(jobs) != 1 || jobs[0].ID != jobID {
		t.Fatalf("unexpected jobs listing %s (err %v)", out, err)
	}

	out, err = execute(t, "--config", cfg, "records", *ingested.Run.VersionID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if !strings.Contains(out, "1234567893") {
		t.Fatalf("records table missing the NPI:\n%s", out)
	}

	out, err = execute(t, "--config", cfg, "versions", jobID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if !strings.Contains(out, *ingested.Run.VersionID) {
		t.Fatalf("versions table missing the committed version:\n%s", out)
	}
}

func TestResumeRollbackAndCancel(t *testing.T) {
	cfg := writeConfig(t)
	msg := writeMessage(t, "<cli-2@clinic.example>")

	out, err := execute(t, "--config", cfg, "--json", "ingest", "--run", msg)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var ingested struct {
		Job models.Job           `json:"job"`
		Run *orchestrator.Result `json:"run"`
	}
	if err := json.Unmarshal([]byte(out), &ingested); err != nil || ingested.Run == nil || ingested.Run.VersionID == nil {
		t.Fatalf("decode ingest output: %v\n%s", err, out)
	}
	jobID, first := ingested.Job.ID, *ingested.Run.VersionID

	out, err = execute(t, "--config", cfg, "--json", "resume", jobID, first, "--from", "validate")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var resumed orchestrator.Result
	if err := json.Unmarshal([]byte(out), &resumed); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if !resumed.Resumed || resumed.VersionID == nil || *resumed.VersionID == first {
		t.Fatalf("resume must commit a child version, got %+v", resumed)
	}

	if _, err := execute(t, "--config", cfg, "resume", jobID, first, "--from", "teleport"); err == nil {
		t.Fatalf("unknown stage must be rejected")
	}

	out, err = execute(t, "--config", cfg, "rollback", jobID, first)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(out, "-> "+first) {
		t.Fatalf("unexpected rollback output %q", out)
	}

	for i := 0; i < 2; i++ {
		out, err = execute(t, "--config", cfg, "cancel", jobID)
		if err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
		if !strings.Contains(out, "cancelled") {
			t.Fatalf("unexpected cancel output %q", out)
		}
	}

	out, err = execute(t, "--config", cfg, "--json", "audit", jobID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var entries []models.AuditLog
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	if actions[models.ActionRollback] != 1 || actions[models.ActionCancel] != 1 || actions[models.ActionCreate] != 1 {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestSweepWithNothingStale(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "--json", "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, `"failed_jobs": []`) {
		t.Fatalf("unexpected sweep output %q", out)
	}
}
