package stages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/store"
)

func TestExportWritesWorkbook(t *testing.T) {
	blobs := blob.NewLocal(t.TempDir())
	version := "v-1"
	c := orchestrator.Context{
		JobID:     "job-1",
		Job:       models.Job{ID: "job-1", MessageID: "<m@x>", Sender: "ops@clinic.example"},
		VersionID: &version,
		Route:     &orchestrator.Route{Strategy: StrategySpreadsheet},
		Rows: []models.Row{
			{Index: 0, Fields: map[string]any{FieldNPI: "1234567893", FieldProviderName: "Jane Doe", "custom_note": "vip"}},
		},
	}
	out, err := NewExport(blobs, zaptest.NewLogger(t)).Run(context.Background(), c)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out.Export == nil || out.Export.SizeBytes == 0 {
		t.Fatalf("missing export artifact: %+v", out.Export)
	}
	data, err := blob.ReadAll(context.Background(), blobs, out.Export.Location)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != out.Export.Checksum || int64(len(data)) != out.Export.SizeBytes {
		t.Fatalf("checksum or size mismatch")
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	if sheets := f.GetSheetList(); len(sheets) != 2 || sheets[0] != rosterSheet || sheets[1] != provenanceSheet {
		t.Fatalf("unexpected sheets %v", sheets)
	}
	rows, err := f.GetRows(rosterSheet)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	header := rows[0]
	if header[len(header)-1] != "custom_note" {
		t.Fatalf("extra field not appended: %v", header)
	}
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	if rows[1][col["Provider NPI"]] != "1234567893" || rows[1][col["Provider Name"]] != "Jane Doe" {
		t.Fatalf("unexpected data row %v", rows[1])
	}
}

func TestIntakeLoadsRawFromBlob(t *testing.T) {
	blobs := blob.NewLocal(t.TempDir())
	raw := buildMessage("<intake@clinic.example>", textPart("Provider Name: Jane Doe\nNPI: 1234567893\n"))
	uri, err := blobs.Upload(context.Background(), "raw/intake.eml", raw, "message/rfc822")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	c := orchestrator.Context{JobID: "job-1", Job: models.Job{ID: "job-1", RawURI: uri}}
	out, err := NewIntake(blobs, nil).Run(context.Background(), c)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if out.Artifacts == nil || out.Artifacts.MessageID != "<intake@clinic.example>" {
		t.Fatalf("artifacts not populated: %+v", out.Artifacts)
	}
	if _, err := NewIntake(blobs, nil).Run(context.Background(), orchestrator.Context{}); err == nil {
		t.Fatalf("missing raw uri must fail")
	}
}

func TestDefaultStagesEndToEnd(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewLocal(t.TempDir())
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "roster.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	raw := buildMessage("<e2e@clinic.example>",
		textPart("Roster attached."),
		attachmentPart("roster.csv", "text/csv", []byte(rosterCSV)),
	)
	uri, err := blobs.Upload(ctx, "raw/e2e.eml", raw, "message/rfc822")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, _, err := st.CreateJob(ctx, store.CreateJobParams{MessageID: "<e2e@clinic.example>", Sender: "ops@clinic.example", RawURI: uri, ContentHash: "e2e"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	logger := zaptest.NewLogger(t)
	orch, err := orchestrator.New(st, Default(blobs, nil, logger), nil, orchestrator.Config{}, logger, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	res, err := orch.Run(ctx, job.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.StatusReady || res.RowsProcessed != 2 || res.IssuesFound != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	records, err := st.GetRecords(ctx, *res.VersionID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 || records[0].Fields[FieldProviderName] != "Jane Doe" || records[1].Fields[FieldPhone] != "5559876543" {
		t.Fatalf("records not normalized: %+v", records)
	}
	exp, err := st.LatestExport(ctx, job.ID)
	if err != nil || exp.VersionID != *res.VersionID {
		t.Fatalf("export missing: %+v %v", exp, err)
	}
}
