package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

const (
	rosterSheet     = "Roster"
	provenanceSheet = "_Provenance"
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Export renders the committed version as a workbook and uploads it.
type Export struct {
	blobs  blob.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewExport(blobs blob.Store, logger *zap.Logger) *Export {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Export{blobs: blobs, logger: logger.Named("export"), now: time.Now}
}

func (e *Export) Run(ctx context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	if c.VersionID == nil {
		return c, eris.New("export requires a committed version")
	}
	body, err := e.Render(c)
	if err != nil {
		return c, err
	}
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("exports/%s/%s.xlsx", c.JobID, *c.VersionID)
	uri, err := e.blobs.Upload(ctx, key, body, XLSXContentType)
	if err != nil {
		return c, eris.Wrap(err, "upload export")
	}
	c.Export = &orchestrator.ExportArtifact{
		Location:  uri,
		Checksum:  hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(body)),
	}
	c.Notef("exported %d rows to %s", len(c.Rows), uri)
	logging.Job(e.logger, c.JobID).Info("export uploaded", zap.String("uri", uri), zap.Int("bytes", len(body)))
	return c, nil
}

// Render builds the workbook bytes: a Roster sheet in canonical column order
// followed by any extra fields, and a _Provenance sheet.
func (e *Export) Render(c orchestrator.Context) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", rosterSheet); err != nil {
		return nil, eris.Wrap(err, "name roster sheet")
	}
	fields, labels := exportColumns(c.Rows)
	if err := setRow(f, rosterSheet, 1, toAny(labels)); err != nil {
		return nil, err
	}
	for i, row := range c.Rows {
		values := make([]any, len(fields))
		for j, field := range fields {
			values[j] = stringField(row.Fields, field)
		}
		if err := setRow(f, rosterSheet, i+2, values); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(provenanceSheet); err != nil {
		return nil, eris.Wrap(err, "add provenance sheet")
	}
	prov := [][]any{
		{"Field", "Value"},
		{"Job ID", c.JobID},
		{"Version ID", *c.VersionID},
		{"Parent Version ID", deref(c.ParentVersionID)},
		{"Message ID", c.Job.MessageID},
		{"Sender", c.Job.Sender},
		{"Subject", c.Job.Subject},
		{"Strategy", routeStrategy(c.Route)},
		{"Rows", len(c.Rows)},
		{"Errors", models.CountSeverity(c.Issues, models.SeverityError)},
		{"Warnings", models.CountSeverity(c.Issues, models.SeverityWarning)},
		{"Exported At", e.now().UTC().Format(time.RFC3339)},
	}
	for i, values := range prov {
		if err := setRow(f, provenanceSheet, i+1, values); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, eris.Wrap(err, "write workbook")
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return eris.Wrap(err, "cell name")
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return eris.Wrapf(err, "write %s row %d", sheet, row)
	}
	return nil
}

// exportColumns returns every canonical column plus extra fields seen in rows, sorted.
func exportColumns(rows []models.Row) ([]string, []string) {
	known := make(map[string]bool, len(Columns))
	fields := make([]string, 0, len(Columns))
	labels := make([]string, 0, len(Columns))
	for _, col := range Columns {
		known[col.Field] = true
		fields = append(fields, col.Field)
		labels = append(labels, col.Label)
	}
	var extra []string
	for _, row := range rows {
		for k := range row.Fields {
			if !known[k] {
				known[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(fields, extra...), append(labels, extra...)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func routeStrategy(r *orchestrator.Route) string {
	if r == nil {
		return ""
	}
	return r.Strategy
}
