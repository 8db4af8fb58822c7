package stages

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

// dateLayouts are tried in order; US month-first wins over day-first.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1/2/06",
	"01/02/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2006/01/02",
	"20060102",
}

var dateFields = map[string]bool{
	FieldEffectiveDate: true,
	FieldTermDate:      true,
	FieldDOB:           true,
}

var digitFields = map[string]bool{
	FieldNPI:      true,
	FieldGroupNPI: true,
	FieldTIN:      true,
}

// Normalize rewrites rows into canonical keys and value formats.
type Normalize struct {
	logger *zap.Logger
}

func NewNormalize(logger *zap.Logger) *Normalize {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalize{logger: logger.Named("normalize")}
}

func (n *Normalize) Run(_ context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	changed := 0
	rows := make([]models.Row, 0, len(c.Rows))
	for _, row := range c.Rows {
		fields, deltas := n.NormalizeFields(row.Fields)
		changed += deltas
		rows = append(rows, models.Row{Index: row.Index, Fields: fields})
	}
	c.Rows = rows
	c.Notef("normalized %d rows (%d values rewritten)", len(rows), changed)
	logging.Job(n.logger, c.JobID).Debug("rows normalized", zap.Int("rows", len(rows)), zap.Int("changed", changed))
	return c, nil
}

// NormalizeFields returns canonical fields and the number of values that changed.
func (n *Normalize) NormalizeFields(in map[string]any) (map[string]any, int) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(in))
	deltas := 0
	for _, rawKey := range keys {
		rawVal := in[rawKey]
		key := CanonicalField(rawKey)
		if key == "" {
			continue
		}
		val := normalizeValue(key, rawVal)
		if key != rawKey || val != toString(rawVal) {
			deltas++
		}
		// First non-empty value wins when two headers collapse onto one field.
		if existing, ok := out[key].(string); ok && existing != "" {
			continue
		}
		out[key] = val
	}
	return out, deltas
}

func normalizeValue(key string, raw any) string {
	s := collapseSpace(norm.NFKC.String(toString(raw)))
	if s == "" {
		return ""
	}
	switch {
	case digitFields[key]:
		return digitsOnly(s)
	case key == FieldPhone || key == FieldFax:
		return normalizePhone(s)
	case key == FieldEmail:
		return strings.ToLower(s)
	case dateFields[key]:
		if t, ok := parseDate(s); ok {
			return t.Format("2006-01-02")
		}
		return s
	case key == FieldProviderName || key == FieldOrganizationName || key == FieldSpecialty:
		if s == strings.ToUpper(s) || s == strings.ToLower(s) {
			// cases.Caser is stateful: build one per call.
			return cases.Title(language.English).String(strings.ToLower(s))
		}
		return s
	case key == FieldStateLicense || key == FieldTransactionType:
		return strings.ToUpper(s)
	}
	return s
}

// normalizePhone keeps ten national digits, dropping a leading US country code.
func normalizePhone(s string) string {
	d := digitsOnly(s)
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return s
	}
	return d
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	// Spreadsheet serial dates.
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 20000 && serial < 80000 {
		return time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(serial)), true
	}
	return time.Time{}, false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
