package stages

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

// MessageNoData is the issue raised when nothing was extracted.
const MessageNoData = "no data extracted"

var (
	requiredFields = []string{FieldNPI, FieldProviderName}
	emailPattern   = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Validate produces the issue set for the current rows. It replaces any issues
// carried in from a resumed version.
type Validate struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewValidate(logger *zap.Logger) *Validate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validate{logger: logger.Named("validate"), now: time.Now}
}

func (v *Validate) Run(_ context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	c.Issues = v.Check(c.Rows)
	errs := models.CountSeverity(c.Issues, models.SeverityError)
	warns := models.CountSeverity(c.Issues, models.SeverityWarning)
	c.Notef("validated %d rows: %d errors, %d warnings", len(c.Rows), errs, warns)
	logging.Job(v.logger, c.JobID).Debug("rows validated",
		zap.Int("rows", len(c.Rows)),
		zap.Int("errors", errs),
		zap.Int("warnings", warns),
	)
	return c, nil
}

// Check returns findings for rows. An empty row set is itself an error.
func (v *Validate) Check(rows []models.Row) []models.IssueInput {
	issues := []models.IssueInput{}
	if len(rows) == 0 {
		return append(issues, models.IssueInput{Severity: models.SeverityError, Message: MessageNoData})
	}
	today := v.now().UTC().Truncate(24 * time.Hour)
	seen := make(map[string]int, len(rows))
	for _, row := range rows {
		issues = append(issues, v.checkRow(row, seen, today)...)
	}
	return issues
}

func (v *Validate) checkRow(row models.Row, seen map[string]int, today time.Time) []models.IssueInput {
	var issues []models.IssueInput
	add := func(field string, sev models.Severity, format string, args ...any) {
		issues = append(issues, models.IssueInput{
			RowIdx:   models.IntPtr(row.Index),
			Field:    models.StringPtr(field),
			Severity: sev,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	for _, field := range requiredFields {
		if stringField(row.Fields, field) == "" {
			add(field, models.SeverityError, "required field %s is missing", field)
		}
	}

	if npi := stringField(row.Fields, FieldNPI); npi != "" {
		switch {
		case !isTenDigits(npi):
			add(FieldNPI, models.SeverityError, "NPI %s must be 10 digits", npi)
		case !ValidNPIChecksum(npi):
			add(FieldNPI, models.SeverityWarning, "NPI %s fails checksum", npi)
		}
		if first, dup := seen[npi]; dup {
			add(FieldNPI, models.SeverityWarning, "duplicate NPI %s (first seen on row %d)", npi, first)
		} else {
			seen[npi] = row.Index
		}
	}

	if email := stringField(row.Fields, FieldEmail); email != "" && !emailPattern.MatchString(email) {
		add(FieldEmail, models.SeverityWarning, "invalid email %s", email)
	}
	if phone := stringField(row.Fields, FieldPhone); phone != "" && len(digitsOnly(phone)) != 10 {
		add(FieldPhone, models.SeverityWarning, "invalid phone %s", phone)
	}

	if dob := stringField(row.Fields, FieldDOB); dob != "" {
		t, ok := parseDate(dob)
		switch {
		case !ok:
			add(FieldDOB, models.SeverityWarning, "unparseable date of birth %s", dob)
		case t.After(today):
			add(FieldDOB, models.SeverityError, "date of birth %s is in the future", dob)
		}
	}

	eff, term := stringField(row.Fields, FieldEffectiveDate), stringField(row.Fields, FieldTermDate)
	if eff != "" && term != "" {
		effT, ok1 := parseDate(eff)
		termT, ok2 := parseDate(term)
		if ok1 && ok2 && effT.After(termT) {
			add(FieldTermDate, models.SeverityError, "term date %s precedes effective date %s", term, eff)
		}
	}
	return issues
}

func isTenDigits(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidNPIChecksum applies the Luhn check with the 80840 health-industry prefix.
func ValidNPIChecksum(npi string) bool {
	if !isTenDigits(npi) {
		return false
	}
	digits := "80840" + npi
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
