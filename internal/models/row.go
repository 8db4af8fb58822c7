package models

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Row is one in-flight extracted entity. Index becomes the record's row_idx on commit.
type Row struct {
	Index  int            `json:"row_idx"`
	Fields map[string]any `json:"data"`
}

// IssueInput is an in-flight validation finding, not yet attached to a version.
type IssueInput struct {
	RowIdx   *int     `json:"row_idx,omitempty"`
	Field    *string  `json:"field,omitempty"`
	Severity Severity `json:"level"`
	Message  string   `json:"message"`
}

// HasBlocking reports whether any finding is error-level.
func HasBlocking(issues []IssueInput) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CountSeverity counts findings at the given level.
func CountSeverity(issues []IssueInput, severity Severity) int {
	n := 0
	for _, issue := range issues {
		if issue.Severity == severity {
			n++
		}
	}
	return n
}

// RowsFromRecords rebuilds in-flight rows from persisted records, preserving row_idx.
func RowsFromRecords(records []Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		fields := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		rows = append(rows, Row{Index: rec.RowIdx, Fields: fields})
	}
	return rows
}

// IssuesToInputs detaches persisted issues from their version.
func IssuesToInputs(issues []Issue) []IssueInput {
	out := make([]IssueInput, 0, len(issues))
	for _, issue := range issues {
		out = append(out, IssueInput{
			RowIdx:   issue.RowIdx,
			Field:    issue.Field,
			Severity: issue.Severity,
			Message:  issue.Message,
		})
	}
	return out
}

// IntPtr and StringPtr help build optional issue scopes.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
