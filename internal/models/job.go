package models

import (
	"encoding/json"
	"time"
)

// Job is one roster-processing unit tied to one inbound message.
type Job struct {
	ID               string    `json:"id"`
	Status           JobStatus `json:"status"`
	CurrentVersionID *string   `json:"current_version_id,omitempty"`
	MessageID        string    `json:"message_id"`
	Sender           string    `json:"sender"`
	Subject          string    `json:"subject,omitempty"`
	RawURI           string    `json:"raw_uri"`
	ContentHash      string    `json:"content_hash"`
	FailedStage      *string   `json:"failed_stage,omitempty"`
	LastError        *string   `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Version is an immutable snapshot of processed data for a job.
type Version struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	ParentVersionID *string   `json:"parent_version_id,omitempty"`
	Author          string    `json:"author"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// VersionSummary decorates a version with the sizes of its record and issue sets.
type VersionSummary struct {
	Version
	RecordCount int `json:"record_count"`
	IssueCount  int `json:"issue_count"`
}

// Record is one extracted entity within a version.
type Record struct {
	JobID     string         `json:"job_id"`
	VersionID string         `json:"version_id"`
	RowIdx    int            `json:"row_idx"`
	Fields    map[string]any `json:"data"`
}

// Issue is a persisted validation finding.
type Issue struct {
	ID        string    `json:"id"`
	VersionID string    `json:"version_id"`
	RowIdx    *int      `json:"row_idx,omitempty"`
	Field     *string   `json:"field,omitempty"`
	Severity  Severity  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Export is a generated artifact tied to exactly one version.
type Export struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	VersionID string    `json:"version_id"`
	Location  string    `json:"file_uri"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is a write-once record of a state transition.
type AuditLog struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Version authors.
const (
	AuthorSystem = "system"
	AuthorUser   = "user"
	AuthorAPI    = "api"
)

// Audit actions.
const (
	ActionCreate      = "create"
	ActionRunStart    = "run_start"
	ActionCommit      = "version_commit"
	ActionManualEdit  = "manual_edit"
	ActionRollback    = "rollback"
	ActionReviewHalt  = "review_halt"
	ActionStageFail   = "stage_fail"
	ActionExport      = "export"
	ActionTimeoutFail = "timeout_fail"
	ActionCancel      = "cancel"
)
