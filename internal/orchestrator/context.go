package orchestrator

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
)

// StageName identifies one node of the pipeline graph.
type StageName string

const (
	StageIntake    StageName = "intake"
	StageClassify  StageName = "classify"
	StageExtract   StageName = "extract"
	StageAIAssist  StageName = "ai_assist"
	StageNormalize StageName = "normalize"
	StageValidate  StageName = "validate"
	StageCommit    StageName = "commit_version"
	StageExport    StageName = "export"

	stageEnd StageName = ""
)

// Sequence is the fixed stage order. Router A may skip ai_assist; Router B may halt after validate.
var Sequence = []StageName{
	StageIntake,
	StageClassify,
	StageExtract,
	StageAIAssist,
	StageNormalize,
	StageValidate,
	StageCommit,
	StageExport,
}

// ParseStage accepts a stage name; empty means validate, the usual re-entry point.
func ParseStage(raw string) (StageName, error) {
	if raw == "" {
		return StageValidate, nil
	}
	for _, s := range Sequence {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", eris.Wrapf(ErrUnknownStage, "%q", raw)
}

// Attachment is one decoded MIME part of the inbound message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	Size        int    `json:"size"`
	Pages       int    `json:"pages,omitempty"`
}

// Artifacts is what Intake extracts from the raw message.
type Artifacts struct {
	MessageID   string       `json:"message_id"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	ReceivedAt  time.Time    `json:"received_at"`
	BodyText    string       `json:"-"`
	BodyHTML    string       `json:"-"`
	Attachments []Attachment `json:"attachments"`
}

// Route is Classify's output: the extraction strategy and whether AI assist is needed.
type Route struct {
	Strategy         string `json:"strategy"`
	Source           string `json:"source,omitempty"`
	RequiresAIAssist bool   `json:"requires_ai_assist"`
}

// ExportArtifact is what the Export collaborator produced.
type ExportArtifact struct {
	Location  string `json:"file_uri"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"file_size"`
	ExportID  string `json:"export_id,omitempty"`
}

// Context is the processing state handed from stage to stage.
type Context struct {
	JobID string
	Job   models.Job

	// VersionID is the committed version once Commit-Version ran, or the loaded version on resume.
	VersionID *string
	// ParentVersionID is carried into Commit-Version; nil for a fresh extraction.
	ParentVersionID *string

	Artifacts *Artifacts
	Route     *Route
	Rows      []models.Row
	Issues    []models.IssueInput
	Export    *ExportArtifact

	Status        models.JobStatus
	Notes         []string
	Error         *StageError
	ForceAIAssist bool
	Resumed       bool
}

// NewContext builds the initial context for a fresh run.
func NewContext(job models.Job) Context {
	return Context{
		JobID:  job.ID,
		Job:    job,
		Rows:   []models.Row{},
		Issues: []models.IssueInput{},
		Status: models.StatusProcessing,
	}
}

// Notef appends a human-readable note.
func (c *Context) Notef(format string, args ...any) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, args...))
}

// Fail marks the context failed at stage. Collaborators may use it instead of returning an error.
func (c *Context) Fail(stage StageName, format string, args ...any) {
	c.Error = &StageError{Stage: stage, Reason: ReasonStageError, Message: fmt.Sprintf(format, args...)}
}

// Clone deep-copies the slices and maps a stage may mutate, so an abandoned
// stage goroutine cannot race with the orchestrator.
func (c Context) Clone() Context {
	out := c
	out.Rows = make([]models.Row, len(c.Rows))
	for i, row := range c.Rows {
		fields := make(map[string]any, len(row.Fields))
		for k, v := range row.Fields {
			fields[k] = v
		}
		out.Rows[i] = models.Row{Index: row.Index, Fields: fields}
	}
	out.Issues = append([]models.IssueInput(nil), c.Issues...)
	out.Notes = append([]string(nil), c.Notes...)
	if c.Artifacts != nil {
		a := *c.Artifacts
		a.Attachments = append([]Attachment(nil), c.Artifacts.Attachments...)
		out.Artifacts = &a
	}
	if c.Route != nil {
		r := *c.Route
		out.Route = &r
	}
	if c.Export != nil {
		e := *c.Export
		out.Export = &e
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return out
}
