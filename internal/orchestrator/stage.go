package orchestrator

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	ErrConflict     = eris.New("a run is already active for this job")
	ErrUnknownStage = eris.New("unknown stage")
	ErrMissingStage = eris.New("stage collaborator not configured")
)

// Reason classifies why a stage failed.
type Reason string

const (
	ReasonStageError  Reason = "stage_error"
	ReasonTimeout     Reason = "timeout"
	ReasonPanic       Reason = "panic"
	ReasonPersistence Reason = "persistence"
	ReasonCancelled   Reason = "cancelled"
)

// StageError is a failure captured as a value. It is never wrapped.
type StageError struct {
	Stage   StageName `json:"stage"`
	Reason  Reason    `json:"reason"`
	Message string    `json:"message"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Reason, e.Message)
}

// Stage is the collaborator contract: take the context, return the advanced one.
// A stage signals failure by returning an error or by setting Context.Error.
type Stage interface {
	Run(ctx context.Context, in Context) (Context, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, in Context) (Context, error)

func (f StageFunc) Run(ctx context.Context, in Context) (Context, error) {
	return f(ctx, in)
}

// Stages binds the external collaborators. Commit-Version belongs to the orchestrator.
type Stages struct {
	Intake    Stage
	Classify  Stage
	Extract   Stage
	AIAssist  Stage
	Normalize Stage
	Validate  Stage
	Export    Stage
}

func (s Stages) lookup(name StageName) Stage {
	switch name {
	case StageIntake:
		return s.Intake
	case StageClassify:
		return s.Classify
	case StageExtract:
		return s.Extract
	case StageAIAssist:
		return s.AIAssist
	case StageNormalize:
		return s.Normalize
	case StageValidate:
		return s.Validate
	case StageExport:
		return s.Export
	}
	return nil
}

func (s Stages) validate() error {
	for _, name := range Sequence {
		if name == StageCommit {
			continue
		}
		if s.lookup(name) == nil {
			return eris.Wrapf(ErrMissingStage, "%s", name)
		}
	}
	return nil
}
