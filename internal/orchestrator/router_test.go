package orchestrator

import (
	"testing"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/models"
)

func TestRouterAIAssistBranch(t *testing.T) {
	r := Router{}
	c := Context{Route: &Route{Strategy: "spreadsheet"}}
	if got := r.Next(StageExtract, c); got.Next != StageNormalize {
		t.Fatalf("expected normalize, got %+v", got)
	}
	c.Route.RequiresAIAssist = true
	if got := r.Next(StageExtract, c); got.Next != StageAIAssist {
		t.Fatalf("expected ai_assist, got %+v", got)
	}
	c.Route.RequiresAIAssist = false
	c.ForceAIAssist = true
	if got := r.Next(StageExtract, c); got.Next != StageAIAssist {
		t.Fatalf("override must force ai_assist, got %+v", got)
	}
	if got := (Router{ForceAIAssist: true}).Next(StageExtract, Context{}); got.Next != StageAIAssist {
		t.Fatalf("router override must force ai_assist, got %+v", got)
	}
	if got := r.Next(StageAIAssist, c); got.Next != StageNormalize {
		t.Fatalf("ai_assist always continues to normalize, got %+v", got)
	}
}

func TestRouterReviewGate(t *testing.T) {
	r := Router{}
	c := Context{Issues: []models.IssueInput{{Severity: models.SeverityWarning, Message: "phone"}}}
	if got := r.Next(StageValidate, c); got.HaltReview || got.Next != StageCommit {
		t.Fatalf("warnings must not halt, got %+v", got)
	}
	c.Issues = append(c.Issues, models.IssueInput{Severity: models.SeverityError, Message: "npi"})
	if got := r.Next(StageValidate, c); !got.HaltReview {
		t.Fatalf("error issue must halt, got %+v", got)
	}
	if got := r.Next(StageCommit, c); !got.HaltReview {
		t.Fatalf("blocking issues after commit must halt before export, got %+v", got)
	}
}

func TestRouterLinearEdges(t *testing.T) {
	r := Router{}
	walk := []StageName{}
	for stage := StageIntake; stage != stageEnd; stage = r.Next(stage, Context{}).Next {
		walk = append(walk, stage)
	}
	want := []StageName{StageIntake, StageClassify, StageExtract, StageNormalize, StageValidate, StageCommit, StageExport}
	if len(walk) != len(want) {
		t.Fatalf("walk %v, want %v", walk, want)
	}
	for i := range want {
		if walk[i] != want[i] {
			t.Fatalf("walk %v, want %v", walk, want)
		}
	}
}

func TestParseStage(t *testing.T) {
	if s, err := ParseStage(""); err != nil || s != StageValidate {
		t.Fatalf("empty stage should default to validate, got %q %v", s, err)
	}
	if s, err := ParseStage("export"); err != nil || s != StageExport {
		t.Fatalf("got %q %v", s, err)
	}
	if _, err := ParseStage("vlm"); !eris.Is(err, ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
}

func TestContextCloneIsolatesRows(t *testing.T) {
	c := Context{Rows: []models.Row{{Index: 0, Fields: map[string]any{"npi": "1"}}}}
	cp := c.Clone()
	cp.Rows[0].Fields["npi"] = "2"
	cp.Notef("touched")
	if c.Rows[0].Fields["npi"] != "1" || len(c.Notes) != 0 {
		t.Fatalf("clone shares state with original")
	}
}
