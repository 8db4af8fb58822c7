package orchestrator

import "roster-pipeline/internal/models"

// Edge is the router's decision after a stage.
type Edge struct {
	Next StageName
	// HaltReview stops the run in needs_review.
	HaltReview bool
}

// Router encodes the conditional edges of the stage graph.
type Router struct {
	ForceAIAssist bool
}

// NeedsAIAssist is Router A.
func (r Router) NeedsAIAssist(c Context) bool {
	if r.ForceAIAssist || c.ForceAIAssist {
		return true
	}
	return c.Route != nil && c.Route.RequiresAIAssist
}

// Next returns the edge taken after current.
func (r Router) Next(current StageName, c Context) Edge {
	switch current {
	case StageIntake:
		return Edge{Next: StageClassify}
	case StageClassify:
		return Edge{Next: StageExtract}
	case StageExtract:
		if r.NeedsAIAssist(c) {
			return Edge{Next: StageAIAssist}
		}
		return Edge{Next: StageNormalize}
	case StageAIAssist:
		return Edge{Next: StageNormalize}
	case StageNormalize:
		return Edge{Next: StageValidate}
	case StageValidate:
		// Router B.
		if models.HasBlocking(c.Issues) {
			return Edge{HaltReview: true}
		}
		return Edge{Next: StageCommit}
	case StageCommit:
		// Only reachable with blocking issues when resuming directly at commit_version.
		if models.HasBlocking(c.Issues) {
			return Edge{HaltReview: true}
		}
		return Edge{Next: StageExport}
	}
	return Edge{Next: stageEnd}
}
