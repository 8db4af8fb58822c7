package stages

import (
	"go.uber.org/zap"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/orchestrator"
)

// Default assembles the built-in collaborators. A nil model leaves AI assist as a pass-through.
func Default(blobs blob.Store, model ContentGenerator, logger *zap.Logger) orchestrator.Stages {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stages")
	return orchestrator.Stages{
		Intake:    NewIntake(blobs, logger),
		Classify:  NewClassify(logger),
		Extract:   NewExtract(logger),
		AIAssist:  NewAIAssist(model, logger),
		Normalize: NewNormalize(logger),
		Validate:  NewValidate(logger),
		Export:    NewExport(blobs, logger),
	}
}
