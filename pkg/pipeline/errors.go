package pipeline

import "fmt"

type ErrPipeline = error

// NewPipelineError wraps an error raised while running a pipeline.
func NewPipelineError(err error) ErrPipeline {
	return fmt.Errorf("failed to evaluate pipeline: %w", err)
}

type ErrStage = error

// NewStageError attributes an error to the stage at path and the index of the document the stage
// was processing.
func NewStageError(path string, index int, err error) ErrStage {
	return fmt.Errorf("stage %s failed on document %d: %w", path, index, err)
}
