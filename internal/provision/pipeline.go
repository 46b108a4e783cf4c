package provision

import (
	"context"
	"fmt"

	"github.com/snaplicator/snaplicator/internal/logger"
)

// Stage is one step of a provisioning pipeline. Required stages stop the
// pipeline on failure; best-effort stages log, mark the run degraded, and
// let the pipeline continue. Keeping the policy in data rather than control
// flow makes the executor trivially testable stage by stage.
type Stage struct {
	Name     string
	Required bool
	Run      func(ctx context.Context) error
}

// Outcome is the result of executing a pipeline.
type Outcome struct {
	// Completed lists the stages that finished, in order.
	Completed []string
	// Degraded is true when at least one best-effort stage failed.
	Degraded bool
	// FailedStage names the required stage that stopped the pipeline.
	FailedStage string
	// Warnings carries the failure detail of degraded stages.
	Warnings []string
	// Err is the required-stage failure, if any.
	Err error
}

// LastCompleted returns the name of the last completed stage, or "".
func (o Outcome) LastCompleted() string {
	if len(o.Completed) == 0 {
		return ""
	}
	return o.Completed[len(o.Completed)-1]
}

// runPipeline executes the stages in order under a single policy:
// stop on required failure, continue (degraded) on best-effort failure.
func runPipeline(ctx context.Context, opID string, stages []Stage) Outcome {
	var outcome Outcome

	for _, stage := range stages {
		log := logger.With("operation_id", opID, "stage", stage.Name)
		log.Debug("stage starting")

		err := stage.Run(ctx)
		if err == nil {
			outcome.Completed = append(outcome.Completed, stage.Name)
			log.Debug("stage completed")
			continue
		}

		if stage.Required {
			log.Error("required stage failed", "error", err)
			outcome.FailedStage = stage.Name
			outcome.Err = fmt.Errorf("stage %s: %w", stage.Name, err)
			return outcome
		}

		log.Warn("best-effort stage failed, continuing", "error", err)
		outcome.Degraded = true
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("stage %s: %v", stage.Name, err))
		outcome.Completed = append(outcome.Completed, stage.Name)
	}

	return outcome
}
