package pipeline

import (
	"context"
)

// StageResult records one augmentation's outcome within a Run.
type StageResult struct {
	Name     string
	Success  bool
	Data     any
	Error    error
	TimedOut bool
}

// RunResult is the aggregate outcome of running every stage.
type RunResult struct {
	Success      bool
	StageResults map[StageType][]StageResult
	Data         any
}

// Run executes every enabled augmentation across all six stages in order,
// threading output from one augmentation into the next's input. A failing
// augmentation either aborts the run (StopOnError) or is recorded while its
// stage forwards the unmodified input it received downstream.
func (r *Registry) Run(ctx context.Context, input any) RunResult {
	data := input
	stageResults := make(map[StageType][]StageResult, len(StageOrder))

	for _, stageType := range StageOrder {
		select {
		case <-ctx.Done():
			r.reportRun(false)
			return RunResult{Success: false, StageResults: stageResults, Data: data}
		default:
		}

		for _, aug := range r.stageHandlers(stageType) {
			stageInput := data
			res, timedOut := runWithTimeout(ctx, aug, stageInput)

			stageResults[stageType] = append(stageResults[stageType], StageResult{
				Name:     aug.Name,
				Success:  res.Success,
				Data:     res.Data,
				Error:    res.Error,
				TimedOut: timedOut,
			})

			if !res.Success {
				if r.metrics != nil {
					r.metrics.PipelineStageErrors.WithLabelValues(string(aug.Type), aug.Name).Inc()
				}
				if aug.StopOnError {
					r.reportRun(false)
					return RunResult{Success: false, StageResults: stageResults, Data: data}
				}
				continue // downstream receives stageInput unmodified
			}
			data = res.Data
		}
	}

	r.reportRun(true)
	return RunResult{Success: true, StageResults: stageResults, Data: data}
}

func (r *Registry) reportRun(success bool) {
	if r.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
}

func runWithTimeout(ctx context.Context, aug *Augmentation, input any) (Result, bool) {
	if aug.Timeout <= 0 {
		return aug.Handler.Execute(ctx, input, map[string]any{"stage": string(aug.Type)}), false
	}

	execCtx, cancel := context.WithTimeout(ctx, aug.Timeout)
	defer cancel()

	type outcome struct {
		res Result
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{aug.Handler.Execute(execCtx, input, map[string]any{"stage": string(aug.Type)})}
	}()

	select {
	case o := <-done:
		return o.res, false
	case <-execCtx.Done():
		return Result{Success: false, Error: ErrStageTimeout}, true
	}
}
