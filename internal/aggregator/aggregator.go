// Package aggregator merges terminal step results into the single response
// record returned to the caller. Aggregation is a pure function of the
// workflow: no side effects, no external calls.
package aggregator

import (
	"time"

	"github.com/voxcraft/vox-cli/api/schemas"
)

// Aggregate builds the response for a terminal workflow. Step summaries are
// reported in plan order regardless of completion order; extracted data
// merges with later steps overriding earlier ones on key collision.
func Aggregate(wf *schemas.Workflow) schemas.Response {
	resp := schemas.Response{
		WorkflowID:  wf.ID,
		SessionID:   wf.SessionID,
		Status:      wf.Status,
		Steps:       make([]schemas.StepSummary, 0, len(wf.Steps)),
		CompletedAt: time.Now().UTC(),
	}

	for _, step := range wf.Steps {
		summary := schemas.StepSummary{
			StepID:   step.ID,
			Kind:     step.Command.Kind,
			Status:   step.Status,
			Attempts: step.Attempts,
		}
		if step.Result != nil {
			summary.Error = step.Result.Error
			if step.Result.ScreenshotRef != "" {
				resp.Screenshots = append(resp.Screenshots, step.Result.ScreenshotRef)
			}
			if len(step.Result.Output) > 0 {
				if resp.Data == nil {
					resp.Data = make(map[string]any)
				}
				for k, v := range step.Result.Output {
					resp.Data[k] = v
				}
			}
		}
		resp.Steps = append(resp.Steps, summary)
	}
	return resp
}
