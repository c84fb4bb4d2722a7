package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxcraft/vox-cli/api/schemas"
)

func TestAggregateReportsStepsInPlanOrder(t *testing.T) {
	wf := &schemas.Workflow{
		ID:        "wf-1",
		SessionID: "sess-1",
		Status:    schemas.WorkflowSucceeded,
		Steps: []*schemas.Step{
			{
				ID:      "s1",
				Command: schemas.Command{Kind: schemas.CommandNavigate},
				Status:  schemas.StepSucceeded, Attempts: 1,
				Result: &schemas.ExecutionResult{
					Status: schemas.ResultSuccess,
					Output: map[string]any{"url": "https://example.com", "title": "Home"},
				},
			},
			{
				ID:      "s2",
				Command: schemas.Command{Kind: schemas.CommandExtract},
				Status:  schemas.StepSucceeded, Attempts: 2,
				Result: &schemas.ExecutionResult{
					Status: schemas.ResultSuccess,
					Output: map[string]any{"text": "headline", "title": "Article"},
				},
			},
		},
	}

	resp := Aggregate(wf)

	assert.Equal(t, "wf-1", resp.WorkflowID)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, schemas.WorkflowSucceeded, resp.Status)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, schemas.StepID("s1"), resp.Steps[0].StepID)
	assert.Equal(t, 2, resp.Steps[1].Attempts)
	assert.False(t, resp.CompletedAt.IsZero())

	// Later steps override earlier ones on key collision.
	assert.Equal(t, "Article", resp.Data["title"])
	assert.Equal(t, "https://example.com", resp.Data["url"])
	assert.Equal(t, "headline", resp.Data["text"])
}

func TestAggregatePartialFailureKeepsSuccessfulData(t *testing.T) {
	wf := &schemas.Workflow{
		ID:        "wf-2",
		SessionID: "sess-1",
		Status:    schemas.WorkflowFailed,
		Steps: []*schemas.Step{
			{
				ID:      "s1",
				Command: schemas.Command{Kind: schemas.CommandExtract},
				Status:  schemas.StepSucceeded, Attempts: 1,
				Result: &schemas.ExecutionResult{
					Status: schemas.ResultSuccess,
					Output: map[string]any{"text": "partial data"},
				},
			},
			{
				ID:      "s2",
				Command: schemas.Command{Kind: schemas.CommandClick},
				Status:  schemas.StepFailed, Attempts: 3,
				Result: &schemas.ExecutionResult{
					Status: schemas.ResultFailure,
					Error:  &schemas.ErrorInfo{Class: "TransientExecutionError", Message: "timeout"},
				},
			},
			{
				ID:      "s3",
				Command: schemas.Command{Kind: schemas.CommandScreenshot},
				Status:  schemas.StepSkipped,
			},
		},
	}

	resp := Aggregate(wf)

	// Partial failure still yields the full result set.
	assert.Equal(t, schemas.WorkflowFailed, resp.Status)
	require.Len(t, resp.Steps, 3)
	assert.Equal(t, "partial data", resp.Data["text"])
	require.NotNil(t, resp.Steps[1].Error)
	assert.Equal(t, "TransientExecutionError", resp.Steps[1].Error.Class)
	assert.Equal(t, schemas.StepSkipped, resp.Steps[2].Status)
	assert.Equal(t, 0, resp.Steps[2].Attempts)
}

func TestAggregateCollectsScreenshots(t *testing.T) {
	wf := &schemas.Workflow{
		ID: "wf-3", SessionID: "sess-1", Status: schemas.WorkflowSucceeded,
		Steps: []*schemas.Step{
			{
				ID: "s1", Command: schemas.Command{Kind: schemas.CommandScreenshot},
				Status: schemas.StepSucceeded, Attempts: 1,
				Result: &schemas.ExecutionResult{Status: schemas.ResultSuccess, ScreenshotRef: "shot-1.png"},
			},
			{
				ID: "s2", Command: schemas.Command{Kind: schemas.CommandScreenshot},
				Status: schemas.StepSucceeded, Attempts: 1,
				Result: &schemas.ExecutionResult{Status: schemas.ResultSuccess, ScreenshotRef: "shot-2.png"},
			},
		},
	}

	resp := Aggregate(wf)
	assert.Equal(t, []string{"shot-1.png", "shot-2.png"}, resp.Screenshots)
	assert.Nil(t, resp.Data)
}
