package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
	"github.com/voxcraft/vox-cli/internal/contextstore"
	"github.com/voxcraft/vox-cli/internal/engine"
	"github.com/voxcraft/vox-cli/internal/memory"
	"github.com/voxcraft/vox-cli/internal/mocks"
	"github.com/voxcraft/vox-cli/internal/normalizer"
	"github.com/voxcraft/vox-cli/internal/planner"
	"github.com/voxcraft/vox-cli/internal/session"
)

type fixture struct {
	svc      *Service
	cfg      *config.Config
	browser  *mocks.MockBrowser
	ctxStore *contextstore.MemStore
	memLayer *memory.Layer
	sessions *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.EngineCfg.BackoffBase = time.Millisecond
	cfg.EngineCfg.BackoffMax = 5 * time.Millisecond
	cfg.EngineCfg.BrowserOpsPerSecond = 10000

	logger := zap.NewNop()
	ctxStore := contextstore.NewMemStore()
	memLayer := memory.NewLayer(cfg.Memory(), memory.NewMemStore(), logger)
	browser := mocks.NewMockBrowser()

	sessions := session.NewManager(cfg, logger, func(ctx context.Context) (schemas.BrowserAutomator, error) {
		return browser, nil
	}, ctxStore)

	eng, err := engine.New(cfg, logger, ctxStore, memLayer)
	require.NoError(t, err)
	svc, err := New(cfg, logger, sessions, normalizer.New(cfg, logger), planner.New(cfg, logger), eng, ctxStore, memLayer)
	require.NoError(t, err)

	t.Cleanup(func() { sessions.Shutdown(context.Background()) })
	return &fixture{svc: svc, cfg: cfg, browser: browser, ctxStore: ctxStore, memLayer: memLayer, sessions: sessions}
}

func TestSubmitIntentSearchThenScreenshot(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.SubmitIntent(context.Background(), "sess-1", schemas.RawIntent{
		Steps: []schemas.RawIntent{
			{Intent: "SEARCH", Confidence: 0.9, Parameters: map[string]any{"text": "wireless headphones"}},
			{Intent: "SCREENSHOT", Confidence: 0.95},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schemas.WorkflowSucceeded, resp.Status)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, schemas.CommandSearch, resp.Steps[0].Kind)
	assert.Equal(t, schemas.CommandScreenshot, resp.Steps[1].Kind)
	assert.Equal(t, []string{"screenshot-1.png"}, resp.Screenshots)
	assert.Equal(t, 1, f.browser.CallCount("search"))
	assert.Equal(t, 1, f.browser.CallCount("screenshot"))
}

func TestSubmitIntentRecordsConversationTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
			Intent: "SCREENSHOT", Confidence: 0.9,
		})
		require.NoError(t, err)
	}

	turns, err := f.ctxStore.List(ctx, "sess-1", "conversation", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	// Newest first; turn numbers come from the session counter.
	assert.Contains(t, turns[0], `"turn":2`)
	assert.Contains(t, turns[1], `"turn":1`)
}

func TestSubmitIntentPersistsBrowserState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "NAVIGATE", Confidence: 0.9, Parameters: map[string]any{"url": "example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, schemas.WorkflowSucceeded, resp.Status)

	state, ok, err := f.ctxStore.Get(ctx, "sess-1", "browser_state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, state, resp.WorkflowID)
	assert.Contains(t, state, "https://example.com")
}

func TestSubmitIntentStoresWorkflowFactOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "SEARCH", Confidence: 0.9, Parameters: map[string]any{"text": "best laptops"},
	})
	require.NoError(t, err)

	facts, err := f.memLayer.Query(ctx, "best laptops", 5)
	require.NoError(t, err)

	var kinds []schemas.FactKind
	for _, fact := range facts {
		kinds = append(kinds, fact.Kind)
	}
	// The search result itself plus the workflow summary.
	assert.Contains(t, kinds, schemas.FactWorkflow)
	assert.Contains(t, kinds, schemas.FactBrowserContext)
}

func TestSubmitIntentDoesNotStoreWorkflowFactOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.browser.FailWith("click", &schemas.PermanentExecutionError{Op: "click", Reason: "element not found"})

	resp, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "CLICK", Confidence: 0.9, Parameters: map[string]any{"selector": "#gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowFailed, resp.Status)

	count, err := f.memLayer.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSubmitIntentRejectsInvalidIntentBeforeExecution(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitIntent(context.Background(), "sess-1", schemas.RawIntent{
		Intent: "TELEPORT", Confidence: 0.9,
	})
	var unsupported *schemas.UnsupportedCommandError
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, f.browser.Calls())
}

func TestSubmitIntentBatchRejectionExecutesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitIntent(context.Background(), "sess-1", schemas.RawIntent{
		Steps: []schemas.RawIntent{
			{Intent: "NAVIGATE", Confidence: 0.9, Parameters: map[string]any{"url": "example.com"}},
			{Intent: "CLICK", Confidence: 0.9}, // invalid: no target
		},
	})
	require.Error(t, err)
	// All-or-nothing: the valid first record must not run either.
	assert.Empty(t, f.browser.Calls())
}

func TestSubmitIntentFormFieldFailureSkipsSubmit(t *testing.T) {
	f := newFixture(t)
	f.browser.FailWith("fill_form", &schemas.PermanentExecutionError{Op: "fill_form", Reason: "field not found"})

	resp, err := f.svc.SubmitIntent(context.Background(), "sess-1", schemas.RawIntent{
		Steps: []schemas.RawIntent{
			{Intent: "FILL_FORM", Confidence: 0.9, Parameters: map[string]any{
				"form_data": map[string]any{"name": "Ada", "email": "ada@example.com"},
			}},
			{Intent: "CLICK", Confidence: 0.9, Parameters: map[string]any{"selector": "#submit"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schemas.WorkflowFailed, resp.Status)
	// Both field steps were dispatched; one absorbed the scripted failure.
	// The submit click never reached the browser.
	assert.Equal(t, 2, f.browser.CallCount("fill_form"))
	assert.Equal(t, 0, f.browser.CallCount("click"))

	byStatus := map[schemas.StepStatus]int{}
	var failed *schemas.StepSummary
	for i := range resp.Steps {
		byStatus[resp.Steps[i].Status]++
		if resp.Steps[i].Status == schemas.StepFailed {
			failed = &resp.Steps[i]
		}
	}
	// The surviving field step is still reported; the barrier and the
	// submit click are skipped, not failed.
	assert.Equal(t, 1, byStatus[schemas.StepFailed])
	assert.Equal(t, 1, byStatus[schemas.StepSucceeded])
	assert.Equal(t, 2, byStatus[schemas.StepSkipped])
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "PermanentExecutionError", failed.Error.Class)
}

func TestSubmitIntentUsesMemoryHints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.memLayer.StoreFact(ctx, schemas.Fact{
		Kind:    schemas.FactWorkflow,
		Content: "searched for mechanical keyboards",
	}))

	resp, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "SEARCH", Confidence: 0.9, Parameters: map[string]any{"text": "mechanical keyboards"},
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowSucceeded, resp.Status)
}

func TestSessionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "SEARCH", Confidence: 0.9, Parameters: map[string]any{"text": "anything"},
	})
	require.NoError(t, err)

	stats, err := f.svc.SessionStats(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", stats.SessionID)
	assert.Equal(t, 1, stats.Turns)
	assert.Equal(t, 1, stats.Workflows)
	assert.False(t, stats.InFlight)
	assert.Greater(t, stats.ContextKeys, 0)

	_, err = f.svc.SessionStats(ctx, "sess-unknown")
	assert.Error(t, err)
}

func TestAbortSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{
		Intent: "SCREENSHOT", Confidence: 0.9,
	})
	require.NoError(t, err)

	f.svc.AbortSession(ctx, "sess-1")
	f.svc.AbortSession(ctx, "sess-1")

	assert.True(t, f.browser.Closed())
	keys, err := f.ctxStore.Keys(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSubmitIntentSessionLimitSurfaces(t *testing.T) {
	f := newFixture(t)
	f.cfg.SessionCfg.MaxSessions = 1
	ctx := context.Background()

	_, err := f.svc.SubmitIntent(ctx, "sess-1", schemas.RawIntent{Intent: "SCREENSHOT", Confidence: 0.9})
	require.NoError(t, err)

	_, err = f.svc.SubmitIntent(ctx, "sess-2", schemas.RawIntent{Intent: "SCREENSHOT", Confidence: 0.9})
	var exhausted *schemas.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
}
