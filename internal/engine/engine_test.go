package engine

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
	"github.com/voxcraft/vox-cli/internal/memory"
	"github.com/voxcraft/vox-cli/internal/mocks"
	"github.com/voxcraft/vox-cli/internal/planner"
	"github.com/voxcraft/vox-cli/internal/session"
)

// -- Test Harness --

type harness struct {
	cfg      *config.Config
	engine   *Engine
	sess     *session.Session
	browser  *mocks.MockBrowser
	ctxStore *contextstore.MemStore
	memLayer *memory.Layer
	planner  *planner.Planner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	// Keep retry delays out of the test's critical path.
	cfg.EngineCfg.BackoffBase = time.Millisecond
	cfg.EngineCfg.BackoffMax = 5 * time.Millisecond
	cfg.EngineCfg.BrowserOpsPerSecond = 10000

	logger := zap.NewNop()
	ctxStore := contextstore.NewMemStore()
	memLayer := memory.NewLayer(cfg.Memory(), memory.NewMemStore(), logger)

	browser := mocks.NewMockBrowser()
	mgr := session.NewManager(cfg, logger, func(ctx context.Context) (schemas.BrowserAutomator, error) {
		return browser, nil
	}, ctxStore)
	sess, err := mgr.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	eng, err := New(cfg, logger, ctxStore, memLayer)
	require.NoError(t, err)

	return &harness{
		cfg:      cfg,
		engine:   eng,
		sess:     sess,
		browser:  browser,
		ctxStore: ctxStore,
		memLayer: memLayer,
		planner:  planner.New(cfg, logger),
	}
}

func (h *harness) plan(t *testing.T, commands ...schemas.Command) *schemas.Workflow {
	t.Helper()
	wf, err := h.planner.Plan("wf-1", "sess-1", commands, nil, nil)
	require.NoError(t, err)
	return wf
}

func navigateCmd(url string) schemas.Command {
	return schemas.Command{Kind: schemas.CommandNavigate, Params: map[string]string{"url": url}, Confidence: 0.9}
}

func clickCmd(target string) schemas.Command {
	return schemas.Command{Kind: schemas.CommandClick, Target: target, Confidence: 0.9}
}

func extractCmd(dataType string) schemas.Command {
	return schemas.Command{Kind: schemas.CommandExtract, Params: map[string]string{"data_type": dataType}, Confidence: 0.9}
}

// -- Scheduling --

func TestRunExecutesStepsInDependencyOrder(t *testing.T) {
	h := newHarness(t)
	wf := h.plan(t, navigateCmd("https://example.com"), clickCmd("#buy"), extractCmd("text"))

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	assert.Equal(t, schemas.WorkflowSucceeded, wf.Status)
	for _, step := range wf.Steps {
		assert.Equal(t, schemas.StepSucceeded, step.Status, "step %s", step.ID)
		assert.Equal(t, 1, step.Attempts, "step %s", step.ID)
	}

	var ops []string
	for _, call := range h.browser.Calls() {
		ops = append(ops, call.Op)
	}
	assert.Equal(t, []string{"navigate", "click", "extract"}, ops)
}

func TestRunFillFormFanOutJoinsAtBarrier(t *testing.T) {
	h := newHarness(t)
	fill := schemas.Command{
		Kind: schemas.CommandFillForm,
		Params: map[string]string{
			"field:name":  "Ada",
			"field:email": "ada@example.com",
			"field:phone": "555-0100",
		},
		Confidence: 0.9,
	}
	wf := h.plan(t, fill, clickCmd("#submit"))

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	assert.Equal(t, schemas.WorkflowSucceeded, wf.Status)
	assert.Equal(t, 3, h.browser.CallCount("fill_form"))
	assert.Equal(t, 1, h.browser.CallCount("click"))

	// The submit click happens strictly after every field fill.
	calls := h.browser.Calls()
	assert.Equal(t, "click", calls[len(calls)-1].Op)

	// Barrier step carries no browser call but still succeeds.
	barrier := wf.Step("s4")
	require.NotNil(t, barrier)
	assert.True(t, barrier.Barrier)
	assert.Equal(t, schemas.StepSucceeded, barrier.Status)
}

func TestRunParallelExtractsShareAnchor(t *testing.T) {
	h := newHarness(t)
	h.cfg.SetEngineConcurrency(3)
	wf := h.plan(t, navigateCmd("https://example.com"), extractCmd("links"), extractCmd("images"), extractCmd("text"))

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	assert.Equal(t, schemas.WorkflowSucceeded, wf.Status)
	assert.Equal(t, 3, h.browser.CallCount("extract"))
	// Extract steps depend on the navigate only, not on each other.
	for _, id := range []schemas.StepID{"s2", "s3", "s4"} {
		step := wf.Step(id)
		require.NotNil(t, step)
		assert.Equal(t, []schemas.StepID{"s1"}, step.DependsOn)
		assert.True(t, step.ParallelSafe)
	}
}

// -- Retry Policy --

func TestRunRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	transient := &schemas.TransientExecutionError{Op: "click", Err: context.DeadlineExceeded}
	h.browser.FailWith("click", transient, transient)

	wf := h.plan(t, clickCmd("#flaky"))
	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	step := wf.Step("s1")
	assert.Equal(t, schemas.StepSucceeded, step.Status)
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, schemas.WorkflowSucceeded, wf.Status)
}

func TestRunStopsAtAttemptCeiling(t *testing.T) {
	h := newHarness(t)
	transient := &schemas.TransientExecutionError{Op: "click", Err: context.DeadlineExceeded}
	h.browser.FailWith("click", transient, transient, transient, transient)

	wf := h.plan(t, clickCmd("#flaky"), extractCmd("text"))
	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	step := wf.Step("s1")
	assert.Equal(t, schemas.StepFailed, step.Status)
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, 3, h.browser.CallCount("click"))
	require.NotNil(t, step.Result)
	require.NotNil(t, step.Result.Error)
	assert.Equal(t, "TransientExecutionError", step.Result.Error.Class)

	// Dependent never ran.
	assert.Equal(t, schemas.StepSkipped, wf.Step("s2").Status)
	assert.Equal(t, 0, h.browser.CallCount("extract"))
	assert.Equal(t, schemas.WorkflowFailed, wf.Status)
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t)
	h.browser.FailWith("click", &schemas.PermanentExecutionError{Op: "click", Reason: "element not found"})

	wf := h.plan(t, clickCmd("#gone"))
	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	step := wf.Step("s1")
	assert.Equal(t, schemas.StepFailed, step.Status)
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, schemas.WorkflowFailed, wf.Status)
}

func TestRunSkipCascadesTransitively(t *testing.T) {
	h := newHarness(t)
	h.browser.FailWith("navigate", &schemas.PermanentExecutionError{Op: "navigate", Reason: "dns failure"})

	wf := h.plan(t, navigateCmd("https://example.com"), clickCmd("#a"), extractCmd("text"))
	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	assert.Equal(t, schemas.StepFailed, wf.Step("s1").Status)
	assert.Equal(t, schemas.StepSkipped, wf.Step("s2").Status)
	assert.Equal(t, schemas.StepSkipped, wf.Step("s3").Status)
	assert.Equal(t, schemas.WorkflowFailed, wf.Status)
}

// -- Reference Resolution --

func TestRunResolvesStepOutputReferences(t *testing.T) {
	h := newHarness(t)
	wf := h.plan(t,
		navigateCmd("https://example.com"),
		navigateCmd("$ref:s1.url"),
	)

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	assert.Equal(t, schemas.WorkflowSucceeded, wf.Status)
	calls := h.browser.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "https://example.com", calls[1].Args[0])
}

func TestRunFailsOnMissingReferenceOutput(t *testing.T) {
	h := newHarness(t)
	wf := h.plan(t,
		navigateCmd("https://example.com"),
		navigateCmd("$ref:s1.nonexistent"),
	)

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	step := wf.Step("s2")
	assert.Equal(t, schemas.StepFailed, step.Status)
	// Missing required data is permanent: one attempt, no retries.
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, 1, h.browser.CallCount("navigate"))
}

// -- Abort --

func TestRunAbortsRemainingStepsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf := h.plan(t, navigateCmd("https://example.com"), clickCmd("#a"))
	require.NoError(t, h.engine.Run(ctx, h.sess, wf))

	for _, step := range wf.Steps {
		assert.Equal(t, schemas.StepAborted, step.Status, "step %s", step.ID)
	}
	assert.Equal(t, schemas.WorkflowAborted, wf.Status)
	assert.Equal(t, 0, h.browser.CallCount("navigate"))
}

// -- Side Effects --

func TestRunRecordsOutputsInContextStore(t *testing.T) {
	h := newHarness(t)
	wf := h.plan(t, navigateCmd("https://example.com"))

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	lastURL, ok, err := h.ctxStore.Get(context.Background(), "sess-1", "last_url")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", lastURL)

	// The full workflow snapshot is persisted too.
	snapshot, ok, err := h.ctxStore.Get(context.Background(), "sess-1", "workflow:wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, snapshot, `"SUCCEEDED"`)
}

func TestRunPromotesExtractResultsToMemory(t *testing.T) {
	h := newHarness(t)
	h.browser.ExtractOutput = map[string]any{"text": "laptop prices", "data_type": "text"}
	wf := h.plan(t, extractCmd("text"), clickCmd("#next"))

	require.NoError(t, h.engine.Run(context.Background(), h.sess, wf))

	count, err := h.memLayer.Count(context.Background())
	require.NoError(t, err)
	// Only the extract is memory-worthy; the click stays in session context.
	assert.Equal(t, 1, count)

	facts, err := h.memLayer.Query(context.Background(), "laptop prices", 5)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, schemas.FactBrowserContext, facts[0].Kind)
	assert.Contains(t, facts[0].Content, "laptop prices")
}

func TestRunWorkflowStatusPrecedence(t *testing.T) {
	// FAILED outranks ABORTED outranks SUCCEEDED when mixed.
	wf := &schemas.Workflow{
		ID:        "wf-x",
		SessionID: "sess-1",
		Steps: []*schemas.Step{
			{ID: "s1", Status: schemas.StepSucceeded},
			{ID: "s2", Status: schemas.StepAborted},
			{ID: "s3", Status: schemas.StepFailed},
		},
	}
	assert.Equal(t, schemas.WorkflowFailed, wf.DeriveStatus())

	wf.Step("s3").Status = schemas.StepSkipped
	assert.Equal(t, schemas.WorkflowAborted, wf.DeriveStatus())

	wf.Step("s2").Status = schemas.StepSucceeded
	assert.Equal(t, schemas.WorkflowSucceeded, wf.DeriveStatus())
}
