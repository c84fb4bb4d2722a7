// Package engine executes workflows against a session's browser handle. It
// walks the step dependency graph with a scheduler loop, applies the
// timeout/retry policy per step, propagates failure to dependents, and
// records outputs in the context store and memory layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
	"github.com/voxcraft/vox-cli/internal/planner"
	"github.com/voxcraft/vox-cli/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine runs workflows. One engine serves all sessions; per-session
// exclusivity comes from the session's execution lock.
type Engine struct {
	cfg      config.Interface
	logger   *zap.Logger
	ctxStore schemas.ContextStore
	memory   schemas.MemoryLayer

	// rng drives retry jitter. Guarded by rngMu: steps may retry
	// concurrently during a parallel fan.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Engine.
func New(cfg config.Interface, logger *zap.Logger, ctxStore schemas.ContextStore, memory schemas.MemoryLayer) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if ctxStore == nil {
		return nil, errors.New("context store cannot be nil")
	}
	if memory == nil {
		return nil, errors.New("memory layer cannot be nil")
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "engine")),
		ctxStore: ctxStore,
		memory:   memory,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run executes the workflow to a terminal state. The returned error reports
// engine-level failures only; per-step outcomes live on the workflow itself,
// so partial failure still yields a full result set for aggregation.
func (e *Engine) Run(ctx context.Context, sess *session.Session, wf *schemas.Workflow) error {
	logger := e.logger.With(
		zap.String("session_id", wf.SessionID),
		zap.String("workflow_id", wf.ID))
	logger.Info("Executing workflow", zap.Int("steps", len(wf.Steps)))

	wf.Status = schemas.WorkflowRunning
	e.persistWorkflowState(ctx, wf)

	for {
		if ctx.Err() != nil {
			e.abortRemaining(wf)
			break
		}

		e.propagateSkips(wf, logger)

		ready := readySteps(wf)
		if len(ready) == 0 {
			if allTerminal(wf) {
				break
			}
			// Nothing ready and nothing terminal means the graph is stuck,
			// which the planner's cycle check should have prevented.
			logger.Error("Scheduler stalled with non-terminal steps remaining")
			for _, s := range wf.Steps {
				if !s.Status.Terminal() {
					s.Status = schemas.StepFailed
					s.Result = failureResult(&schemas.PlanningError{Reason: "unschedulable step"})
				}
			}
			break
		}

		e.runBatch(ctx, sess, wf, nextBatch(ready), logger)
	}

	wf.Status = wf.DeriveStatus()
	e.persistWorkflowState(ctx, wf)
	logger.Info("Workflow finished", zap.String("status", string(wf.Status)))
	return nil
}

/// nextBatch picks what runs now: either every ready parallel-safe step as
// one concurrent fan, or the single first ready step. Browser operations
// against one handle are not parallel-safe in general, so the sequential
// path is the common case.
func nextBatch(ready []*schemas.Step) []*schemas.Step {
	if ready[0].ParallelSafe {
		batch := make([]*schemas.Step, 0, len(ready))
		for _, s := range ready {
			if s.ParallelSafe {
				batch = append(batch, s)
			}
		}
		return batch
	}
	return ready[:1]
}

func (e *Engine) runBatch(ctx context.Context, sess *session.Session, wf *schemas.Workflow, batch []*schemas.Step, logger *zap.Logger) {
	if len(batch) == 1 {
		e.executeStep(ctx, sess, wf, batch[0], logger)
		return
	}

	// Parallel-safe fans may exceed a concurrency limit of one; a higher
	// configured limit still bounds them.
	limit := e.cfg.Engine().Concurrency
	if limit <= 1 || limit > len(batch) {
		limit = len(batch)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, step := range batch {
		g.Go(func() error {
			e.executeStep(gctx, sess, wf, step, logger)
			return nil
		})
	}
	_ = g.Wait()
}

// executeStep drives one step through its state machine:
// PENDING -> RUNNING -> (SUCCEEDED | FAILED), with FAILED -> RETRYING ->
// RUNNING for transient errors under the attempt ceiling.
func (e *Engine) executeStep(ctx context.Context, sess *session.Session, wf *schemas.Workflow, step *schemas.Step, logger *zap.Logger) {
	slog := logger.With(zap.String("step_id", string(step.ID)), zap.String("kind", string(step.Command.Kind)))

	if step.Barrier {
		step.Status = schemas.StepSucceeded
		step.Result = &schemas.ExecutionResult{Status: schemas.ResultSuccess}
		return
	}

	maxAttempts := e.cfg.Engine().MaxAttempts
	for {
		step.Attempts++
		step.Status = schemas.StepRunning

		output, screenshotRef, err := e.dispatch(ctx, sess, wf, step)
		if err == nil {
			step.Status = schemas.StepSucceeded
			step.Result = &schemas.ExecutionResult{
				Status:        schemas.ResultSuccess,
				Output:        output,
				ScreenshotRef: screenshotRef,
			}
			slog.Debug("Step succeeded", zap.Int("attempts", step.Attempts))
			e.commitResult(ctx, wf, step, slog)
			return
		}

		if ctx.Err() != nil {
			step.Status = schemas.StepAborted
			slog.Info("Step aborted", zap.Error(ctx.Err()))
			return
		}

		if schemas.IsTransient(err) && step.Attempts < maxAttempts {
			step.Status = schemas.StepRetrying
			delay := e.backoff(step.Attempts)
			slog.Warn("Transient step failure, retrying",
				zap.Int("attempt", step.Attempts),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				step.Status = schemas.StepAborted
				return
			case <-time.After(delay):
			}
			continue
		}

		step.Status = schemas.StepFailed
		step.Result = failureResult(err)
		slog.Warn("Step failed",
			zap.Int("attempts", step.Attempts),
			zap.Bool("transient", schemas.IsTransient(err)),
			zap.Error(err))
		return
	}
}

// dispatch resolves parameter references, applies the per-attempt deadline,
// and calls exactly one browser operation under the session execution lock.
func (e *Engine) dispatch(ctx context.Context, sess *session.Session, wf *schemas.Workflow, step *schemas.Step) (map[string]any, string, error) {
	params, err := resolveParams(wf, step)
	if err != nil {
		return nil, "", err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Engine().StepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output map[string]any
	var screenshotRef string
	err = sess.Exclusive(attemptCtx, func(b schemas.BrowserAutomator) error {
		var opErr error
		output, screenshotRef, opErr = invoke(attemptCtx, b, step.Command.Kind, params, step.Command.Target)
		return opErr
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The step deadline, not an abort, expired: transient per policy.
		err = &schemas.TransientExecutionError{Op: strings.ToLower(string(step.Command.Kind)), Err: err}
	}
	return output, screenshotRef, err
}

// invoke maps a command kind onto its single browser-automation call.
func invoke(ctx context.Context, b schemas.BrowserAutomator, kind schemas.CommandKind, params map[string]string, target string) (map[string]any, string, error) {
	switch kind {
	case schemas.CommandNavigate:
		out, err := b.Navigate(ctx, params["url"])
		return out, "", err
	case schemas.CommandSearch:
		query := params["text"]
		if query == "" {
			query = params["query"]
		}
		out, err := b.Search(ctx, query)
		return out, "", err
	case schemas.CommandClick:
		return nil, "", b.Click(ctx, target)
	case schemas.CommandType:
		return nil, "", b.Type(ctx, target, params["text"])
	case schemas.CommandExtract:
		out, err := b.Extract(ctx, params["data_type"], target)
		return out, "", err
	case schemas.CommandScroll:
		amount := 0
		if raw := params["amount"]; raw != "" {
			amount, _ = strconv.Atoi(raw)
		}
		return nil, "", b.Scroll(ctx, params["direction"], amount)
	case schemas.CommandWait:
		timeout := 5 * time.Second
		if raw := params["timeout"]; raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
		return nil, "", b.Wait(ctx, params["condition"], timeout)
	case schemas.CommandScreenshot:
		ref, err := b.Screenshot(ctx)
		return nil, ref, err
	case schemas.CommandFillForm:
		// Fan-out sub-steps carry exactly one field.
		return nil, "", b.FillForm(ctx, map[string]string{params["name"]: params["value"]})
	case schemas.CommandFilter:
		// A filter criterion applies client-side through the page's own
		// controls: one click per criterion control.
		sel := target
		if sel == "" {
			sel = fmt.Sprintf(`[data-filter=%q]`, params["name"])
		}
		return map[string]any{"filter:" + params["name"]: params["value"]}, "", b.Click(ctx, sel)
	case schemas.CommandDownload:
		ref, err := b.Download(ctx, params["url"])
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"file": ref}, "", nil
	case schemas.CommandUpload:
		return nil, "", b.Upload(ctx, target, params["file"])
	default:
		return nil, "", &schemas.PermanentExecutionError{Op: string(kind), Reason: "no browser operation mapped"}
	}
}

// resolveParams substitutes $ref parameters with values from dependency
// results. A reference whose supplier did not produce the value is a
// permanent failure for this step.
func resolveParams(wf *schemas.Workflow, step *schemas.Step) (map[string]string, error) {
	resolved := make(map[string]string, len(step.Command.Params))
	for k, v := range step.Command.Params {
		if !strings.HasPrefix(v, planner.RefPrefix) {
			resolved[k] = v
			continue
		}
		depID, outputKey, err := planner.ParseRef(v)
		if err != nil {
			return nil, &schemas.PermanentExecutionError{Op: "resolve", Reason: err.Error()}
		}
		dep := wf.Step(depID)
		if dep == nil || dep.Result == nil || dep.Result.Output == nil {
			return nil, &schemas.PermanentExecutionError{
				Op:     "resolve",
				Reason: fmt.Sprintf("step %s produced no output for reference %q", depID, v),
			}
		}
		val, ok := dep.Result.Output[outputKey]
		if !ok {
			return nil, &schemas.PermanentExecutionError{
				Op:     "resolve",
				Reason: fmt.Sprintf("step %s output has no key %q", depID, outputKey),
			}
		}
		resolved[k] = fmt.Sprintf("%v", val)
	}
	return resolved, nil
}

// commitResult writes a succeeded step's outputs to the context store and,
// for memory-worthy commands, to the memory layer. Both stores are advisory
// here: failures are logged and the workflow proceeds.
func (e *Engine) commitResult(ctx context.Context, wf *schemas.Workflow, step *schemas.Step, slog *zap.Logger) {
	ttl := e.cfg.ContextStore().TTL
	patch := make(map[string]string)

	if step.Result != nil && len(step.Result.Output) > 0 {
		if encoded, err := json.MarshalToString(step.Result.Output); err == nil {
			patch["step:"+string(step.ID)] = encoded
		}
		if url, ok := step.Result.Output["url"].(string); ok && url != "" {
			patch["last_url"] = url
		}
		if title, ok := step.Result.Output["title"].(string); ok && title != "" {
			patch["last_title"] = title
		}
	}
	if step.Result != nil && step.Result.ScreenshotRef != "" {
		patch["last_screenshot"] = step.Result.ScreenshotRef
	}

	if len(patch) > 0 {
		if err := e.ctxStore.Merge(ctx, wf.SessionID, patch, ttl); err != nil {
			slog.Warn("Context store write failed, proceeding without", zap.Error(err))
		}
	}

	if !step.Command.MemoryWorthy() || step.Result == nil {
		return
	}
	fact := schemas.Fact{
		SessionID: wf.SessionID,
		Kind:      schemas.FactBrowserContext,
		Content:   factContent(step),
		Metadata: map[string]string{
			"workflow_id": wf.ID,
			"step_id":     string(step.ID),
			"kind":        string(step.Command.Kind),
		},
	}
	if err := e.memory.StoreFact(ctx, fact); err != nil {
		slog.Warn("Memory layer write failed, proceeding without", zap.Error(err))
	}
}

// factContent summarizes a step result for memory ranking.
func factContent(step *schemas.Step) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(string(step.Command.Kind)))
	if title, ok := step.Result.Output["title"].(string); ok && title != "" {
		sb.WriteString(" " + title)
	}
	if url, ok := step.Result.Output["url"].(string); ok && url != "" {
		sb.WriteString(" " + url)
	}
	if text, ok := step.Result.Output["text"].(string); ok && text != "" {
		if len(text) > 280 {
			text = text[:280]
		}
		sb.WriteString(" " + text)
	}
	if file, ok := step.Result.Output["file"].(string); ok && file != "" {
		sb.WriteString(" " + file)
	}
	return sb.String()
}

// persistWorkflowState snapshots the workflow into the context store so the
// host can inspect in-flight and historical runs. Best-effort.
func (e *Engine) persistWorkflowState(ctx context.Context, wf *schemas.Workflow) {
	encoded, err := json.MarshalToString(wf)
	if err != nil {
		return
	}
	if err := e.ctxStore.Set(ctx, wf.SessionID, "workflow:"+wf.ID, encoded, e.cfg.ContextStore().TTL); err != nil {
		e.logger.Debug("Failed to persist workflow state", zap.Error(err))
	}
}

// propagateSkips marks pending steps whose dependencies terminally failed or
// aborted, cascading failure forward instead of silently continuing.
func (e *Engine) propagateSkips(wf *schemas.Workflow, logger *zap.Logger) {
	for changed := true; changed; {
		changed = false
		for _, step := range wf.Steps {
			if step.Status != schemas.StepPending {
				continue
			}
			for _, depID := range step.DependsOn {
				dep := wf.Step(depID)
				if dep == nil {
					continue
				}
				if dep.Status == schemas.StepFailed || dep.Status == schemas.StepAborted || dep.Status == schemas.StepSkipped {
					step.Status = schemas.StepSkipped
					logger.Info("Skipping step, dependency did not succeed",
						zap.String("step_id", string(step.ID)),
						zap.String("dependency", string(depID)))
					changed = true
					break
				}
			}
		}
	}
}

// readySteps returns pending steps whose dependencies all reached SUCCEEDED.
// Skipped dependencies block nothing here; propagateSkips already cascaded
// them.
func readySteps(wf *schemas.Workflow) []*schemas.Step {
	var ready []*schemas.Step
	for _, step := range wf.Steps {
		if step.Status != schemas.StepPending {
			continue
		}
		ok := true
		for _, depID := range step.DependsOn {
			dep := wf.Step(depID)
			if dep == nil || dep.Status != schemas.StepSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

func allTerminal(wf *schemas.Workflow) bool {
	for _, s := range wf.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// abortRemaining transitions every non-terminal step to ABORTED.
func (e *Engine) abortRemaining(wf *schemas.Workflow) {
	for _, s := range wf.Steps {
		if !s.Status.Terminal() {
			s.Status = schemas.StepAborted
		}
	}
}

// backoff computes the exponential retry delay with jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	base := e.cfg.Engine().BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := e.cfg.Engine().BackoffMax
	if max <= 0 {
		max = 10 * time.Second
	}

	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	e.rngMu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(base)/2 + 1))
	e.rngMu.Unlock()
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

func failureResult(err error) *schemas.ExecutionResult {
	return &schemas.ExecutionResult{
		Status: schemas.ResultFailure,
		Error:  schemas.ErrorInfoFrom(err),
	}
}
