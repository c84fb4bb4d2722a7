// Package service composes the pipeline: normalize, plan, execute, aggregate.
// It owns the per-turn bookkeeping (conversation history, context snapshots,
// memory recall) that surrounds a single intent submission.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/aggregator"
	"github.com/voxcraft/vox-cli/internal/config"
	"github.com/voxcraft/vox-cli/internal/engine"
	"github.com/voxcraft/vox-cli/internal/normalizer"
	"github.com/voxcraft/vox-cli/internal/planner"
	"github.com/voxcraft/vox-cli/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service is the single entry point hosts call with parsed intents.
type Service struct {
	cfg        config.Interface
	logger     *zap.Logger
	sessions   *session.Manager
	normalizer *normalizer.Normalizer
	planner    *planner.Planner
	engine     *engine.Engine
	ctxStore   schemas.ContextStore
	memory     schemas.MemoryLayer
}

// New wires the pipeline components into a service.
func New(
	cfg config.Interface,
	logger *zap.Logger,
	sessions *session.Manager,
	norm *normalizer.Normalizer,
	plan *planner.Planner,
	eng *engine.Engine,
	ctxStore schemas.ContextStore,
	memory schemas.MemoryLayer,
) (*Service, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("config and logger cannot be nil")
	}
	if sessions == nil || norm == nil || plan == nil || eng == nil {
		return nil, errors.New("pipeline components cannot be nil")
	}
	if ctxStore == nil || memory == nil {
		return nil, errors.New("stores cannot be nil")
	}
	return &Service{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "service")),
		sessions:   sessions,
		normalizer: norm,
		planner:    plan,
		engine:     eng,
		ctxStore:   ctxStore,
		memory:     memory,
	}, nil
}

// SubmitIntent runs one parsed intent through the full pipeline and returns
// the aggregated response. Validation and planning failures surface as
// errors; execution failures do not, they are reported inside the response.
func (s *Service) SubmitIntent(ctx context.Context, sessionID string, raw schemas.RawIntent) (schemas.Response, error) {
	logger := s.logger.With(zap.String("session_id", sessionID))

	sess, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return schemas.Response{}, err
	}

	turn := sess.BumpTurn()
	s.recordTurn(ctx, sessionID, turn, raw)

	commands, err := s.normalizer.Normalize(raw)
	if err != nil {
		logger.Warn("Intent rejected", zap.Error(err))
		return schemas.Response{}, err
	}

	snapshot := s.contextSnapshot(ctx, sessionID)
	facts := s.recallFacts(ctx, raw)

	workflowID := uuid.NewString()
	wf, err := s.planner.Plan(workflowID, sessionID, commands, snapshot, facts)
	if err != nil {
		logger.Warn("Planning failed", zap.Error(err))
		return schemas.Response{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sess.BeginWorkflow(wf, cancel); err != nil {
		return schemas.Response{}, err
	}
	defer sess.EndWorkflow(wf)

	if err := s.engine.Run(runCtx, sess, wf); err != nil {
		return schemas.Response{}, err
	}

	resp := aggregator.Aggregate(wf)
	s.snapshotBrowserState(ctx, sessionID, resp)
	s.rememberWorkflow(ctx, raw, wf, resp)

	logger.Info("Intent completed",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(resp.Status)),
		zap.Int("steps", len(resp.Steps)))
	return resp, nil
}

// AbortSession cancels any in-flight workflow, closes the session's browser,
// and clears its context. Safe to call for unknown sessions.
func (s *Service) AbortSession(ctx context.Context, sessionID string) {
	s.sessions.Abort(ctx, sessionID)
}

// SessionStats reports the status surface for one session.
func (s *Service) SessionStats(ctx context.Context, sessionID string) (schemas.SessionStats, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return schemas.SessionStats{}, fmt.Errorf("unknown session %q", sessionID)
	}
	keys, err := s.ctxStore.Keys(ctx, sessionID)
	if err != nil {
		return schemas.SessionStats{}, err
	}
	factCount, err := s.memory.Count(ctx)
	if err != nil {
		return schemas.SessionStats{}, err
	}
	return schemas.SessionStats{
		SessionID:   sessionID,
		CreatedAt:   sess.CreatedAt,
		Turns:       sess.Turns(),
		Workflows:   sess.WorkflowCount(),
		ContextKeys: len(keys),
		MemoryFacts: factCount,
		InFlight:    sess.InFlight(),
	}, nil
}

// recordTurn appends the raw utterance to the session's conversation list.
// Best-effort; a context store outage never blocks execution.
func (s *Service) recordTurn(ctx context.Context, sessionID string, turn int, raw schemas.RawIntent) {
	entry, err := json.MarshalToString(map[string]any{
		"turn":    turn,
		"intent":  raw.Intent,
		"context": raw.Context,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	csCfg := s.cfg.ContextStore()
	if err := s.ctxStore.Append(ctx, sessionID, "conversation", entry, csCfg.HistoryLimit, csCfg.TTL); err != nil {
		s.logger.Warn("Failed to record conversation turn", zap.Error(err))
	}
}

// contextSnapshot gathers the working-memory keys planning cares about.
func (s *Service) contextSnapshot(ctx context.Context, sessionID string) map[string]string {
	snapshot := make(map[string]string)
	for _, key := range []string{"last_url", "last_title", "last_screenshot"} {
		if val, ok, err := s.ctxStore.Get(ctx, sessionID, key); err == nil && ok {
			snapshot[key] = val
		}
	}
	return snapshot
}

// recallFacts queries long-term memory with the utterance text. Memory
// outages degrade to an empty recall.
func (s *Service) recallFacts(ctx context.Context, raw schemas.RawIntent) []schemas.Fact {
	query := recallQuery(raw)
	if query == "" {
		return nil
	}
	facts, err := s.memory.Query(ctx, query, s.cfg.Memory().TopK)
	if err != nil {
		s.logger.Warn("Memory recall failed, planning without hints", zap.Error(err))
		return nil
	}
	return facts
}

func recallQuery(raw schemas.RawIntent) string {
	parts := []string{raw.Intent, raw.Context, utteranceParams(raw)}
	for _, step := range raw.Steps {
		parts = append(parts, step.Intent, utteranceParams(step))
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// utteranceParams pulls the free-text parameters worth matching against
// memory. Selectors and booleans carry no recall value.
func utteranceParams(raw schemas.RawIntent) string {
	var parts []string
	for _, key := range []string{"text", "query", "url", "condition"} {
		if v, ok := raw.Parameters[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// snapshotBrowserState persists the post-workflow page state so the next
// turn can plan against it.
func (s *Service) snapshotBrowserState(ctx context.Context, sessionID string, resp schemas.Response) {
	state := map[string]any{
		"workflow_id": resp.WorkflowID,
		"status":      resp.Status,
		"at":          resp.CompletedAt.Format(time.RFC3339),
	}
	if url, ok := resp.Data["url"]; ok {
		state["url"] = url
	}
	if title, ok := resp.Data["title"]; ok {
		state["title"] = title
	}
	encoded, err := json.MarshalToString(state)
	if err != nil {
		return
	}
	if err := s.ctxStore.Set(ctx, sessionID, "browser_state", encoded, s.cfg.ContextStore().TTL); err != nil {
		s.logger.Warn("Failed to snapshot browser state", zap.Error(err))
	}
}

// rememberWorkflow stores a workflow-level fact summarizing what happened,
// so future turns can recall "you searched for X yesterday".
func (s *Service) rememberWorkflow(ctx context.Context, raw schemas.RawIntent, wf *schemas.Workflow, resp schemas.Response) {
	if resp.Status != schemas.WorkflowSucceeded {
		return
	}
	content := recallQuery(raw)
	if content == "" {
		return
	}
	fact := schemas.Fact{
		SessionID: wf.SessionID,
		Kind:      schemas.FactWorkflow,
		Content:   content,
		Metadata: map[string]string{
			"workflow_id": wf.ID,
			"status":      string(resp.Status),
			"steps":       fmt.Sprintf("%d", len(resp.Steps)),
		},
	}
	if err := s.memory.StoreFact(ctx, fact); err != nil {
		s.logger.Warn("Failed to store workflow fact", zap.Error(err))
	}
}
