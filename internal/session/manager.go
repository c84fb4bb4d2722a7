// Package session owns the mapping between session IDs and browser handles.
// One session maps to exactly one browser instance; handles are never shared
// across sessions, and a session runs at most one workflow at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

// ErrWorkflowInFlight is returned when a session already has a running
// workflow.
var ErrWorkflowInFlight = errors.New("session already has a workflow in flight")

// BrowserFactory creates a fresh browser handle for a new session.
type BrowserFactory func(ctx context.Context) (schemas.BrowserAutomator, error)

// Session is the long-lived execution context owning one browser handle.
type Session struct {
	ID        string
	CreatedAt time.Time

	browser schemas.BrowserAutomator
	limiter *rate.Limiter

	// execMu is held only while a step is actually calling the external
	// browser service, enforcing exclusive handle ownership.
	execMu sync.Mutex

	mu         sync.Mutex
	inflight   *schemas.Workflow
	cancelWork context.CancelFunc
	history    []string
	turns      int
	lastActive time.Time
	closed     bool
}

// Exclusive runs fn against the session's browser handle under the execution
// lock, after the per-handle rate limiter admits the call.
func (s *Session) Exclusive(ctx context.Context, fn func(b schemas.BrowserAutomator) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		// Pacing failed before the browser was touched, so the step is
		// safe to retry.
		return &schemas.TransientExecutionError{Op: "pacing", Err: err}
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return fn(s.browser)
}

// BeginWorkflow registers wf as the session's single in-flight workflow.
func (s *Session) BeginWorkflow(wf *schemas.Workflow, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &schemas.ResourceExhaustedError{Resource: "session " + s.ID + " is closed"}
	}
	if s.inflight != nil {
		return ErrWorkflowInFlight
	}
	s.inflight = wf
	s.cancelWork = cancel
	s.lastActive = time.Now()
	return nil
}

// EndWorkflow releases the in-flight slot and records the workflow in the
// session history.
func (s *Session) EndWorkflow(wf *schemas.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil && s.inflight.ID == wf.ID {
		s.inflight = nil
		s.cancelWork = nil
	}
	s.history = append(s.history, wf.ID)
	s.lastActive = time.Now()
}

// BumpTurn increments and returns the conversation turn counter.
func (s *Session) BumpTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	s.lastActive = time.Now()
	return s.turns
}

// Turns returns the conversation turn count.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// InFlight reports whether a workflow is currently running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// WorkflowCount returns the number of completed workflows.
func (s *Session) WorkflowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// abort cancels any in-flight workflow and closes the browser handle. Safe
// to call more than once.
func (s *Session) abort(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelWork
	s.cancelWork = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait for any step currently on the wire before tearing the handle down.
	s.execMu.Lock()
	defer s.execMu.Unlock()
	_ = s.browser.Close(ctx)
}

// Manager creates, tracks, and reaps sessions.
type Manager struct {
	cfg      config.Interface
	logger   *zap.Logger
	factory  BrowserFactory
	ctxStore schemas.ContextStore

	mu       sync.Mutex
	sessions map[string]*Session
	// pending maps a session ID being created to a channel closed when the
	// creation resolves, so concurrent acquirers wait instead of racing.
	pending map[string]chan struct{}
}

// NewManager creates a session manager.
func NewManager(cfg config.Interface, logger *zap.Logger, factory BrowserFactory, ctxStore schemas.ContextStore) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session_manager")),
		factory:  factory,
		ctxStore: ctxStore,
		sessions: make(map[string]*Session),
		pending:  make(map[string]chan struct{}),
	}
}

// Acquire returns the session for the given ID, creating it (and its browser
// handle) on first use. Concurrent acquirers of an ID still being created
// block until the launch resolves, then share the one session. Exceeding the
// session limit is fatal to the submit call, the only error class that is.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Session, error) {
	for {
		m.mu.Lock()
		if sess, ok := m.sessions[sessionID]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		wait, creating := m.pending[sessionID]
		if !creating {
			// Pending launches hold slots too, or concurrent creates
			// could overshoot the limit.
			if len(m.sessions)+len(m.pending) >= m.cfg.Session().MaxSessions {
				m.mu.Unlock()
				return nil, &schemas.ResourceExhaustedError{Resource: "session slots"}
			}
			done := make(chan struct{})
			m.pending[sessionID] = done
			m.mu.Unlock()
			return m.create(ctx, sessionID, done)
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
			// Launch resolved; loop to pick up the session, or claim the
			// slot ourselves if it failed.
		}
	}
}

// create launches the browser for a reserved slot. done is closed once the
// slot resolves either way, releasing any waiting acquirers.
func (m *Manager) create(ctx context.Context, sessionID string, done chan struct{}) (*Session, error) {
	browser, err := m.factory(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
		close(done)
		return nil, &schemas.ResourceExhaustedError{Resource: "browser handle: " + err.Error()}
	}

	opsPerSec := m.cfg.Engine().BrowserOpsPerSecond
	if opsPerSec <= 0 {
		opsPerSec = 4
	}
	sess := &Session{
		ID:         sessionID,
		CreatedAt:  time.Now().UTC(),
		browser:    browser,
		limiter:    rate.NewLimiter(rate.Limit(opsPerSec), 1),
		lastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	delete(m.pending, sessionID)
	m.mu.Unlock()
	close(done)

	m.logger.Info("Session created", zap.String("session_id", sessionID))
	return sess, nil
}

// Get returns an existing session without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Abort cancels the session's in-flight workflow, releases its browser
// handle, and drops its context entries. Aborting an unknown or already
// aborted session is a no-op, making the operation idempotent.
func (m *Manager) Abort(ctx context.Context, sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.abort(ctx)
	if err := m.ctxStore.Clear(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to clear session context", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Info("Session aborted", zap.String("session_id", sessionID))
}

// Sweep reaps sessions idle longer than the configured TTL.
func (m *Manager) Sweep(ctx context.Context) {
	ttl := m.cfg.Session().IdleTTL
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var stale []string
	for id, sess := range m.sessions {
		if !sess.InFlight() && sess.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("Reaping idle session", zap.String("session_id", id))
		m.Abort(ctx, id)
	}
}

// RunSweeper blocks, reaping idle sessions on the configured interval until
// the context is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.cfg.Session().SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown aborts every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Abort(ctx, id)
	}
}
