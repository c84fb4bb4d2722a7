// Package contextstore provides session-scoped key/value working memory with
// expiry. Two transports implement the schemas.ContextStore contract: an
// in-process store and a redis-backed one mirroring the shape of the
// production cache.
package contextstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	value     string
	list      []string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore is an in-process context store. Expired entries are invisible to
// reads and lazily purged on access.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]entry
	now      func() time.Time
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]map[string]entry),
		now:      time.Now,
	}
}

// Get returns the live value for a key, if any.
func (s *MemStore) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sessions[sessionID]
	e, ok := keys[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(s.now()) {
		delete(keys, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores a value with a TTL. A zero TTL means no expiry.
func (s *MemStore) Set(_ context.Context, sessionID, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(sessionID, key, entry{value: value, expiresAt: s.deadline(ttl)})
	return nil
}

// Merge applies a last-write-wins patch of keys.
func (s *MemStore) Merge(_ context.Context, sessionID string, patch map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.deadline(ttl)
	for k, v := range patch {
		s.put(sessionID, k, entry{value: v, expiresAt: deadline})
	}
	return nil
}

// Append pushes a value onto a list key, newest first, trimmed to max.
func (s *MemStore) Append(_ context.Context, sessionID, key, value string, max int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.ensure(sessionID)
	e := keys[key]
	if e.expired(s.now()) {
		e = entry{}
	}
	e.list = append([]string{value}, e.list...)
	if max > 0 && len(e.list) > max {
		e.list = e.list[:max]
	}
	e.expiresAt = s.deadline(ttl)
	keys[key] = e
	return nil
}

// List returns up to limit newest-first entries of a list key.
func (s *MemStore) List(_ context.Context, sessionID, key string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sessions[sessionID]
	e, ok := keys[key]
	if !ok || e.expired(s.now()) {
		if ok {
			delete(keys, key)
		}
		return nil, nil
	}
	if limit <= 0 || limit > len(e.list) {
		limit = len(e.list)
	}
	out := make([]string, limit)
	copy(out, e.list[:limit])
	return out, nil
}

// Keys returns the live keys of a session, sorted for determinism.
func (s *MemStore) Keys(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sessions[sessionID]
	now := s.now()
	var out []string
	for k, e := range keys {
		if e.expired(now) {
			delete(keys, k)
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes every entry belonging to the session.
func (s *MemStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// SetClock overrides the time source. Tests only.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) ensure(sessionID string) map[string]entry {
	keys, ok := s.sessions[sessionID]
	if !ok {
		keys = make(map[string]entry)
		s.sessions[sessionID] = keys
	}
	return keys
}

func (s *MemStore) put(sessionID, key string, e entry) {
	s.ensure(sessionID)[key] = e
}

func (s *MemStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
