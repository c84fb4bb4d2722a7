package schemas

import (
	"context"
	"time"
)

// -- Component Interfaces --
//
// Cross-component contracts live here so that packages depend on schemas
// rather than on each other's concrete types.

// BrowserAutomator is the fixed contract against the external browser
// automation service. One automator instance is one browser handle, owned
// exclusively by its session; calls are synchronous from the engine's view.
type BrowserAutomator interface {
	Navigate(ctx context.Context, url string) (map[string]any, error)
	Search(ctx context.Context, query string) (map[string]any, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Extract(ctx context.Context, dataType, selector string) (map[string]any, error)
	Scroll(ctx context.Context, direction string, amount int) error
	Wait(ctx context.Context, condition string, timeout time.Duration) error
	Screenshot(ctx context.Context) (string, error)
	FillForm(ctx context.Context, fields map[string]string) error
	Download(ctx context.Context, url string) (string, error)
	Upload(ctx context.Context, selector, fileRef string) error
	Close(ctx context.Context) error
}

// ContextStore is session-scoped working memory with expiry. Values are
// JSON-encoded strings; reads never observe expired entries.
type ContextStore interface {
	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	Set(ctx context.Context, sessionID, key, value string, ttl time.Duration) error
	// Merge applies a last-write-wins patch of keys in one operation.
	Merge(ctx context.Context, sessionID string, patch map[string]string, ttl time.Duration) error
	// Append pushes a value onto a session-scoped list, trimming it to max
	// entries (newest first).
	Append(ctx context.Context, sessionID, key, value string, max int, ttl time.Duration) error
	// List returns up to limit newest-first entries of a session-scoped list.
	List(ctx context.Context, sessionID, key string, limit int) ([]string, error)
	// Keys returns the live (unexpired) keys of a session.
	Keys(ctx context.Context, sessionID string) ([]string, error)
	// Clear removes every entry belonging to the session.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore is the persistence transport behind the memory layer. Ranking
// happens above it, in the layer itself.
type MemoryStore interface {
	Insert(ctx context.Context, fact Fact) error
	All(ctx context.Context) ([]Fact, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// MemoryLayer is long-lived, cross-session knowledge with relevance-ranked
// retrieval. Query ordering is deterministic given identical inputs.
type MemoryLayer interface {
	StoreFact(ctx context.Context, fact Fact) error
	Query(ctx context.Context, query string, topK int) ([]Fact, error)
	Count(ctx context.Context) (int, error)
}
