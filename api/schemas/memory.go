package schemas

import "time"

// -- Memory Layer Schemas --

// FactKind distinguishes what a long-term memory fact describes.
type FactKind string

const (
	FactConversation   FactKind = "CONVERSATION"
	FactBrowserContext FactKind = "BROWSER_CONTEXT"
	FactWorkflow       FactKind = "WORKFLOW"
)

// Fact is one append-only unit of cross-session memory. Facts outlive the
// session that produced them; there is no update, only supersession by newer
// facts during relevance ranking.
type Fact struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Kind      FactKind          `json:"kind"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float64         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
