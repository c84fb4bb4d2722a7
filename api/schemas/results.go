package schemas

import "time"

// -- Execution Result & Response Schemas --

// ResultStatus is the outcome of a single browser operation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// ErrorInfo is the serializable form of a step failure.
type ErrorInfo struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// ExecutionResult captures what one executed step produced.
type ExecutionResult struct {
	Status        ResultStatus   `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
}

// StepSummary is the per-step slice of a response, reported in plan order.
type StepSummary struct {
	StepID   StepID      `json:"step_id"`
	Kind     CommandKind `json:"kind"`
	Status   StepStatus  `json:"status"`
	Attempts int         `json:"attempts"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

// Response is the single record returned to the caller for one submitted
// intent. It is always produced, even on partial failure, so the host can
// render partial results instead of a hard error.
type Response struct {
	WorkflowID string         `json:"workflow_id"`
	SessionID  string         `json:"session_id"`
	Status     WorkflowStatus `json:"status"`
	Steps      []StepSummary  `json:"steps"`

	// Data merges every step's extracted output; later steps override
	// earlier ones on key collision.
	Data map[string]any `json:"data,omitempty"`

	Screenshots []string  `json:"screenshots,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// SessionStats summarizes one session for the host's status surface.
type SessionStats struct {
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	Turns       int       `json:"turns"`
	Workflows   int       `json:"workflows"`
	ContextKeys int       `json:"context_keys"`
	MemoryFacts int       `json:"memory_facts"`
	InFlight    bool      `json:"in_flight"`
}
