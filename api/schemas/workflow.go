package schemas

import (
	"time"
)

// -- Step & Workflow Schemas --

// StepID identifies one step inside a workflow. IDs are deterministic per
// plan ("s1", "s2", ...) so that planning the same commands twice yields an
// identical graph.
type StepID string

// StepStatus is the scheduling state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepRetrying  StepStatus = "RETRYING"
	StepSkipped   StepStatus = "SKIPPED"
	StepAborted   StepStatus = "ABORTED"
)

// Terminal reports whether the status is final for scheduling purposes.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepAborted:
		return true
	}
	return false
}

// Step is one schedulable unit of execution derived from a command.
type Step struct {
	ID        StepID   `json:"id"`
	Command   Command  `json:"command"`
	DependsOn []StepID `json:"depends_on,omitempty"`

	// Barrier marks a synthetic join point emitted by the planner (the
	// "submit after all fields" rendezvous). Barrier steps perform no
	// browser operation.
	Barrier bool `json:"barrier,omitempty"`

	// ParallelSafe allows the step to run beyond the per-session concurrency
	// limit of one. Only read-only operations against already-materialized
	// DOM state qualify.
	ParallelSafe bool `json:"parallel_safe,omitempty"`

	// Timeout is the per-attempt execution deadline. Exceeding it counts as
	// a transient error subject to the retry policy.
	Timeout time.Duration `json:"timeout_ns,omitempty"`

	Status   StepStatus       `json:"status"`
	Attempts int              `json:"attempts"`
	Result   *ExecutionResult `json:"result,omitempty"`
}

// WorkflowStatus is the aggregate state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowAborted   WorkflowStatus = "ABORTED"
)

// Terminal reports whether the workflow reached a final state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed || s == WorkflowAborted
}

// Workflow is the full dependency graph of steps for one submitted intent.
// It is owned by exactly one session for its lifetime.
type Workflow struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`

	// Steps are kept in plan order; dependency edges encode the partial order.
	Steps []*Step `json:"steps"`

	Status WorkflowStatus `json:"status"`

	// MemoryHints carries the memory facts the planner consulted, for
	// observability and response enrichment.
	MemoryHints []string `json:"memory_hints,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id StepID) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// DeriveStatus recomputes the aggregate workflow status from its steps.
// The workflow is terminal only once every step is terminal: FAILED wins over
// ABORTED, which wins over SUCCEEDED.
func (w *Workflow) DeriveStatus() WorkflowStatus {
	anyFailed := false
	anyAborted := false
	for _, s := range w.Steps {
		if !s.Status.Terminal() {
			return WorkflowRunning
		}
		switch s.Status {
		case StepFailed:
			anyFailed = true
		case StepAborted:
			anyAborted = true
		}
	}
	switch {
	case anyFailed:
		return WorkflowFailed
	case anyAborted:
		return WorkflowAborted
	default:
		return WorkflowSucceeded
	}
}
