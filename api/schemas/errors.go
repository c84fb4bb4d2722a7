package schemas

import (
	"context"
	"errors"
	"fmt"
)

// -- Error Taxonomy --
//
// Planning-phase errors (Parse, Validation, Planning) abort before any
// browser interaction. Execution-phase errors are local to their step and
// its dependents. Context/memory errors are non-fatal unless a command
// explicitly requires the missing value.

// ParseError indicates a malformed or unsupported raw intent. Never retried.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %s", e.Reason) }

// UnsupportedCommandError indicates an intent type outside the known variant set.
type UnsupportedCommandError struct {
	Kind string
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported command type %q", e.Kind)
}

// ValidationError indicates a command that fails its per-kind param schema.
type ValidationError struct {
	Kind   CommandKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s command: field %q: %s", e.Kind, e.Field, e.Reason)
}

// PlanningError indicates the planner could not construct a valid workflow
// (circular dependencies, malformed expansion). The workflow never starts.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return fmt.Sprintf("planning error: %s", e.Reason) }

// UnresolvableReferenceError indicates a step parameter referencing an output
// no prior step can supply.
type UnresolvableReferenceError struct {
	StepID StepID
	Ref    string
}

func (e *UnresolvableReferenceError) Error() string {
	return fmt.Sprintf("step %s: unresolvable reference %q", e.StepID, e.Ref)
}

// TransientExecutionError wraps a retryable failure from the browser service
// (timeouts, transient network errors).
type TransientExecutionError struct {
	Op  string
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// PermanentExecutionError wraps a non-retryable failure (element not found
// after DOM stabilized, invalid selector, auth failure). It fails the step
// immediately and skips all downstream dependents.
type PermanentExecutionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent error in %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent error in %s: %s", e.Op, e.Reason)
}

func (e *PermanentExecutionError) Unwrap() error { return e.Err }

// ContextStoreError wraps context store transport failures. Non-fatal to the
// workflow: the engine logs and proceeds without the missing context.
type ContextStoreError struct {
	Op  string
	Err error
}

func (e *ContextStoreError) Error() string {
	return fmt.Sprintf("context store %s failed: %v", e.Op, e.Err)
}

func (e *ContextStoreError) Unwrap() error { return e.Err }

// MemoryLayerError wraps memory layer transport failures. Non-fatal to the
// workflow.
type MemoryLayerError struct {
	Op  string
	Err error
}

func (e *MemoryLayerError) Error() string {
	return fmt.Sprintf("memory layer %s failed: %v", e.Op, e.Err)
}

func (e *MemoryLayerError) Unwrap() error { return e.Err }

// ResourceExhaustedError indicates no browser handle or session slot is
// available. This is the only class fatal to SubmitIntent itself.
type ResourceExhaustedError struct {
	Resource string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// IsTransient classifies an execution error for the retry policy. Deadline
// expiry counts as transient; anything explicitly permanent, or unknown, does
// not get retried.
func IsTransient(err error) bool {
	var transient *TransientExecutionError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentExecutionError
	if errors.As(err, &permanent) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorInfoFrom flattens an execution error into its serializable form.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	class := "PermanentExecutionError"
	if IsTransient(err) {
		class = "TransientExecutionError"
	}
	var ctxErr *ContextStoreError
	var memErr *MemoryLayerError
	switch {
	case errors.As(err, &ctxErr):
		class = "ContextStoreError"
	case errors.As(err, &memErr):
		class = "MemoryLayerError"
	}
	return &ErrorInfo{Class: class, Message: err.Error()}
}
