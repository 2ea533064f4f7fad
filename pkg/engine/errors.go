package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an engine error by how the run must react to it.
type ErrorClass string

const (
	// ErrorClassValidation indicates a bound property failed a declared constraint.
	// Raised before the owning task executes and always fatal to that task.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResolution indicates a description referenced an unregistered task type,
	// an unknown property, or a stored sequence id that does not exist.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassSelectionExhausted indicates a selection pipeline started from an empty candidate set.
	ErrorClassSelectionExhausted ErrorClass = "selection_exhausted"

	// ErrorClassCollaborator indicates an injected external service failed.
	ErrorClassCollaborator ErrorClass = "collaborator"

	// ErrorClassTaskFailure indicates a task returned an error from Execute.
	ErrorClassTaskFailure ErrorClass = "task_failure"
)

// EngineError represents a classified error with task context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Task is the name of the task that raised or owns the error.
	Task string `json:"task,omitempty"`

	// Phase is the phase that was executing when the error occurred.
	Phase Phase `json:"phase,omitempty"`

	// Property is the bindable property that failed, if applicable.
	Property string `json:"property,omitempty"`

	// Critical is set on task failures raised by critical tasks.
	Critical bool `json:"critical,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Task != "" {
		ctx = append(ctx, "task="+e.Task)
	}
	if e.Phase != "" {
		ctx = append(ctx, "phase="+string(e.Phase))
	}
	if e.Property != "" {
		ctx = append(ctx, "property="+e.Property)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrorClass returns the class as a plain string for metrics labels.
func (e *EngineError) ErrorClass() string {
	return string(e.Class)
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error for the named property.
func NewValidationError(property, message string, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassValidation,
		Code:     ErrCodeValidation,
		Message:  message,
		Property: property,
		Err:      err,
	}
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResolution,
		Message: message,
		Err:     err,
	}
}

// NewSelectionExhaustedError creates the error returned when no candidate resource exists.
func NewSelectionExhaustedError(resource string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSelectionExhausted,
		Code:    ErrCodeNoCandidates,
		Message: fmt.Sprintf("no %s available", resource),
		Err:     err,
	}
}

// CollaboratorFailure wraps an error surfaced by an external service.
func CollaboratorFailure(service, operation string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCollaborator,
		Code:    ErrCodeCollaboratorFailed,
		Message: fmt.Sprintf("%s %s failed", service, operation),
		Err:     err,
	}
}

// NewTaskFailure wraps an error returned by a task during execution.
func NewTaskFailure(task Task, phase Phase, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassTaskFailure,
		Code:     ErrCodeTaskFailed,
		Message:  "task failed",
		Task:     task.Name(),
		Phase:    phase,
		Critical: task.IsCritical(),
		Err:      err,
	}
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(name string) *EngineError {
	e.Task = name
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// WithProperty adds property context to an error.
func (e *EngineError) WithProperty(property string) *EngineError {
	e.Property = property
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// withContext fills in task and phase without overwriting context set closer to the failure.
func (e *EngineError) withContext(task string, phase Phase) *EngineError {
	if e.Task == "" {
		e.Task = task
	}
	if e.Phase == "" {
		e.Phase = phase
	}
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Class == class {
			return true
		}
		err = e.Err
	}
	return false
}

// IsValidation returns true if the error chain contains a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsResolution returns true if the error chain contains a resolution error.
func IsResolution(err error) bool {
	return hasClass(err, ErrorClassResolution)
}

// IsSelectionExhausted returns true if the error chain contains a selection exhausted error.
func IsSelectionExhausted(err error) bool {
	return hasClass(err, ErrorClassSelectionExhausted)
}

// IsCollaborator returns true if the error chain contains a collaborator error.
func IsCollaborator(err error) bool {
	return hasClass(err, ErrorClassCollaborator)
}

// IsTaskFailure returns true if the error chain contains a task failure.
func IsTaskFailure(err error) bool {
	return hasClass(err, ErrorClassTaskFailure)
}

// IsCriticalFailure returns true if the error is a task failure raised by a critical task.
func IsCriticalFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTaskFailure && e.Critical
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeRequired           = "REQUIRED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeUnknownTaskType    = "UNKNOWN_TASK_TYPE"
	ErrCodeUnknownProperty    = "UNKNOWN_PROPERTY"
	ErrCodeUnsupportedPhase   = "UNSUPPORTED_PHASE"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodeNoCandidates       = "NO_CANDIDATES"
	ErrCodeCollaboratorFailed = "COLLABORATOR_FAILED"
	ErrCodeTaskFailed         = "TASK_FAILED"
	ErrCodeCancelled          = "CANCELLED"
)
