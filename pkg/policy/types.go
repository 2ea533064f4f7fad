package policy

import (
	"time"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects a sequence.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module's deny set is evaluated.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with osdeploy.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single policy violation of a sequence description.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Phase is the phase of the offending step, if any.
	Phase string `json:"phase,omitempty"`

	// Step is the index of the offending step within its phase, or -1.
	Step int `json:"step"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the sequence may be built.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the sequence.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput represents the input data for policy evaluation.
type PolicyInput struct {
	// Sequence is the description being evaluated.
	Sequence *engine.Description `json:"sequence"`

	// Phases lists the executable phases in lifecycle order.
	Phases []engine.Phase `json:"phases"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Operation is the action being performed (check, import, run).
	Operation string `json:"operation"`

	// Timestamp is when the evaluation was requested.
	Timestamp time.Time `json:"timestamp"`
}
