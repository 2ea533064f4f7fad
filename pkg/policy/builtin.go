package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyKnownPhases      = "known-phases"
	PolicyNonEmptySequence = "non-empty-sequence"
	PolicyDiskBeforeImage  = "disk-before-image"
	PolicyPhaseHandoff     = "phase-handoff"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		knownPhasesPolicy(),
		nonEmptySequencePolicy(),
		diskBeforeImagePolicy(),
		phaseHandoffPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        rego,
	}
}

// knownPhasesPolicy rejects steps declared for phases that never execute.
func knownPhasesPolicy() Policy {
	return builtin(PolicyKnownPhases,
		"Steps may only be declared for executable phases",
		SeverityError,
		[]string{"structure"},
		`package osdeploy.policies.phases

import rego.v1

deny contains violation if {
	some phase, _ in input.sequence.steps
	not phase in input.phases
	violation := {
		"message": sprintf("steps are declared for %s, which is not an executable phase", [phase]),
		"phase": phase,
	}
}
`)
}

// nonEmptySequencePolicy rejects sequences without any step.
func nonEmptySequencePolicy() Policy {
	return builtin(PolicyNonEmptySequence,
		"A sequence must contain at least one step",
		SeverityError,
		[]string{"structure"},
		`package osdeploy.policies.nonempty

import rego.v1

step_count := count([step |
	some steps in input.sequence.steps
	some step in steps
])

deny contains violation if {
	step_count == 0
	violation := {"message": sprintf("sequence %s has no steps", [input.sequence.id])}
}
`)
}

// diskBeforeImagePolicy requires an installation disk to be selected before an
// image is applied, either in an earlier phase or earlier in the same phase.
func diskBeforeImagePolicy() Policy {
	return builtin(PolicyDiskBeforeImage,
		"ApplyImage must be preceded by SelectDisk",
		SeverityError,
		[]string{"ordering", "disk"},
		`package osdeploy.policies.disk

import rego.v1

deny contains violation if {
	some i, phase in input.phases
	some j, step in input.sequence.steps[phase]
	step.type == "ApplyImage"
	not disk_selected_before(i, j)
	violation := {
		"message": sprintf("%s step %d applies an image before any SelectDisk step", [phase, j]),
		"phase": phase,
		"step": j,
	}
}

disk_selected_before(i, _) if {
	some k, phase in input.phases
	k < i
	some step in input.sequence.steps[phase]
	step.type == "SelectDisk"
}

disk_selected_before(i, j) if {
	phase := input.phases[i]
	some k, step in input.sequence.steps[phase]
	k < j
	step.type == "SelectDisk"
}
`)
}

// phaseHandoffPolicy warns about steps that follow a phase change in the same phase.
func phaseHandoffPolicy() Policy {
	return builtin(PolicyPhaseHandoff,
		"SetPhase should be the last step of its phase",
		SeverityWarning,
		[]string{"ordering"},
		`package osdeploy.policies.handoff

import rego.v1

deny contains violation if {
	some phase, steps in input.sequence.steps
	some j, step in steps
	step.type == "SetPhase"
	rest := count(steps) - j - 1
	rest > 0
	violation := {
		"message": sprintf("%s step %d changes the phase but %d step(s) follow it", [phase, j, rest]),
		"phase": phase,
		"step": j,
	}
}
`)
}
