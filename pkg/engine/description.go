package engine

import (
	"fmt"
	"sort"
)

// Description is the serializable form of a task sequence.
type Description struct {
	// ID uniquely identifies the sequence.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is an optional summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Steps maps each phase to its ordered steps.
	Steps map[Phase][]StepDescription `json:"steps" yaml:"steps" validate:"dive,dive"`
}

// StepDescription is one task entry of a Description.
type StepDescription struct {
	// Type is the registered task type name.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Name overrides the task's display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Critical overrides the task's default criticality.
	Critical *bool `json:"critical,omitempty" yaml:"critical,omitempty"`

	// Properties are assigned onto the task instance by name.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Phases returns the described phases in lifecycle order.
func (d *Description) Phases() []Phase {
	var out []Phase
	for _, p := range Phases() {
		if _, ok := d.Steps[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// TaskCount returns the number of described steps across all phases.
func (d *Description) TaskCount() int {
	n := 0
	for _, steps := range d.Steps {
		n += len(steps)
	}
	return n
}

// CheckPhases verifies that every described phase is an executable phase.
func (d *Description) CheckPhases() error {
	var bad []string
	for p := range d.Steps {
		if err := p.Validate(); err != nil || p.IsTerminal() {
			bad = append(bad, string(p))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("description %s has steps for unknown phases: %v", d.ID, bad)
	}
	return nil
}
