// Package selection narrows a set of candidate resources down to a single decision
// through an ordered list of condition/action steps.
//
// A step never empties the candidate set: when an include or exclude would leave
// nothing, the step falls back to its unfiltered input and logs a warning. Only an
// empty initial set yields ErrNoCandidates.
package selection

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCandidates is returned when a pipeline starts from an empty candidate set.
var ErrNoCandidates = errors.New("no candidates to select from")

// ErrDuplicateCandidate is returned when two candidates of one set share an ID.
var ErrDuplicateCandidate = errors.New("duplicate candidate id")

// Well-known attribute names consumed by the built-in conditions.
const (
	AttrID             = "id"
	AttrSize           = "size"
	AttrPartitionCount = "partition_count"
	AttrPartitionStyle = "partition_style"
	AttrReadOnly       = "read_only"
)

// Candidate is an attribute-bearing resource supplied by an external enumerator.
type Candidate interface {
	// ID identifies the candidate for set membership. It must be unique
	// within the candidate set passed to a Pipeline.
	ID() string

	// Attributes exposes the fields predicates may read.
	Attributes() map[string]any
}

// Action is what a step does with the candidates matching its condition.
type Action string

const (
	// ActionInclude keeps only matching candidates.
	ActionInclude Action = "include"

	// ActionExclude drops matching candidates.
	ActionExclude Action = "exclude"

	// ActionNone passes candidates through unchanged.
	ActionNone Action = "none"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionInclude, ActionExclude, ActionNone:
		return nil
	default:
		return fmt.Errorf("invalid selection action: %q", string(a))
	}
}

// ParseAction converts a string into an Action, accepting any letter case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if err := a.Validate(); err != nil {
		return "", err
	}
	return a, nil
}

// Builtin names an aggregate condition that compares candidates across the whole set.
type Builtin string

const (
	// BuiltinEmpty matches candidates without partitions.
	BuiltinEmpty Builtin = "empty"

	// BuiltinLargest matches the candidates with the greatest size.
	BuiltinLargest Builtin = "largest"

	// BuiltinSmallest matches the candidates with the smallest size.
	BuiltinSmallest Builtin = "smallest"

	// BuiltinReadOnly matches write-protected candidates.
	BuiltinReadOnly Builtin = "read_only"

	// BuiltinUninitialized matches candidates without a partition table.
	BuiltinUninitialized Builtin = "uninitialized"
)

// Builtins returns every known built-in condition name.
func Builtins() []Builtin {
	return []Builtin{BuiltinEmpty, BuiltinLargest, BuiltinSmallest, BuiltinReadOnly, BuiltinUninitialized}
}

// Condition selects the matching subset of a candidate set.
// Exactly one of Expression, Builtin or Match must be set.
type Condition struct {
	// Expression is a boolean predicate evaluated once per candidate,
	// e.g. `bus_type == "NVMe" and size >= 256 * GB`.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Builtin names an aggregate predicate.
	Builtin Builtin `json:"builtin,omitempty" yaml:"builtin,omitempty"`

	// Match is a code-supplied per-candidate predicate.
	Match func(Candidate) bool `json:"-" yaml:"-"`
}

// Validate checks that exactly one predicate form is set.
func (c Condition) Validate() error {
	n := 0
	if c.Expression != "" {
		n++
	}
	if c.Builtin != "" {
		n++
		if !isBuiltin(c.Builtin) {
			return fmt.Errorf("unknown builtin condition: %q", string(c.Builtin))
		}
	}
	if c.Match != nil {
		n++
	}
	switch n {
	case 0:
		return errors.New("condition has no predicate")
	case 1:
		return nil
	default:
		return errors.New("condition must set exactly one of expression, builtin or match")
	}
}

// String returns a short description used in logs.
func (c Condition) String() string {
	switch {
	case c.Expression != "":
		return c.Expression
	case c.Builtin != "":
		return "builtin:" + string(c.Builtin)
	case c.Match != nil:
		return "func"
	default:
		return "<empty>"
	}
}

// Step is one condition/action unit of a pipeline.
type Step struct {
	// Name labels the step in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Condition selects the matching candidates.
	Condition Condition `json:"condition" yaml:"condition"`

	// Action decides what happens to the matches.
	Action Action `json:"action" yaml:"action"`
}

// Validate checks the step's condition and action.
func (s Step) Validate() error {
	if err := s.Action.Validate(); err != nil {
		return err
	}
	if s.Action == ActionNone {
		return nil
	}
	return s.Condition.Validate()
}

// Label returns the step name, or a description derived from its condition.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s %s", s.Action, s.Condition)
}

// Include builds an include step.
func Include(name string, c Condition) Step {
	return Step{Name: name, Condition: c, Action: ActionInclude}
}

// Exclude builds an exclude step.
func Exclude(name string, c Condition) Step {
	return Step{Name: name, Condition: c, Action: ActionExclude}
}

// Expr builds an expression condition.
func Expr(expression string) Condition {
	return Condition{Expression: expression}
}

// Is builds a built-in condition.
func Is(b Builtin) Condition {
	return Condition{Builtin: b}
}

// Func builds a code-supplied condition.
func Func(match func(Candidate) bool) Condition {
	return Condition{Match: match}
}
