package engine

import (
	"context"
)

// Task is a unit of work with bindable configuration, phase applicability and a criticality flag.
type Task interface {
	// Type returns the registered type name.
	Type() string

	// Name returns the display name.
	Name() string

	// IsCritical reports whether a failure must abort the rest of the phase.
	IsCritical() bool

	// SupportsPhase reports whether the task may run in phase.
	SupportsPhase(phase Phase) bool

	// Properties returns the bindable property descriptors, bound to this instance.
	Properties() []*Property

	// Execute performs the work. Properties have been bound and validated.
	Execute(ctx context.Context, state *State) error
}

// BaseTask implements the identity parts of Task for embedding.
type BaseTask struct {
	TypeName    string
	DisplayName string
	Critical    bool

	// Phases lists the supported phases. Empty means every executable phase.
	Phases []Phase
}

// Type returns the registered type name.
func (t *BaseTask) Type() string { return t.TypeName }

// Name returns the display name, defaulting to the type name.
func (t *BaseTask) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.TypeName
}

// IsCritical reports whether a failure aborts the phase.
func (t *BaseTask) IsCritical() bool { return t.Critical }

// SupportsPhase reports whether the task may run in phase.
func (t *BaseTask) SupportsPhase(phase Phase) bool {
	if phase.IsTerminal() {
		return false
	}
	if len(t.Phases) == 0 {
		return true
	}
	for _, p := range t.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// SetName overrides the display name.
func (t *BaseTask) SetName(name string) { t.DisplayName = name }

// SetCritical overrides the criticality flag.
func (t *BaseTask) SetCritical(critical bool) { t.Critical = critical }

// Properties returns no properties.
func (t *BaseTask) Properties() []*Property { return nil }

// identityOverrider is implemented by tasks embedding BaseTask.
type identityOverrider interface {
	SetName(name string)
	SetCritical(critical bool)
}
