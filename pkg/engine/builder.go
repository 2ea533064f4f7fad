package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ConfigureFunc customizes a freshly constructed task before it is added to a sequence.
type ConfigureFunc func(task Task, state *State) error

// Configure adapts a typed configuration callback to a ConfigureFunc.
func Configure[T Task](fn func(task T, state *State) error) ConfigureFunc {
	return func(task Task, state *State) error {
		t, ok := task.(T)
		if !ok {
			var want T
			return fmt.Errorf("configure: task %s is %T, want %T", task.Name(), task, want)
		}
		return fn(t, state)
	}
}

// Builder composes a task sequence in code.
// The first error is kept and returned by Build; later calls are ignored.
type Builder struct {
	registry *Registry
	state    *State
	seq      *TaskSequence
	err      error
}

// NewBuilder creates a builder resolving task types through registry.
// The state is passed to configure callbacks.
func NewBuilder(registry *Registry, state *State) *Builder {
	if state == nil {
		state = NewState()
	}
	return &Builder{
		registry: registry,
		state:    state,
		seq:      NewTaskSequence(uuid.New().String(), ""),
	}
}

// Identify sets the sequence id and name.
func (b *Builder) Identify(id, name string) *Builder {
	b.seq.ID = id
	b.seq.Name = name
	return b
}

// Describe sets the sequence summary.
func (b *Builder) Describe(description string) *Builder {
	b.seq.Description = description
	return b
}

// Add appends a task of typeName to phase, applying each configure callback in order.
func (b *Builder) Add(phase Phase, typeName string, configure ...ConfigureFunc) *Builder {
	if b.err != nil {
		return b
	}
	task, err := b.registry.New(typeName)
	if err != nil {
		b.err = err
		return b
	}
	for _, fn := range configure {
		if err := fn(task, b.state); err != nil {
			b.err = fmt.Errorf("configure %s in %s: %w", typeName, phase, err)
			return b
		}
	}
	return b.AddTask(phase, task)
}

// AddTask appends an already constructed task to phase.
func (b *Builder) AddTask(phase Phase, task Task) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.seq.Append(phase, task); err != nil {
		b.err = err
	}
	return b
}

// Build returns the composed sequence or the first error.
func (b *Builder) Build() (*TaskSequence, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.seq, nil
}

// SequenceFactory resolves descriptions into live task sequences.
type SequenceFactory struct {
	registry *Registry
	catalog  SequenceCatalog
	policy   SequencePolicy
	validate *validator.Validate
}

// NewSequenceFactory creates a factory. catalog and policy may be nil.
func NewSequenceFactory(registry *Registry, catalog SequenceCatalog, policy SequencePolicy) *SequenceFactory {
	return &SequenceFactory{
		registry: registry,
		catalog:  catalog,
		policy:   policy,
		validate: validator.New(),
	}
}

// Check validates a description's structure, task types and policy without building it.
func (f *SequenceFactory) Check(ctx context.Context, desc *Description) error {
	if err := f.validate.Struct(desc); err != nil {
		return NewValidationError("", fmt.Sprintf("invalid sequence description %q", desc.ID), err)
	}
	if err := desc.CheckPhases(); err != nil {
		return NewResolutionError("invalid sequence description", err).WithCode(ErrCodeUnsupportedPhase)
	}
	for _, phase := range desc.Phases() {
		for i, step := range desc.Steps[phase] {
			if !f.registry.Has(step.Type) {
				return NewResolutionError(fmt.Sprintf("step %d references unknown task type %q", i, step.Type), nil).
					WithCode(ErrCodeUnknownTaskType).
					WithPhase(phase)
			}
		}
	}
	if f.policy != nil {
		violations, err := f.policy.Evaluate(ctx, desc)
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		if len(violations) > 0 {
			e := NewValidationError("", fmt.Sprintf("sequence %s violates %d policy rule(s)", desc.ID, len(violations)), nil).
				WithCode(ErrCodePolicyViolation)
			for _, v := range violations {
				e.WithDetail(v.Rule, v.Message)
			}
			return e
		}
	}
	return nil
}

// FromDescription builds a task sequence from desc.
// Property values are assigned but not validated; validation happens when each task runs.
func (f *SequenceFactory) FromDescription(ctx context.Context, desc *Description) (*TaskSequence, error) {
	if err := f.Check(ctx, desc); err != nil {
		return nil, err
	}

	seq := NewTaskSequence(desc.ID, desc.Name)
	seq.Description = desc.Description

	for _, phase := range desc.Phases() {
		for _, step := range desc.Steps[phase] {
			task, err := f.registry.New(step.Type)
			if err != nil {
				return nil, withPhase(err, phase)
			}
			if o, ok := task.(identityOverrider); ok {
				if step.Name != "" {
					o.SetName(step.Name)
				}
				if step.Critical != nil {
					o.SetCritical(*step.Critical)
				}
			}
			if err := Assign(task, step.Properties); err != nil {
				return nil, withPhase(err, phase)
			}
			if err := seq.Append(phase, task); err != nil {
				return nil, err
			}
		}
	}
	return seq, nil
}

// FromCatalog loads the stored description id and builds it.
func (f *SequenceFactory) FromCatalog(ctx context.Context, id string) (*TaskSequence, error) {
	if f.catalog == nil {
		return nil, NewResolutionError("no sequence catalog configured", nil)
	}
	rec, err := f.catalog.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.FromDescription(ctx, &rec.Description)
}

func withPhase(err error, phase Phase) error {
	if e, ok := err.(*EngineError); ok {
		return e.WithPhase(phase)
	}
	return err
}
