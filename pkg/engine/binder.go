package engine

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Binder resolves task properties from the state and the environment and validates them.
type Binder struct {
	state     *State
	lookupEnv func(string) (string, bool)
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewBinder creates a binder reading from state and the process environment.
func NewBinder(state *State, logger zerolog.Logger) *Binder {
	return &Binder{
		state:     state,
		lookupEnv: os.LookupEnv,
		validate:  validator.New(),
		logger:    logger,
	}
}

// WithLookupEnv replaces the environment lookup function.
func (b *Binder) WithLookupEnv(fn func(string) (string, bool)) *Binder {
	b.lookupEnv = fn
	return b
}

// Bind populates every unassigned property of task and then validates all of them.
// Precedence is: caller-assigned value, declared state keys in order, declared
// environment variables in order.
func (b *Binder) Bind(task Task) error {
	for _, p := range task.Properties() {
		source, err := b.resolve(p)
		if err != nil {
			return err.WithTask(task.Name())
		}
		if source != "" {
			b.logger.Debug().
				Str("task", task.Name()).
				Str("property", p.Name()).
				Str("source", source).
				Msg("Bound property")
		}
	}
	return b.Validate(task)
}

// resolve fills p from the first available source and names the source it used.
func (b *Binder) resolve(p *Property) (string, *EngineError) {
	if p.IsSet() {
		return "", nil
	}

	for _, key := range p.stateKeys {
		if b.state == nil {
			break
		}
		v, ok := b.state.Get(key)
		if !ok || isEmptyValue(v) {
			continue
		}
		if err := p.Assign(v); err != nil {
			return "", NewValidationError(p.Name(), fmt.Sprintf("state key %s holds an unusable value", key), err)
		}
		return "state:" + string(key), nil
	}

	for _, name := range p.envNames {
		v, ok := b.lookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := p.Parse(v); err != nil {
			return "", NewValidationError(p.Name(), fmt.Sprintf("environment variable %s is invalid", name), err)
		}
		return "env:" + name, nil
	}

	return "", nil
}

// Validate checks the declared constraints of every property of task and fails on the first violation.
func (b *Binder) Validate(task Task) error {
	for _, p := range task.Properties() {
		if !p.IsSet() {
			if p.IsRequired() {
				return NewValidationError(p.Name(), "required property is not set", nil).
					WithCode(ErrCodeRequired).
					WithTask(task.Name()).
					WithDetail("state_keys", p.StateKeys()).
					WithDetail("env", p.EnvNames())
			}
			continue
		}

		for _, tag := range p.tags {
			if err := b.validate.Var(p.Value(), tag); err != nil {
				return NewValidationError(p.Name(), fmt.Sprintf("constraint %q failed", tag), err).
					WithTask(task.Name())
			}
		}
		for _, rule := range p.rules {
			if err := rule(p.Value()); err != nil {
				return NewValidationError(p.Name(), "validation rule failed", err).
					WithTask(task.Name())
			}
		}
	}
	return nil
}

// Assign sets task properties from a name/value map such as a description step.
// Property names match exactly, falling back to a case-insensitive match.
func Assign(task Task, values map[string]any) error {
	props := task.Properties()
	for name, v := range values {
		p := findProperty(props, name)
		if p == nil {
			return NewResolutionError(fmt.Sprintf("task type %s has no property %q", task.Type(), name), nil).
				WithCode(ErrCodeUnknownProperty).
				WithTask(task.Name()).
				WithProperty(name)
		}
		if v == nil {
			continue
		}
		if err := p.Assign(v); err != nil {
			return NewValidationError(p.Name(), "cannot assign property value", err).WithTask(task.Name())
		}
	}
	return nil
}

// Snapshot returns the assigned property values of task keyed by property name.
func Snapshot(task Task) map[string]any {
	out := make(map[string]any)
	for _, p := range task.Properties() {
		if p.IsSet() {
			out[p.Name()] = p.Value()
		}
	}
	return out
}

func findProperty(props []*Property, name string) *Property {
	for _, p := range props {
		if p.Name() == name {
			return p
		}
	}
	for _, p := range props {
		if strings.EqualFold(p.Name(), name) {
			return p
		}
	}
	return nil
}

// isEmptyValue reports whether a state value counts as absent for binding.
// Empty strings and zero-length slices or maps are absent.
func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
