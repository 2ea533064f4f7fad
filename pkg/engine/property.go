package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/openfroyo/osdeploy/pkg/selection"
)

// EnvPrefix is prepended to conventional environment variable names.
const EnvPrefix = "OSDEPLOY_"

// Property describes one bindable task setting: where its value may come from and
// which constraints it must satisfy. The typed constructors below bind a Property
// to a field of the task through closures.
type Property struct {
	name      string
	stateKeys []Key
	envNames  []string
	required  bool
	tags      []string
	rules     []func(value any) error

	isSet  func() bool
	get    func() any
	assign func(v any) error
	parse  func(s string) error
}

// Converter adapts a Go type to the binder.
type Converter[T any] struct {
	// FromValue converts a state or description value.
	FromValue func(v any) (T, error)

	// Parse converts an environment variable value.
	Parse func(s string) (T, error)

	// IsZero reports whether a value counts as unassigned.
	IsZero func(v T) bool
}

// NewProperty creates a property bound to target using conv.
func NewProperty[T any](name string, target *T, conv Converter[T]) *Property {
	return &Property{
		name:  name,
		isSet: func() bool { return !conv.IsZero(*target) },
		get:   func() any { return *target },
		assign: func(v any) error {
			val, err := conv.FromValue(v)
			if err != nil {
				return err
			}
			*target = val
			return nil
		},
		parse: func(s string) error {
			val, err := conv.Parse(s)
			if err != nil {
				return err
			}
			*target = val
			return nil
		},
	}
}

// FromState declares state keys to consult, in order.
func (p *Property) FromState(keys ...Key) *Property {
	p.stateKeys = append(p.stateKeys, keys...)
	return p
}

// FromEnv declares environment variables to consult, in order.
// Without arguments the conventional name from EnvName is used.
func (p *Property) FromEnv(names ...string) *Property {
	if len(names) == 0 {
		names = []string{EnvName(p.name)}
	}
	p.envNames = append(p.envNames, names...)
	return p
}

// Required marks the property as mandatory.
func (p *Property) Required() *Property {
	p.required = true
	return p
}

// Validate adds a validator tag such as "file", "dir" or "oneof=uefi bios".
func (p *Property) Validate(tag string) *Property {
	p.tags = append(p.tags, tag)
	return p
}

// Rule adds a custom validation function.
func (p *Property) Rule(fn func(value any) error) *Property {
	p.rules = append(p.rules, fn)
	return p
}

// Name returns the property name.
func (p *Property) Name() string { return p.name }

// StateKeys returns the declared state keys.
func (p *Property) StateKeys() []Key { return p.stateKeys }

// EnvNames returns the declared environment variable names.
func (p *Property) EnvNames() []string { return p.envNames }

// IsRequired reports whether the property is mandatory.
func (p *Property) IsRequired() bool { return p.required }

// IsSet reports whether the property holds a non-zero value.
func (p *Property) IsSet() bool { return p.isSet() }

// Value returns the current value.
func (p *Property) Value() any { return p.get() }

// Assign sets the property from a state or description value.
func (p *Property) Assign(v any) error { return p.assign(v) }

// Parse sets the property from an environment string.
func (p *Property) Parse(s string) error { return p.parse(s) }

// EnvName converts a property name into its conventional environment variable name,
// e.g. "imagePath" becomes "OSDEPLOY_IMAGE_PATH".
func EnvName(property string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	runes := []rune(property)
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// StringProperty binds a string field.
func StringProperty(name string, target *string) *Property {
	return NewProperty(name, target, Converter[string]{
		FromValue: func(v any) (string, error) {
			switch s := v.(type) {
			case string:
				return s, nil
			case fmt.Stringer:
				return s.String(), nil
			default:
				return "", fmt.Errorf("expected string, got %T", v)
			}
		},
		Parse:  func(s string) (string, error) { return s, nil },
		IsZero: func(v string) bool { return v == "" },
	})
}

// BoolProperty binds a bool field. False counts as unassigned.
func BoolProperty(name string, target *bool) *Property {
	return NewProperty(name, target, Converter[bool]{
		FromValue: func(v any) (bool, error) {
			switch b := v.(type) {
			case bool:
				return b, nil
			case string:
				return strconv.ParseBool(b)
			default:
				return false, fmt.Errorf("expected bool, got %T", v)
			}
		},
		Parse:  strconv.ParseBool,
		IsZero: func(v bool) bool { return !v },
	})
}

// IntProperty binds an int field. Zero counts as unassigned.
func IntProperty(name string, target *int) *Property {
	return NewProperty(name, target, Converter[int]{
		FromValue: toInt,
		Parse:     strconv.Atoi,
		IsZero:    func(v int) bool { return v == 0 },
	})
}

// StringsProperty binds a string slice field. Environment values are comma separated.
func StringsProperty(name string, target *[]string) *Property {
	return NewProperty(name, target, Converter[[]string]{
		FromValue: func(v any) ([]string, error) {
			switch s := v.(type) {
			case []string:
				return append([]string(nil), s...), nil
			case string:
				return splitList(s), nil
			case []any:
				out := make([]string, len(s))
				for i, item := range s {
					str, ok := item.(string)
					if !ok {
						return nil, fmt.Errorf("element %d: expected string, got %T", i, item)
					}
					out[i] = str
				}
				return out, nil
			default:
				return nil, fmt.Errorf("expected list of strings, got %T", v)
			}
		},
		Parse:  func(s string) ([]string, error) { return splitList(s), nil },
		IsZero: func(v []string) bool { return len(v) == 0 },
	})
}

// StringMapProperty binds a string map field. Environment values use "k=v,k2=v2".
func StringMapProperty(name string, target *map[string]string) *Property {
	return NewProperty(name, target, Converter[map[string]string]{
		FromValue: func(v any) (map[string]string, error) {
			switch m := v.(type) {
			case map[string]string:
				out := make(map[string]string, len(m))
				for k, val := range m {
					out[k] = val
				}
				return out, nil
			case map[string]any:
				out := make(map[string]string, len(m))
				for k, val := range m {
					out[k] = fmt.Sprint(val)
				}
				return out, nil
			case string:
				return parsePairs(m)
			default:
				return nil, fmt.Errorf("expected map of strings, got %T", v)
			}
		},
		Parse:  parsePairs,
		IsZero: func(v map[string]string) bool { return len(v) == 0 },
	})
}

// PhaseProperty binds a Phase field.
func PhaseProperty(name string, target *Phase) *Property {
	return NewProperty(name, target, Converter[Phase]{
		FromValue: func(v any) (Phase, error) {
			switch p := v.(type) {
			case Phase:
				return p, p.Validate()
			case string:
				return ParsePhase(p)
			default:
				return "", fmt.Errorf("expected phase, got %T", v)
			}
		},
		Parse:  ParsePhase,
		IsZero: func(v Phase) bool { return v == "" },
	})
}

// DiskProperty binds a Disk field. Environment values are JSON documents.
func DiskProperty(name string, target *Disk) *Property {
	return NewProperty(name, target, Converter[Disk]{
		FromValue: func(v any) (Disk, error) {
			if d, ok := v.(*Disk); ok && d != nil {
				return *d, nil
			}
			return fromStructured[Disk](v)
		},
		Parse:  fromJSON[Disk],
		IsZero: func(v Disk) bool { return v.UniqueID == "" && v.Size == 0 && v.Number == 0 },
	})
}

// VolumeProperty binds a Volume field. Environment values are JSON documents.
func VolumeProperty(name string, target *Volume) *Property {
	return NewProperty(name, target, Converter[Volume]{
		FromValue: fromStructured[Volume],
		Parse:     fromJSON[Volume],
		IsZero:    func(v Volume) bool { return v.Path == "" },
	})
}

// SelectionStepsProperty binds a list of selection steps. Environment values are JSON arrays.
func SelectionStepsProperty(name string, target *[]selection.Step) *Property {
	return NewProperty(name, target, Converter[[]selection.Step]{
		FromValue: func(v any) ([]selection.Step, error) {
			steps, err := fromStructured[[]selection.Step](v)
			if err != nil {
				return nil, err
			}
			for i, s := range steps {
				if err := s.Validate(); err != nil {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}
			}
			return steps, nil
		},
		Parse:  fromJSON[[]selection.Step],
		IsZero: func(v []selection.Step) bool { return len(v) == 0 },
	})
}

// fromStructured accepts a T directly or converts decoded JSON/YAML data into a T.
func fromStructured[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("expected %T, got %T", out, v)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("expected %T: %w", out, err)
	}
	return out, nil
}

func fromJSON[T any](s string) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return out, err
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
