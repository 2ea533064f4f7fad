package selection

import (
	"fmt"
	"strings"
)

func isBuiltin(b Builtin) bool {
	for _, known := range Builtins() {
		if b == known {
			return true
		}
	}
	return false
}

// evalBuiltin returns the subset of candidates matching an aggregate condition.
// Ties on largest and smallest all match; later steps or first-wins ordering break them.
func evalBuiltin(b Builtin, candidates []Candidate) ([]Candidate, error) {
	switch b {
	case BuiltinEmpty:
		return filter(candidates, func(c Candidate) bool {
			n, ok := toUint(c.Attributes()[AttrPartitionCount])
			return ok && n == 0
		}), nil

	case BuiltinReadOnly:
		return filter(candidates, func(c Candidate) bool {
			v, _ := c.Attributes()[AttrReadOnly].(bool)
			return v
		}), nil

	case BuiltinUninitialized:
		return filter(candidates, func(c Candidate) bool {
			style, _ := c.Attributes()[AttrPartitionStyle].(string)
			return style == "" || strings.EqualFold(style, "raw")
		}), nil

	case BuiltinLargest, BuiltinSmallest:
		var (
			extreme uint64
			found   bool
		)
		for _, c := range candidates {
			size, ok := toUint(c.Attributes()[AttrSize])
			if !ok {
				continue
			}
			if !found || (b == BuiltinLargest && size > extreme) || (b == BuiltinSmallest && size < extreme) {
				extreme = size
				found = true
			}
		}
		if !found {
			return nil, nil
		}
		return filter(candidates, func(c Candidate) bool {
			size, ok := toUint(c.Attributes()[AttrSize])
			return ok && size == extreme
		}), nil

	default:
		return nil, fmt.Errorf("unknown builtin condition: %q", string(b))
	}
}

func filter(candidates []Candidate, keep func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// toUint reads a non-negative numeric attribute.
func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}
