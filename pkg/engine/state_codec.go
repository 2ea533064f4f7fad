package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/osdeploy/pkg/selection"
)

var codecValidate = validator.New()

// valueKind tags a persisted state value with its Go type.
type valueKind string

const (
	kindString         valueKind = "string"
	kindBool           valueKind = "bool"
	kindInt            valueKind = "int"
	kindFloat          valueKind = "float"
	kindStrings        valueKind = "strings"
	kindStringMap      valueKind = "string_map"
	kindTime           valueKind = "time"
	kindDuration       valueKind = "duration"
	kindPhase          valueKind = "phase"
	kindDisk           valueKind = "disk"
	kindDisks          valueKind = "disks"
	kindImageMount     valueKind = "image_mount"
	kindVolume         valueKind = "volume"
	kindSelectionSteps valueKind = "selection_steps"
)

func encodeValue(v any) (valueKind, json.RawMessage, error) {
	var kind valueKind
	switch val := v.(type) {
	case string:
		kind = kindString
	case bool:
		kind = kindBool
	case int:
		kind = kindInt
	case float64:
		kind = kindFloat
	case []string:
		kind = kindStrings
	case map[string]string:
		kind = kindStringMap
	case time.Time:
		kind = kindTime
	case time.Duration:
		kind = kindDuration
		v = val.String()
	case Phase:
		kind = kindPhase
	case Disk:
		kind = kindDisk
	case []Disk:
		kind = kindDisks
	case ImageMount:
		kind = kindImageMount
	case Volume:
		kind = kindVolume
	case []selection.Step:
		for _, s := range val {
			if s.Condition.Match != nil {
				return "", nil, fmt.Errorf("selection step %q uses a code predicate", s.Label())
			}
		}
		kind = kindSelectionSteps
	default:
		return "", nil, fmt.Errorf("unsupported value type %T", v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return kind, raw, nil
}

func decodeValue(kind valueKind, raw json.RawMessage) (any, error) {
	switch kind {
	case kindString:
		return decodeAs[string](raw)
	case kindBool:
		return decodeAs[bool](raw)
	case kindInt:
		return decodeAs[int](raw)
	case kindFloat:
		return decodeAs[float64](raw)
	case kindStrings:
		return decodeAs[[]string](raw)
	case kindStringMap:
		return decodeAs[map[string]string](raw)
	case kindTime:
		return decodeAs[time.Time](raw)
	case kindDuration:
		s, err := decodeAs[string](raw)
		if err != nil {
			return nil, err
		}
		return time.ParseDuration(s)
	case kindPhase:
		p, err := decodeAs[Phase](raw)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	case kindDisk:
		return decodeValid[Disk](raw)
	case kindDisks:
		disks, err := decodeAs[[]Disk](raw)
		if err != nil {
			return nil, err
		}
		for i := range disks {
			if err := codecValidate.Struct(disks[i]); err != nil {
				return nil, fmt.Errorf("disk %d: %w", i, err)
			}
		}
		return disks, nil
	case kindImageMount:
		return decodeValid[ImageMount](raw)
	case kindVolume:
		return decodeValid[Volume](raw)
	case kindSelectionSteps:
		return decodeAs[[]selection.Step](raw)
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

// decodeValid decodes a struct value and checks its validate tags.
func decodeValid[T any](raw json.RawMessage) (T, error) {
	v, err := decodeAs[T](raw)
	if err != nil {
		return v, err
	}
	if err := codecValidate.Struct(v); err != nil {
		return v, err
	}
	return v, nil
}
