package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/osdeploy/pkg/selection"
)

// StepsField is the CUE field holding a selection step list.
const StepsField = "steps"

// LoadSelectionSteps reads a list of selection steps from a JSON, YAML or CUE
// document. A CUE document may hold the list under a "steps" field.
func (l *DescriptionLoader) LoadSelectionSteps(ctx context.Context, path string) ([]selection.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read selection steps: %w", err)
	}

	return l.ParseSelectionSteps(data, format, path)
}

// ParseSelectionSteps decodes and validates a selection step list.
func (l *DescriptionLoader) ParseSelectionSteps(data []byte, format Format, source string) ([]selection.Step, error) {
	raw, verr := l.normalize(data, format, source, SchemaSelectionSteps, StepsField)
	if verr != nil {
		return nil, invalid(verr)
	}

	var steps []selection.Step
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&steps); err != nil {
		return nil, invalid(loadError(source, ValidationError{Message: err.Error()}))
	}

	for i, s := range steps {
		if err := s.Validate(); err != nil {
			return nil, invalid(loadError(source, ValidationError{Path: fmt.Sprintf("%d", i), Message: err.Error()}))
		}
	}

	l.logger.Debug().Str("path", source).Int("steps", len(steps)).Msg("Selection steps loaded")
	return steps, nil
}
