package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// Format is a supported document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatFromPath derives the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document format: %s", path)
	}
}

// LoadedSequence is a description read from a document.
type LoadedSequence struct {
	// Description is the decoded, validated description.
	Description *engine.Description `json:"description"`

	// Source is the file the description was read from.
	Source string `json:"source"`

	// LoadedAt is when the document was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "steps.Installation.0.type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects the problems found in one document.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("%s: %s", e.Source, strings.Join(msgs, "; "))
}

func loadError(source string, errs ...ValidationError) *LoadError {
	for i := range errs {
		if errs[i].Severity == "" {
			errs[i].Severity = "error"
		}
	}
	return &LoadError{Source: source, Errors: errs}
}
