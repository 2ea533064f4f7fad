package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// SequenceField is the CUE field holding the description when a file
// defines more than the sequence itself.
const SequenceField = "sequence"

// DescriptionLoader reads task sequence descriptions from JSON, YAML and CUE
// documents. Every document is checked against the #TaskSequence schema and
// the description's struct tags before it is returned.
type DescriptionLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewDescriptionLoader creates a new description loader.
func NewDescriptionLoader(logger zerolog.Logger) *DescriptionLoader {
	return &DescriptionLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
		logger:    logger.With().Str("component", "description-loader").Logger(),
	}
}

// Schemas returns the schema registry.
func (l *DescriptionLoader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadFile reads one description document.
func (l *DescriptionLoader) LoadFile(ctx context.Context, path string) (*LoadedSequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}

	desc, err := l.Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("path", path).
		Str("sequence", desc.ID).
		Int("tasks", desc.TaskCount()).
		Msg("Description loaded")

	return &LoadedSequence{Description: desc, Source: path, LoadedAt: time.Now()}, nil
}

// LoadDir reads every supported document under dir. Documents that fail to
// load are reported in the returned error; the others are still returned.
func (l *DescriptionLoader) LoadDir(ctx context.Context, dir string) ([]*LoadedSequence, error) {
	files, err := DocumentFiles(dir)
	if err != nil {
		return nil, err
	}

	var (
		loaded []*LoadedSequence
		errs   []error
		seen   = make(map[string]string)
	)
	for _, file := range files {
		seq, err := l.LoadFile(ctx, file)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if prev, ok := seen[seq.Description.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: sequence %s is already defined in %s", file, seq.Description.ID, prev))
			continue
		}
		seen[seq.Description.ID] = file
		loaded = append(loaded, seq)
	}

	l.logger.Info().
		Str("dir", dir).
		Int("loaded", len(loaded)).
		Int("failed", len(errs)).
		Msg("Descriptions loaded from directory")

	return loaded, errors.Join(errs...)
}

// DocumentFiles lists the supported documents under dir in lexical order.
func DocumentFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, err := FormatFromPath(path); err == nil {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// Parse decodes and validates a description document.
func (l *DescriptionLoader) Parse(data []byte, format Format, source string) (*engine.Description, error) {
	raw, verr := l.normalize(data, format, source, SchemaSequence, SequenceField)
	if verr != nil {
		return nil, invalid(verr)
	}

	var desc engine.Description
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&desc); err != nil {
		return nil, invalid(loadError(source, ValidationError{Message: err.Error()}))
	}

	if err := l.validator.Struct(&desc); err != nil {
		return nil, invalid(loadError(source, convertValidatorErrors(err)...))
	}
	if err := desc.CheckPhases(); err != nil {
		return nil, invalid(loadError(source, ValidationError{Path: "steps", Message: err.Error()}))
	}

	return &desc, nil
}

// normalize turns a document of any format into schema-checked JSON. A CUE
// document that declares field is narrowed to that field first.
func (l *DescriptionLoader) normalize(data []byte, format Format, source, schemaName, field string) ([]byte, *LoadError) {
	schema, ok := l.schemas.GetSchema(schemaName)
	if !ok {
		return nil, loadError(source, ValidationError{Message: fmt.Sprintf("schema %s not found", schemaName)})
	}

	var val cue.Value
	switch format {
	case FormatCUE:
		val = l.schemas.Context().CompileBytes(data, cue.Filename(source), cue.Scope(l.schemas.Scope()))
		if err := val.Err(); err != nil {
			return nil, loadError(source, convertCUEErrors(err)...)
		}
		if field != "" {
			if inner := val.LookupPath(cue.ParsePath(field)); inner.Exists() {
				val = inner
			}
		}

	case FormatYAML, FormatJSON:
		doc, err := decodeDocument(data, format)
		if err != nil {
			return nil, loadError(source, ValidationError{Message: err.Error()})
		}
		val = l.schemas.Context().Encode(doc)
		if err := val.Err(); err != nil {
			return nil, loadError(source, ValidationError{Message: fmt.Sprintf("failed to encode document: %v", err)})
		}

	default:
		return nil, loadError(source, ValidationError{Message: fmt.Sprintf("unsupported document format: %s", format)})
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = source
			}
		}
		return nil, loadError(source, errs...)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, loadError(source, ValidationError{Message: fmt.Sprintf("failed to export document: %v", err)})
	}
	return raw, nil
}

// decodeDocument decodes JSON or YAML into generic values.
func decodeDocument(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("document is empty")
			}
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("document is empty")
			}
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if dec.More() {
			return nil, errors.New("invalid JSON: trailing content after document")
		}
	}
	if doc == nil {
		return nil, errors.New("document is empty")
	}
	return doc, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		if file == "builtin.cue" {
			file, line, column = "", 0, 0
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

func convertValidatorErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
		})
	}
	return out
}

func invalid(le *LoadError) error {
	return engine.NewValidationError("", "invalid document "+le.Source, le).
		WithDetail("source", le.Source)
}
