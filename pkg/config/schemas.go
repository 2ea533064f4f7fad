package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaSequence       = "sequence"
	SchemaStep           = "step"
	SchemaSelectionStep  = "selection_step"
	SchemaSelectionSteps = "selection_steps"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	scope   cue.Value
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas compiles the built-in definitions. They share one
// scope so that user CUE files can reference them by name.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	scope := sr.ctx.CompileString(builtinSchemas, cue.Filename("builtin.cue"))
	if err := scope.Err(); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	sr.scope = scope

	for name, def := range map[string]string{
		SchemaSequence:       "#TaskSequence",
		SchemaStep:           "#Step",
		SchemaSelectionStep:  "#SelectionStep",
		SchemaSelectionSteps: "#SelectionSteps",
	} {
		sr.schemas[name] = scope.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Scope returns the value holding the built-in definitions.
func (sr *SchemaRegistry) Scope() cue.Value {
	return sr.scope
}

// Context returns the CUE context the schemas were compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return sr.validateValue(schema, dataVal)
}

// validateValue unifies val with schema and requires a concrete result.
func (sr *SchemaRegistry) validateValue(schema, val cue.Value) error {
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinSchemas = `
// Phase names a stage that may carry steps.
#Phase: "Bootstrapping" | "Installation" | "PostInstallation"

// Step is one task entry of a sequence.
#Step: {
	// Type is the registered task type name
	type: string & =~"^[A-Za-z][A-Za-z0-9]*$"

	// Name overrides the task's display name
	name?: string

	// Critical overrides the task's default criticality
	critical?: bool

	// Properties are assigned onto the task by name
	properties?: {[string]: _}
}

// TaskSequence is a serializable task sequence description.
#TaskSequence: {
	id:           string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
	name:         string & !=""
	description?: string
	steps: {[#Phase]: [...#Step]}
}

#Condition: {
	expression?: string & !=""
	builtin?:    "empty" | "largest" | "smallest" | "read_only" | "uninitialized"
}

// SelectionStep is one condition/action unit of a selection pipeline.
#SelectionStep: {
	name?:      string
	condition?: #Condition
	action:     "include" | "exclude" | "none"
}

#SelectionSteps: [...#SelectionStep]
`
