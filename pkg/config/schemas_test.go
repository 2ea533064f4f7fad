package config

import (
	"context"
	"reflect"
	"testing"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{SchemaSelectionStep, SchemaSelectionSteps, SchemaSequence, SchemaStep}
	if got := sr.ListSchemas(); !reflect.DeepEqual(got, want) {
		t.Errorf("ListSchemas() = %v, want %v", got, want)
	}

	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if !schema.Exists() {
				t.Errorf("built-in schema %s does not exist", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Site: {
	name:  string
	disks: int & >0
}
`
	if err := sr.RegisterSchema("site", customSchema, "#Site"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]any{"name": "lab", "disks": 2}); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]any{"name": "lab", "disks": 0}); err == nil {
		t.Error("invalid data accepted")
	}

	if err := sr.RegisterSchema("broken", "#Broken: {", "#Broken"); err == nil {
		t.Error("expected a compile error")
	}
	if err := sr.RegisterSchema("missing", "#Other: string", "#Site"); err == nil {
		t.Error("expected an error for a missing definition")
	}
	if err := sr.ValidateAgainstSchema(ctx, "unknown", nil); err == nil {
		t.Error("expected an error for an unknown schema")
	}
}

func TestSchemaRegistry_ValidateSequence(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	step := func(typ string) map[string]any { return map[string]any{"type": typ} }

	tests := []struct {
		name    string
		data    map[string]any
		wantErr bool
	}{
		{
			name: "valid sequence",
			data: map[string]any{
				"id":   "workstation",
				"name": "Workstation",
				"steps": map[string]any{
					"Bootstrapping": []any{step("SelectDisk")},
					"Installation": []any{map[string]any{
						"type":       "ApplyImage",
						"critical":   true,
						"properties": map[string]any{"imageIndex": 2},
					}},
				},
			},
		},
		{
			name: "empty phase list",
			data: map[string]any{"id": "a", "name": "A", "steps": map[string]any{"Installation": []any{}}},
		},
		{
			name:    "terminal phase",
			data:    map[string]any{"id": "a", "name": "A", "steps": map[string]any{"Completed": []any{step("SetState")}}},
			wantErr: true,
		},
		{
			name:    "missing name",
			data:    map[string]any{"id": "a", "steps": map[string]any{}},
			wantErr: true,
		},
		{
			name:    "id with spaces",
			data:    map[string]any{"id": "my sequence", "name": "A", "steps": map[string]any{}},
			wantErr: true,
		},
		{
			name:    "bad task type",
			data:    map[string]any{"id": "a", "name": "A", "steps": map[string]any{"Installation": []any{step("Apply Image")}}},
			wantErr: true,
		},
		{
			name:    "unknown field",
			data:    map[string]any{"id": "a", "name": "A", "steps": map[string]any{}, "version": 2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaSequence, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateSelectionSteps(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    []any
		wantErr bool
	}{
		{
			name: "expression and builtin",
			data: []any{
				map[string]any{"name": "nvme", "condition": map[string]any{"expression": `bus_type == "NVMe"`}, "action": "include"},
				map[string]any{"condition": map[string]any{"builtin": "largest"}, "action": "include"},
				map[string]any{"action": "none"},
			},
		},
		{
			name:    "unknown action",
			data:    []any{map[string]any{"condition": map[string]any{"builtin": "largest"}, "action": "prefer"}},
			wantErr: true,
		},
		{
			name:    "unknown builtin",
			data:    []any{map[string]any{"condition": map[string]any{"builtin": "fastest"}, "action": "include"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaSelectionSteps, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
