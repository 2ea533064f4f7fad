package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func steps(types ...string) []engine.StepDescription {
	out := make([]engine.StepDescription, 0, len(types))
	for _, typ := range types {
		out = append(out, engine.StepDescription{Type: typ})
	}
	return out
}

func sequence(id string, phases map[engine.Phase][]engine.StepDescription) *engine.Description {
	return &engine.Description{ID: id, Name: id, Steps: phases}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{PolicyDiskBeforeImage, PolicyKnownPhases, PolicyNonEmptySequence, PolicyPhaseHandoff}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, want[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluateSequence_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		desc          *engine.Description
		expectAllowed bool
		violations    []string
		warnings      []string
	}{
		{
			name: "complete deployment",
			desc: sequence("full", map[engine.Phase][]engine.StepDescription{
				engine.PhaseBootstrapping: steps("SelectDisk", "SetPhase"),
				engine.PhaseInstallation:  steps("ApplyImage", "ConfigureBoot", "SetPhase"),
			}),
			expectAllowed: true,
		},
		{
			name: "disk selected earlier in the same phase",
			desc: sequence("same-phase", map[engine.Phase][]engine.StepDescription{
				engine.PhaseInstallation: steps("SelectDisk", "ApplyImage"),
			}),
			expectAllowed: true,
		},
		{
			name:          "no steps",
			desc:          sequence("empty", nil),
			expectAllowed: false,
			violations:    []string{PolicyNonEmptySequence},
		},
		{
			name: "empty phase lists",
			desc: sequence("hollow", map[engine.Phase][]engine.StepDescription{
				engine.PhaseInstallation: {},
			}),
			expectAllowed: false,
			violations:    []string{PolicyNonEmptySequence},
		},
		{
			name: "image before disk",
			desc: sequence("backwards", map[engine.Phase][]engine.StepDescription{
				engine.PhaseInstallation: steps("ApplyImage", "SelectDisk"),
			}),
			expectAllowed: false,
			violations:    []string{PolicyDiskBeforeImage},
		},
		{
			name: "steps in completed phase",
			desc: sequence("late", map[engine.Phase][]engine.StepDescription{
				engine.PhaseInstallation: steps("SetState"),
				engine.PhaseCompleted:    steps("SetState"),
			}),
			expectAllowed: false,
			violations:    []string{PolicyKnownPhases},
		},
		{
			name: "steps after phase change",
			desc: sequence("handoff", map[engine.Phase][]engine.StepDescription{
				engine.PhaseBootstrapping: steps("SetPhase", "SetState"),
			}),
			expectAllowed: true,
			warnings:      []string{PolicyPhaseHandoff},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateSequence(context.Background(), tt.desc, OperationCheck)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if got := policyNames(result.Violations); !equalNames(got, tt.violations) {
				t.Errorf("Expected violations %v, got %v", tt.violations, got)
			}
			if got := policyNames(result.Warnings); !equalNames(got, tt.warnings) {
				t.Errorf("Expected warnings %v, got %v", tt.warnings, got)
			}
			if len(result.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluateSequence_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	desc := sequence("backwards", map[engine.Phase][]engine.StepDescription{
		engine.PhaseInstallation: steps("SetState", "ApplyImage"),
	})
	result, err := eng.EvaluateSequence(context.Background(), desc, OperationCheck)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}

	v := result.Violations[0]
	if v.Phase != string(engine.PhaseInstallation) {
		t.Errorf("Expected phase Installation, got %q", v.Phase)
	}
	if v.Step != 1 {
		t.Errorf("Expected step 1, got %d", v.Step)
	}
	if v.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", v.Severity)
	}
	if v.Message == "" {
		t.Error("Expected a violation message")
	}
}

func TestEvaluate_ReturnsBlockingViolations(t *testing.T) {
	eng := newTestEngine(t)

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var recorded []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { recorded = append(recorded, e) }, nil)
	ctx := tel.WithContext(context.Background())

	desc := sequence("mixed", map[engine.Phase][]engine.StepDescription{
		engine.PhaseInstallation: steps("ApplyImage", "SetPhase", "SetState"),
	})
	violations, err := eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(violations) != 1 {
		t.Fatalf("Expected only the blocking violation, got %+v", violations)
	}
	if violations[0].Rule != PolicyDiskBeforeImage {
		t.Errorf("Expected rule %s, got %s", PolicyDiskBeforeImage, violations[0].Rule)
	}
	if len(recorded) != 1 || recorded[0].Type != telemetry.EventTypePolicyViolation {
		t.Errorf("Expected one policy violation event, got %+v", recorded)
	}

	clean := sequence("clean", map[engine.Phase][]engine.StepDescription{
		engine.PhaseInstallation: steps("SelectDisk", "ApplyImage"),
	})
	violations, err = eng.Evaluate(ctx, clean)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("Expected no violations, got %+v", violations)
	}
}

func TestEvaluateSequence_NilDescription(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.EvaluateSequence(context.Background(), nil, OperationCheck)
	if !engine.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "pinned-index",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.images

import rego.v1

deny contains msg if {
	some step in input.sequence.steps.Installation
	step.type == "ApplyImage"
	not step.properties.imageIndex
	msg := "ApplyImage must pin an image index"
}
`,
	}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	desc := sequence("unpinned", map[engine.Phase][]engine.StepDescription{
		engine.PhaseInstallation: steps("SelectDisk", "ApplyImage"),
	})
	violations, err := eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 1 || violations[0].Message != "ApplyImage must pin an image index" {
		t.Fatalf("Expected the custom violation, got %+v", violations)
	}

	desc.Steps[engine.PhaseInstallation][1].Properties = map[string]any{"imageIndex": 2}
	violations, err = eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("Expected no violations, got %+v", violations)
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "missing name", policy: Policy{Rego: "package x\n"}},
		{name: "syntax error", policy: Policy{Name: "broken", Rego: "package x\n\ndeny contains if {"}},
		{name: "no package", policy: Policy{Name: "bare", Rego: "deny := true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(ctx, tt.policy); err == nil {
				t.Error("Expected an error")
			}
		})
	}

	if got := len(eng.ListPolicies()); got != 4 {
		t.Errorf("Expected failed policies to be skipped, have %d policies", got)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	desc := sequence("backwards", map[engine.Phase][]engine.StepDescription{
		engine.PhaseInstallation: steps("ApplyImage"),
	})

	if err := eng.DisablePolicy(PolicyDiskBeforeImage); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	p, err := eng.GetPolicy(PolicyDiskBeforeImage)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("Policy should be disabled")
	}

	violations, err := eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("Disabled policy should not report, got %+v", violations)
	}

	if err := eng.EnablePolicy(PolicyDiskBeforeImage); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	violations, err = eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 1 {
		t.Errorf("Expected 1 violation after enabling, got %+v", violations)
	}

	notFound := &engine.EngineError{Class: engine.ErrorClassResolution, Code: engine.ErrCodeNotFound}
	if err := eng.EnablePolicy("non-existent"); !errors.Is(err, notFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
	if _, err := eng.GetPolicy("non-existent"); !errors.Is(err, notFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "no-join.rego")
	writeFile(t, path, `# Domain joins are not allowed in the lab.
package site.lab

import rego.v1

deny contains msg if {
	some steps in input.sequence.steps
	some step in steps
	step.type == "JoinDomain"
	msg := "domain joins are disabled"
}
`)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	p, err := eng.GetPolicy("no-join")
	if err != nil {
		t.Fatalf("Loaded policy missing: %v", err)
	}
	if p.Description != "Domain joins are not allowed in the lab." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	desc := sequence("lab", map[engine.Phase][]engine.StepDescription{
		engine.PhasePostInstallation: steps("JoinDomain"),
	})
	violations, err := eng.Evaluate(ctx, desc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 1 || violations[0].Rule != "no-join" {
		t.Fatalf("Expected the no-join violation, got %+v", violations)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := eng.DisablePolicy(PolicyPhaseHandoff); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if _, err := eng.GetPolicy("no-join"); err == nil {
		t.Error("Removed policy should be gone after reload")
	}
	p, err = eng.GetPolicy(PolicyPhaseHandoff)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Enabled {
		t.Error("Reload should restore built-in defaults")
	}
}

func TestLoadPolicies_CompileErrorKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {")

	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "broken.rego")}); err == nil {
		t.Fatal("Expected a compile error")
	}
	if got := len(eng.ListPolicies()); got != 4 {
		t.Errorf("Expected only built-ins, have %d policies", got)
	}
}

func TestCreateViolation(t *testing.T) {
	policy := &Policy{Name: "p", Description: "fallback", Severity: SeverityError}

	tests := []struct {
		name   string
		result interface{}
		want   Violation
	}{
		{
			name:   "string",
			result: "plain",
			want:   Violation{Policy: "p", Message: "plain", Severity: SeverityError, Step: -1},
		},
		{
			name: "object",
			result: map[string]interface{}{
				"message":  "obj",
				"severity": "warning",
				"phase":    "Installation",
				"step":     float64(2),
			},
			want: Violation{Policy: "p", Message: "obj", Severity: SeverityWarning, Phase: "Installation", Step: 2},
		},
		{
			name:   "object without message",
			result: map[string]interface{}{"phase": "Installation"},
			want:   Violation{Policy: "p", Message: "fallback", Severity: SeverityError, Phase: "Installation", Step: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := createViolation(policy, tt.result); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestSeverityBlocks(t *testing.T) {
	tests := map[Severity]bool{
		SeverityInfo:     false,
		SeverityWarning:  false,
		SeverityError:    true,
		SeverityCritical: true,
	}
	for sev, want := range tests {
		if got := sev.Blocks(); got != want {
			t.Errorf("%s.Blocks() = %v, want %v", sev, got, want)
		}
	}
}

func policyNames(vs []Violation) []string {
	var out []string
	for _, v := range vs {
		out = append(out, v.Policy)
	}
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
