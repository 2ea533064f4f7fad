package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type classedError struct{ class string }

func (e *classedError) Error() string      { return e.class }
func (e *classedError) ErrorClass() string { return e.class }

func newTestTelemetry(t *testing.T) (*Telemetry, *[]Event) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var (
		mu     sync.Mutex
		events []Event
	)
	tel.Events.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}, nil)
	return tel, &events
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "unattended", mutate: func(c *Config) { *c = *UnattendedConfig("/tmp/osdeploy.prom") }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "endpoint without path", mutate: func(c *Config) {
			c.Metrics.ListenAddress = ":9100"
			c.Metrics.Path = ""
		}, wantErr: true},
		{name: "no endpoint", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScopesWithoutTelemetry(t *testing.T) {
	ctx := context.Background()

	if got := WithRunContext(ctx, "run", "seq"); got != ctx {
		t.Error("WithRunContext() changed a context without telemetry")
	}
	if got := WithPhaseContext(ctx, "run", "Installation", 1); got != ctx {
		t.Error("WithPhaseContext() changed a context without telemetry")
	}
	EndTaskContext(ctx, "run", "Installation", "t", "T", "failed", 0, errors.New("boom"))
	EndPhaseContext(ctx, "run", "Installation", "failed", nil)
	EndRunContext(ctx, "run", "failed", 0, nil)
	RecordSelectionFallback(ctx, "run", "step", "exclude", 2)
	RecordPolicyViolation(ctx, "seq", "known-phases", "bad phase")

	called := false
	err := RecordCollaboratorCall(ctx, "disks", "enumerate", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("RecordCollaboratorCall() = %v, called = %v", err, called)
	}
}

func TestRunScopesPublishEvents(t *testing.T) {
	tel, events := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	ctx = WithRunContext(ctx, "run-1", "workstation")
	pctx := WithPhaseContext(ctx, "run-1", "Installation", 2)

	tctx := WithTaskContext(pctx, "run-1", "Installation", "select disk", "SelectDisk")
	EndTaskContext(tctx, "run-1", "Installation", "select disk", "SelectDisk", "succeeded", time.Millisecond, nil)

	tctx = WithTaskContext(pctx, "run-1", "Installation", "join", "JoinDomain")
	EndTaskContext(tctx, "run-1", "Installation", "join", "JoinDomain", "skipped", time.Millisecond,
		&classedError{class: "collaborator"})

	EndPhaseContext(pctx, "run-1", "Installation", "partial", nil)
	EndRunContext(ctx, "run-1", "partial", time.Second, nil)

	wantTypes := []string{
		EventTypeRunStarted,
		EventTypePhaseStarted,
		EventTypeTaskStarted,
		EventTypeTaskCompleted,
		EventTypeTaskStarted,
		EventTypeTaskFailed,
		EventTypePhaseCompleted,
		EventTypeRunCompleted,
	}
	if len(*events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(*events), len(wantTypes))
	}
	for i, want := range wantTypes {
		e := (*events)[i]
		if e.Type != want {
			t.Errorf("event %d type = %s, want %s", i, e.Type, want)
		}
		if e.RunID != "run-1" {
			t.Errorf("event %d run = %q, want run-1", i, e.RunID)
		}
	}

	failed := (*events)[5]
	if failed.Level != EventLevelWarning {
		t.Errorf("skipped task level = %s, want warning", failed.Level)
	}
	if failed.Task != "join" || failed.Phase != "Installation" {
		t.Errorf("failed event task/phase = %s/%s", failed.Task, failed.Phase)
	}
}

func TestRecordPolicyViolation(t *testing.T) {
	tel, events := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	RecordPolicyViolation(ctx, "workstation", "disk-before-image", "ApplyImage runs before SelectDisk")

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	e := (*events)[0]
	if e.Type != EventTypePolicyViolation || e.Level != EventLevelError || e.Data["rule"] != "disk-before-image" {
		t.Errorf("event = %+v", e)
	}
}

func TestRecordCollaboratorCallPropagatesError(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	want := &classedError{class: "collaborator"}
	err := RecordCollaboratorCall(ctx, "image", "apply", func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("RecordCollaboratorCall() = %v, want %v", err, want)
	}
}

func TestErrorClass(t *testing.T) {
	if got := errorClass(errors.New("plain")); got != "unknown" {
		t.Errorf("errorClass(plain) = %s, want unknown", got)
	}
	wrapped := errors.Join(errors.New("context"), &classedError{class: "validation"})
	if got := errorClass(wrapped); got != "validation" {
		t.Errorf("errorClass(wrapped) = %s, want validation", got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, FilterByType(EventTypeRunStarted, EventTypeRunCompleted))

	_ = ep.PublishRunStarted("r", "s")
	_ = ep.PublishPhaseStarted("r", "Bootstrapping", 0)
	_ = ep.PublishRunCompleted("r", "succeeded", time.Second)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventTypeRunStarted || got[1] != EventTypeRunCompleted {
		t.Errorf("delivered = %v", got)
	}

	if err := ep.PublishRunFailed("r", "late"); err == nil {
		t.Error("Publish() after Shutdown() succeeded, want error")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.PublishRunStarted("r", "s"); err != nil {
		t.Errorf("Publish() on disabled publisher = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on disabled publisher = %v", err)
	}
}

func TestGlobalFilter(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	ep.AddFilter(FilterByRunID("keep"))

	count := 0
	ep.Subscribe(func(Event) { count++ }, nil)

	_ = ep.PublishRunStarted("keep", "s")
	_ = ep.PublishRunStarted("drop", "s")

	if count != 1 {
		t.Errorf("delivered %d events, want 1", count)
	}
}

func TestMetricsTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRunStarted("workstation")
	m.RecordTask("SelectDisk", "succeeded", time.Second)
	m.RecordSelectionFallback("exclude")
	m.RecordRunCompleted("succeeded", time.Minute)

	path := filepath.Join(t.TempDir(), "osdeploy.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{
		`osdeploy_runs_started_total{sequence="workstation"} 1`,
		`osdeploy_tasks_executed_total{outcome="succeeded",type="SelectDisk"} 1`,
		`osdeploy_selection_fallbacks_total{action="exclude"} 1`,
		`osdeploy_active_runs 0`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRunStarted("s")
	m.RecordPhase("Installation", "succeeded", time.Second)
	m.RecordError("validation")

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile() on disabled metrics = %v", err)
	}
	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("StartMetricsServer() on disabled metrics = %v", err)
	}
}
