// Package telemetry instruments deployment runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event stream behind one Telemetry value that
// travels in the context. Every helper is a no-op when the context carries no
// Telemetry, so the engine can call them unconditionally.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Run, phase and task scopes
//
// The runner and executor open and close nested scopes. Each scope starts a
// span, enriches the context logger and publishes an event:
//
//	ctx = telemetry.WithRunContext(ctx, runID, sequenceID)
//	ctx = telemetry.WithPhaseContext(ctx, runID, "Installation", 3)
//	tctx := telemetry.WithTaskContext(ctx, runID, "Installation", "select disk", "SelectDisk")
//	telemetry.EndTaskContext(tctx, runID, "Installation", "select disk", "SelectDisk", "succeeded", d, nil)
//	telemetry.EndPhaseContext(ctx, runID, "Installation", "succeeded", nil)
//	telemetry.EndRunContext(ctx, runID, "succeeded", total, nil)
//
// Calls into external services are wrapped with RecordCollaboratorCall.
//
// # Metrics
//
// Metrics live in a private registry. They can be served over HTTP while a
// run is in progress (MetricsConfig.ListenAddress) and are written to
// MetricsConfig.TextfilePath on shutdown, since a deployment host usually
// reboots before anything scrapes it.
//
// # Events
//
// Subscribers receive events in publish order. The CLI uses a subscriber to
// append the run timeline to the journal:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
