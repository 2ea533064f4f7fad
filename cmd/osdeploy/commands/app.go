package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/osdeploy/pkg/collaborators"
	"github.com/openfroyo/osdeploy/pkg/config"
	"github.com/openfroyo/osdeploy/pkg/console"
	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/policy"
	"github.com/openfroyo/osdeploy/pkg/stores"
	"github.com/openfroyo/osdeploy/pkg/tasks"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// app holds the components a command works with.
type app struct {
	cfg      *config.AppConfig
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	loader   *config.DescriptionLoader
	policies *policy.Engine
	registry *engine.Registry
	factory  *engine.SequenceFactory
	out      io.Writer
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(overrides ...func(*config.AppConfig)) (*config.AppConfig, error) {
	path, optional := configPath, false
	if path == "" {
		path, optional = config.DefaultConfigFile, true
	}

	cfg, err := config.LoadAppConfig(path, optional, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	if statePath != "" {
		cfg.StatePath = statePath
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	for _, fn := range overrides {
		fn(cfg)
	}
	return cfg, nil
}

// openApp wires telemetry, the store, the policy engine and the task registry.
// The returned context carries the telemetry.
func openApp(cmd *cobra.Command, overrides ...func(*config.AppConfig)) (context.Context, *app, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig(overrides...)
	if err != nil {
		return nil, nil, err
	}

	telCfg := cfg.TelemetryConfig(buildVersion)
	telCfg.Logging.Writer = cmd.ErrOrStderr()
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		loader: config.NewDescriptionLoader(logger),
		out:    cmd.OutOrStdout(),
	}

	a.store, err = stores.Open(ctx, stores.Config{Path: cfg.DatabasePath, Logger: logger})
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	tel.Events.Subscribe(a.store.EventSink(ctx), nil)

	a.policies, err = policy.NewEngine(logger)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			a.Close()
			return nil, nil, err
		}
	}

	a.registry = engine.NewRegistry()
	if err := tasks.Register(a.registry, a.dependencies()); err != nil {
		a.Close()
		return nil, nil, err
	}
	a.factory = engine.NewSequenceFactory(a.registry, a.store, a.policies)

	if err := tel.StartMetricsServer(); err != nil {
		a.Close()
		return nil, nil, err
	}

	return tel.WithContext(ctx), a, nil
}

// dependencies builds the task collaborators from the configuration.
// Boot configuration and domain joins are always recorded, not performed.
func (a *app) dependencies() tasks.Dependencies {
	deps := tasks.Dependencies{
		Files:  collaborators.NewLocalFileCopier(a.logger),
		Boot:   collaborators.NewDryRunBootConfigurator(a.logger),
		Domain: collaborators.NewDryRunDomainJoiner(a.logger),
		Console: console.NewPrompter(console.Options{
			Interactive: a.cfg.Interactive,
		}, a.logger),
		Logger: a.logger,
	}
	if a.cfg.InventoryPath != "" {
		deps.Disks = collaborators.NewInventoryEnumerator(a.cfg.InventoryPath, a.logger)
	}
	if a.cfg.DryRun {
		deps.Images = collaborators.NewDryRunImageServicer(a.logger)
	} else {
		deps.Images = collaborators.NewWimlibServicer(a.cfg.ImageTool, &collaborators.ExecRunner{Dir: a.cfg.WorkingDir}, a.logger)
	}
	return deps
}

// importSequences loads the sequence directory into the catalog.
func (a *app) importSequences(ctx context.Context) (*config.ImportResult, error) {
	w := config.NewWatcher(a.cfg.SequenceDir, a.loader, a.store, a.logger).WithChecker(a.factory)
	return w.Import(ctx)
}

// Close flushes telemetry and releases the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
