package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

var (
	// Global flags
	configPath string
	statePath  string
	dbPath     string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Exit codes returned by the osdeploy binary.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitCancelled  = 130
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case engine.IsValidation(err), engine.IsResolution(err):
		return ExitValidation
	default:
		return ExitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "osdeploy",
		Short: "osdeploy - phased operating system deployment",
		Long: `osdeploy runs task sequences that install an operating system in phases.

A sequence lists tasks per phase (Bootstrapping, Installation, PostInstallation).
State is checkpointed after every phase, so a run interrupted by a reboot resumes
where it stopped when osdeploy is started again.

Features:
  - Sequence descriptions in YAML, JSON or CUE
  - Disk selection steps with Starlark predicates
  - Policy checks (OPA/rego) before a sequence is built
  - SQLite catalog and run journal`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./osdeploy.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSequencesCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDisksCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
