package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/osdeploy/pkg/config"
	"github.com/openfroyo/osdeploy/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		file      string
		phase     string
		imagePath string
		dryRun    bool
		noImport  bool
	)

	cmd := &cobra.Command{
		Use:   "run [sequence-id]",
		Short: "Run a task sequence",
		Long: `Run a task sequence starting at the phase recorded in the state file.

The sequence is taken from the catalog, or from --file. Without an argument the
sequence recorded in the state by an earlier run is resumed. The run stops when
a task requests a reboot, when a critical task fails or when the deployment is
complete; the state is checkpointed after every phase.`,
		Example: `  # Start a deployment from the catalog
  osdeploy run workstation

  # Resume after a reboot
  osdeploy run

  # Rehearse a description without touching disks
  osdeploy run --dry-run --file ./sequences/workstation.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd, func(cfg *config.AppConfig) {
				if dryRun {
					cfg.DryRun = true
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.SequenceDir != "" && !noImport && file == "" {
				res, err := a.importSequences(ctx)
				if err != nil {
					return err
				}
				for _, e := range res.Errors {
					a.logger.Warn().Err(e).Msg("Skipped sequence document")
				}
			}

			state, err := engine.LoadState(ctx, a.cfg.StatePath)
			if err != nil {
				return err
			}
			if err := a.seedState(ctx, state); err != nil {
				return err
			}
			if phase != "" {
				p, err := engine.ParsePhase(phase)
				if err != nil {
					return engine.NewValidationError("phase", "invalid --phase", err)
				}
				state.SetPhase(p)
			}
			if imagePath != "" {
				state.Set(engine.KeyImagePath, imagePath)
			}

			seq, err := a.sequence(ctx, file, args, state)
			if err != nil {
				return err
			}

			runner := engine.NewRunner(engine.NewExecutor(a.logger), a.logger).
				WithJournal(a.store).
				WithCheckpoint(a.cfg.StatePath)

			report, runErr := runner.Run(ctx, seq, state)
			if report != nil {
				if err := a.printReport(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "run a description file instead of a catalog entry")
	cmd.Flags().StringVar(&phase, "phase", "", "override the phase to start in")
	cmd.Flags().StringVar(&imagePath, "image", "", "image to apply (sets the image path state key)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record image, boot and domain operations instead of performing them")
	cmd.Flags().BoolVar(&noImport, "no-import", false, "do not import the sequence directory before running")

	return cmd
}

// seedState fills state keys that the configuration provides and the state
// does not have yet.
func (a *app) seedState(ctx context.Context, state *engine.State) error {
	if a.cfg.WorkingDir != "" {
		state.TrySet(engine.KeyWorkingDir, a.cfg.WorkingDir)
	}
	if a.cfg.SelectionStepsPath != "" {
		if _, ok := state.Get(engine.KeyDiskSelectionSteps); !ok {
			steps, err := a.loader.LoadSelectionSteps(ctx, a.cfg.SelectionStepsPath)
			if err != nil {
				return err
			}
			state.Set(engine.KeyDiskSelectionSteps, steps)
		}
	}
	return nil
}

// sequence builds the sequence to run from --file, the argument or the state.
func (a *app) sequence(ctx context.Context, file string, args []string, state *engine.State) (*engine.TaskSequence, error) {
	if file != "" {
		loaded, err := a.loader.LoadFile(ctx, file)
		if err != nil {
			return nil, err
		}
		return a.factory.FromDescription(ctx, loaded.Description)
	}

	var id string
	if len(args) > 0 {
		id = args[0]
	} else if stored, ok := engine.StateValue[string](state, engine.KeySequenceID); ok {
		id = stored
	}
	if id == "" {
		return nil, engine.NewValidationError("sequence", "no sequence given and none recorded in the state", nil).
			WithCode(engine.ErrCodeRequired)
	}
	return a.factory.FromCatalog(ctx, id)
}

func (a *app) printReport(report *engine.RunReport) error {
	if jsonOutput {
		return printJSON(a.out, report)
	}
	writeReport(a.out, report)
	return nil
}

func writeReport(w io.Writer, report *engine.RunReport) {
	run := report.Run
	fmt.Fprintf(w, "%s %s of %s: %s\n",
		titleStyle.Render("Run"), run.ID, run.SequenceID,
		statusStyle(string(run.Status)).Render(string(run.Status)))

	for _, phase := range report.Phases {
		if phase == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", titleStyle.Render(phase.String()))
		tw := newTable(w)
		for _, t := range phase.Tasks {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", t.Task, t.Outcome, t.Duration.Round(time.Millisecond), t.Error)
		}
		_ = tw.Flush()
	}

	switch run.Status {
	case engine.RunStatusRebootPending:
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("\nReboot required. Run osdeploy again to continue in %s.", run.EndPhase)))
	case engine.RunStatusFailed, engine.RunStatusCancelled:
		fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("\nStopped in %s: %s", run.EndPhase, run.Error)))
	}
}
