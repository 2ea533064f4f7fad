package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/osdeploy/pkg/collaborators"
	"github.com/openfroyo/osdeploy/pkg/config"
	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/selection"
)

func newDisksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disks",
		Short: "Inspect installation disk candidates",
	}

	cmd.AddCommand(newDisksSelectCommand())

	return cmd
}

func newDisksSelectCommand() *cobra.Command {
	var (
		inventory string
		stepsPath string
		save      bool
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run the disk selection steps and explain the choice",
		Long: `Run the disk selection steps against the disk inventory and show how
every step narrowed the candidates.

Steps come from --steps, the configured selection steps file, or the state, in
that order. With --save the chosen disk is written to the state file.`,
		Example: `  # Explain the configured selection
  osdeploy disks select

  # Try a steps file against a captured inventory
  osdeploy disks select --inventory ./lab/disks.yaml --steps ./lab/steps.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd, func(cfg *config.AppConfig) {
				if inventory != "" {
					cfg.InventoryPath = inventory
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.InventoryPath == "" {
				return engine.NewValidationError("inventory_path", "no disk inventory configured", nil).
					WithCode(engine.ErrCodeRequired)
			}
			disks, err := collaborators.NewInventoryEnumerator(a.cfg.InventoryPath, a.logger).GetCandidates(ctx)
			if err != nil {
				return err
			}
			sort.SliceStable(disks, func(i, j int) bool { return disks[i].Number < disks[j].Number })

			state, err := engine.LoadState(ctx, a.cfg.StatePath)
			if err != nil {
				return err
			}

			var steps []selection.Step
			switch {
			case stepsPath != "":
				steps, err = a.loader.LoadSelectionSteps(ctx, stepsPath)
			case a.cfg.SelectionStepsPath != "":
				steps, err = a.loader.LoadSelectionSteps(ctx, a.cfg.SelectionStepsPath)
			default:
				steps, _ = engine.StateValue[[]selection.Step](state, engine.KeyDiskSelectionSteps)
			}
			if err != nil {
				return err
			}

			p := selection.NewPipeline(a.logger, steps...)
			if err := p.Validate(); err != nil {
				return engine.NewValidationError("steps", "invalid disk selection step", err)
			}
			candidates := make([]selection.Candidate, len(disks))
			for i, d := range disks {
				candidates[i] = d
			}
			result, err := p.Explain(ctx, candidates)
			if err != nil {
				if errors.Is(err, selection.ErrNoCandidates) {
					return engine.NewSelectionExhaustedError("installation disk", err)
				}
				return err
			}
			chosen := result.Selected.(engine.Disk)

			if jsonOutput {
				if err := printJSON(a.out, struct {
					Selected engine.Disk            `json:"selected"`
					Steps    []selection.StepResult `json:"steps"`
				}{chosen, result.Steps}); err != nil {
					return err
				}
			} else {
				writeSelection(a, disks, result, chosen)
			}

			if save {
				state.Set(engine.KeyInstallationDisk, chosen)
				if err := state.Save(ctx, a.cfg.StatePath); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inventory, "inventory", "", "disk inventory file (overrides the configuration)")
	cmd.Flags().StringVar(&stepsPath, "steps", "", "selection steps file")
	cmd.Flags().BoolVar(&save, "save", false, "record the chosen disk in the state file")

	return cmd
}

func writeSelection(a *app, disks []engine.Disk, result *selection.Result, chosen engine.Disk) {
	out := a.out

	fmt.Fprintln(out, titleStyle.Render("Candidates"))
	tw := newTable(out)
	fmt.Fprintln(tw, "  NUMBER\tID\tBUS\tSIZE\tSTYLE\tREAD-ONLY")
	for _, d := range disks {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%v\n", d.Number, d.ID(), d.BusType, d.Size, d.PartitionStyle, d.IsReadOnly)
	}
	_ = tw.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Steps"))
	tw = newTable(out)
	fmt.Fprintln(tw, "  STEP\tACTION\tMATCHED\tREMAINING\t")
	for _, s := range result.Steps {
		note := ""
		if s.FellBack {
			note = warnStyle.Render("fell back")
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			s.Step.Label(), s.Step.Action, strings.Join(s.Matched, ","), strings.Join(s.Output, ","), note)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\n%s disk %d (%s)\n", okStyle.Render("Selected:"), chosen.Number, chosen.ID())
}
