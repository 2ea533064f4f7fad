package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/osdeploy/pkg/config"
	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/policy"
)

func newSequencesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sequences",
		Aliases: []string{"seq"},
		Short:   "Manage the sequence catalog",
	}

	cmd.AddCommand(newSequencesListCommand())
	cmd.AddCommand(newSequencesShowCommand())
	cmd.AddCommand(newSequencesImportCommand())
	cmd.AddCommand(newSequencesDeleteCommand())
	cmd.AddCommand(newSequencesValidateCommand())

	return cmd
}

func newSequencesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog sequences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.store.ListSequences(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(a.out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(a.out, "No sequences in the catalog.")
				return nil
			}

			tw := newTable(a.out)
			fmt.Fprintln(tw, "ID\tNAME\tTASKS\tPHASES\tUPDATED\tSOURCE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Description.ID,
					r.Description.Name,
					r.Description.TaskCount(),
					phaseList(r.Description.Phases()),
					r.UpdatedAt.Local().Format(time.DateTime),
					r.Source)
			}
			return tw.Flush()
		},
	}
}

func newSequencesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a catalog sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			record, err := a.store.GetSequence(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(a.out, record)
			}
			return writeDescription(a.out, &record.Description, record.Source)
		},
	}
}

func newSequencesImportCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "import [dir]",
		Short: "Import a directory of descriptions into the catalog",
		Long: `Import every description under a directory into the catalog.

Each document is validated against the description schema, its task types and
the policies before it is saved. Entries whose file was removed are pruned.
With --watch the directory and the policy paths are watched and re-imported
on every change until interrupted.`,
		Example: `  # Import the configured sequence directory
  osdeploy sequences import

  # Keep the catalog in sync while editing
  osdeploy sequences import ./sequences --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd, func(cfg *config.AppConfig) {
				if len(args) > 0 {
					cfg.SequenceDir = args[0]
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.SequenceDir == "" {
				return engine.NewValidationError("sequence_dir", "no directory given and none configured", nil).
					WithCode(engine.ErrCodeRequired)
			}

			w := config.NewWatcher(a.cfg.SequenceDir, a.loader, a.store, a.logger).WithChecker(a.factory)
			if !watch {
				res, err := w.Import(ctx)
				if err != nil {
					return err
				}
				writeImport(a.out, res)
				return res.Err()
			}

			w.OnImport(func(res *config.ImportResult) { writeImport(a.out, res) })
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx) })
			if len(a.cfg.PolicyPaths) > 0 {
				g.Go(func() error { return a.policies.Watch(gctx, a.cfg.PolicyPaths) })
			}
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep watching the directory for changes")

	return cmd
}

func newSequencesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete catalog sequences",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.store.DeleteSequence(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func newSequencesValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate description files without importing them",
		Long: `Validate description files or directories.

This command checks:
  - schema conformance (YAML, JSON or CUE)
  - known task types and phases
  - task properties, by building the sequence
  - policy compliance (OPA/rego), including warnings`,
		Example: `  # Validate one description
  osdeploy sequences validate ./sequences/workstation.cue

  # Validate a directory
  osdeploy sequences validate ./sequences`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var loaded []*config.LoadedSequence
			var errs []error
			for _, path := range args {
				seqs, err := a.loadPath(ctx, path)
				loaded = append(loaded, seqs...)
				if err != nil {
					errs = append(errs, err)
				}
			}

			reports := make([]validationReport, 0, len(loaded))
			for _, l := range loaded {
				rep := a.validate(ctx, l)
				if rep.err != nil {
					errs = append(errs, rep.err)
				}
				reports = append(reports, rep)
			}

			if jsonOutput {
				if err := printJSON(a.out, reports); err != nil {
					return err
				}
			} else {
				for _, rep := range reports {
					rep.write(a.out)
				}
				for _, err := range errs {
					if !isReported(err, reports) {
						fmt.Fprintln(a.out, errStyle.Render("invalid:")+" "+err.Error())
					}
				}
			}
			return errors.Join(errs...)
		},
	}

	return cmd
}

// loadPath loads a single description file or every description of a directory.
func (a *app) loadPath(ctx context.Context, path string) ([]*config.LoadedSequence, error) {
	if _, err := config.FormatFromPath(path); err == nil {
		l, err := a.loader.LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []*config.LoadedSequence{l}, nil
	}
	return a.loader.LoadDir(ctx, path)
}

type validationReport struct {
	ID       string             `json:"id"`
	Source   string             `json:"source"`
	Tasks    int                `json:"tasks"`
	Valid    bool               `json:"valid"`
	Error    string             `json:"error,omitempty"`
	Warnings []policy.Violation `json:"warnings,omitempty"`

	err error
}

// validate checks a loaded description the way import and run do, and also
// collects policy warnings.
func (a *app) validate(ctx context.Context, l *config.LoadedSequence) validationReport {
	rep := validationReport{
		ID:     l.Description.ID,
		Source: l.Source,
		Tasks:  l.Description.TaskCount(),
	}

	if _, err := a.factory.FromDescription(ctx, l.Description); err != nil {
		rep.err = fmt.Errorf("%s: %w", l.Source, err)
		rep.Error = err.Error()
		return rep
	}
	if res, err := a.policies.EvaluateSequence(ctx, l.Description, "validate"); err == nil {
		rep.Warnings = res.Warnings
	}
	rep.Valid = true
	return rep
}

func (r validationReport) write(w io.Writer) {
	if !r.Valid {
		fmt.Fprintf(w, "%s %s (%s): %s\n", errStyle.Render("invalid:"), r.ID, r.Source, r.Error)
		return
	}
	fmt.Fprintf(w, "%s %s (%s), %d task(s)\n", okStyle.Render("valid:"), r.ID, r.Source, r.Tasks)
	for _, v := range r.Warnings {
		where := ""
		if v.Phase != "" {
			where = fmt.Sprintf(" [%s #%d]", v.Phase, v.Step)
		}
		fmt.Fprintf(w, "  %s %s%s: %s\n", warnStyle.Render("warning:"), v.Policy, where, v.Message)
	}
}

func isReported(err error, reports []validationReport) bool {
	for _, r := range reports {
		if r.err == err {
			return true
		}
	}
	return false
}

func writeImport(w io.Writer, res *config.ImportResult) {
	for _, id := range res.Imported {
		fmt.Fprintf(w, "%s %s\n", okStyle.Render("imported:"), id)
	}
	for _, id := range res.Pruned {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("pruned:"), id)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(w, "%s %v\n", errStyle.Render("skipped:"), err)
	}
}

// writeDescription prints a description as YAML under a short header.
func writeDescription(w io.Writer, desc *engine.Description, source string) error {
	fmt.Fprintf(w, "%s %s (%d task(s))\n", titleStyle.Render(desc.Name), dimStyle.Render(desc.ID), desc.TaskCount())
	if source != "" {
		fmt.Fprintf(w, "Source: %s\n", source)
	}
	fmt.Fprintln(w)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(desc); err != nil {
		return fmt.Errorf("failed to encode sequence: %w", err)
	}
	return enc.Close()
}

func phaseList(phases []engine.Phase) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}
