package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the deployment state file",
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateSetCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [key]...",
		Short: "Show state values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			state, err := engine.LoadState(cmd.Context(), cfg.StatePath)
			if err != nil {
				return err
			}

			keys := state.Keys()
			if len(args) > 0 {
				keys = keys[:0]
				for _, k := range args {
					if _, ok := state.Get(engine.Key(k)); !ok {
						return engine.NewResolutionError(fmt.Sprintf("state key %s is not set", k), nil).
							WithCode(engine.ErrCodeNotFound)
					}
					keys = append(keys, engine.Key(k))
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				values := make(map[string]any, len(keys))
				for _, k := range keys {
					values[string(k)], _ = state.Get(k)
				}
				return printJSON(out, values)
			}

			fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Phase:"), state.Phase())
			tw := newTable(out)
			for _, k := range keys {
				v, _ := state.Get(k)
				fmt.Fprintf(tw, "%s\t%T\t%v\n", k, v, v)
			}
			return tw.Flush()
		},
	}
}

func newStateSetCommand() *cobra.Command {
	var (
		valueType string
		keep      bool
	)

	cmd := &cobra.Command{
		Use:   "set <key>=<value>...",
		Short: "Set state values",
		Long: `Set values in the state file before a run.

Values are strings unless --type is given. The phase key only accepts phase
names. With --keep existing values are left untouched.`,
		Example: `  # Pin the image for the next run
  osdeploy state set osdeploy.image.path=/images/install.wim osdeploy.computer_name=ws-042

  # Restart a deployment in the Installation phase
  osdeploy state set osdeploy.phase=Installation`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			state, err := engine.LoadState(ctx, cfg.StatePath)
			if err != nil {
				return err
			}

			for _, arg := range args {
				key, raw, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return engine.NewValidationError(arg, "expected key=value", nil)
				}
				value, err := parseStateValue(engine.Key(key), raw, valueType)
				if err != nil {
					return engine.NewValidationError(key, "invalid value", err)
				}
				if keep {
					if !state.TrySet(engine.Key(key), value) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s already set, kept\n", key)
					}
					continue
				}
				state.Set(engine.Key(key), value)
			}

			if err := state.Save(ctx, cfg.StatePath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", cfg.StatePath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&valueType, "type", "t", "string", "value type: string, bool or int")
	cmd.Flags().BoolVar(&keep, "keep", false, "do not overwrite keys that are already set")

	return cmd
}

func parseStateValue(key engine.Key, raw, valueType string) (any, error) {
	if key == engine.KeyPhase {
		return engine.ParsePhase(raw)
	}
	switch valueType {
	case "", "string":
		return raw, nil
	case "bool":
		return strconv.ParseBool(raw)
	case "int":
		return strconv.Atoi(raw)
	default:
		return nil, fmt.Errorf("unsupported value type %q", valueType)
	}
}
