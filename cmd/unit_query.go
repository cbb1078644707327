package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/supervisor"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/systemd"
)

// StateQueryCommand prints one state per unit.
type StateQueryCommand struct {
	use   string
	short string
	query func(m *systemd.Manager, args []string) []string
}

// NewIsActiveCommand creates the is-active command.
func NewIsActiveCommand() *StateQueryCommand {
	return &StateQueryCommand{
		use:   "is-active UNIT...",
		short: "Check whether units are active",
		query: (*systemd.Manager).IsActive,
	}
}

// NewIsFailedCommand creates the is-failed command.
func NewIsFailedCommand() *StateQueryCommand {
	return &StateQueryCommand{
		use:   "is-failed UNIT...",
		short: "Check whether units have failed",
		query: (*systemd.Manager).IsFailed,
	}
}

// GetCobraCommand returns the cobra command for the query.
func (c *StateQueryCommand) GetCobraCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   c.use,
		Short: c.short,
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			states := c.query(getApp(cmd).Manager, args)
			if quiet {
				return nil
			}
			if structured(outputFormat) {
				return PrintOutput(cmd.OutOrStdout(), outputFormat, states)
			}
			for _, st := range states {
				fmt.Fprintln(cmd.OutOrStdout(), st)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only set the exit status")
	return cmd
}

// StatusCommand represents the status command.
type StatusCommand struct{}

// NewStatusCommand creates a new StatusCommand.
func NewStatusCommand() *StatusCommand {
	return &StatusCommand{}
}

// GetCobraCommand returns the cobra command for showing unit status.
func (c *StatusCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status UNIT...",
		Short: "Show the runtime status of units",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := getApp(cmd).Manager.Status(args)
			if structured(outputFormat) {
				if perr := PrintOutput(cmd.OutOrStdout(), outputFormat, states); perr != nil {
					return perr
				}
				return err
			}
			for i, st := range states {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				printStatus(cmd.OutOrStdout(), st)
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func stateColor(active string) *color.Color {
	switch active {
	case supervisor.StateActive, supervisor.StateReloading:
		return color.New(color.FgGreen)
	case supervisor.StateFailed, supervisor.StateError:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func printStatus(w io.Writer, st systemd.UnitStatus) {
	c := stateColor(st.ActiveState)
	fmt.Fprintf(w, "%s %s - %s\n", c.Sprint("●"), st.Name, st.Description)

	loaded := st.LoadState
	if st.Path != "" {
		details := []string{st.Path}
		if st.UnitFileState != "" {
			details = append(details, st.UnitFileState)
		}
		loaded = fmt.Sprintf("%s (%s)", loaded, strings.Join(details, "; "))
	}
	fmt.Fprintf(w, "    Loaded: %s\n", loaded)
	for i, dropIn := range st.DropIns {
		label := "   Drop-In:"
		if i > 0 {
			label = "           "
		}
		fmt.Fprintf(w, "%s %s\n", label, dropIn)
	}
	fmt.Fprintf(w, "    Active: %s\n", c.Sprintf("%s (%s)", st.ActiveState, st.SubState))
	if st.MainPID > 0 {
		fmt.Fprintf(w, "  Main PID: %d\n", st.MainPID)
	}
	if st.StatusText != "" {
		fmt.Fprintf(w, "    Status: %q\n", st.StatusText)
	}
}

// ShowCommand represents the show command.
type ShowCommand struct{}

// NewShowCommand creates a new ShowCommand.
func NewShowCommand() *ShowCommand {
	return &ShowCommand{}
}

// GetCobraCommand returns the cobra command for showing unit properties.
func (c *ShowCommand) GetCobraCommand() *cobra.Command {
	var properties []string
	var valueOnly bool
	cmd := &cobra.Command{
		Use:   "show UNIT...",
		Short: "Show properties of units",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := getApp(cmd).Manager.Show(args, properties)
			if structured(outputFormat) {
				if perr := PrintOutput(cmd.OutOrStdout(), outputFormat, result); perr != nil {
					return perr
				}
				return err
			}
			out := cmd.OutOrStdout()
			for i, up := range result {
				if i > 0 {
					fmt.Fprintln(out)
				}
				for _, p := range up.Properties {
					if valueOnly {
						fmt.Fprintln(out, p.Value)
						continue
					}
					fmt.Fprintf(out, "%s=%s\n", p.Name, p.Value)
				}
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringSliceVarP(&properties, "property", "p", nil, "Show only the named properties")
	cmd.Flags().BoolVar(&valueOnly, "value", false, "Print values without property names")
	return cmd
}

// CatCommand represents the cat command.
type CatCommand struct{}

// NewCatCommand creates a new CatCommand.
func NewCatCommand() *CatCommand {
	return &CatCommand{}
}

// GetCobraCommand returns the cobra command for printing unit files.
func (c *CatCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat UNIT...",
		Short: "Show the unit files and drop-ins of units",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := getApp(cmd).Manager.Cat(args)
			out := cmd.OutOrStdout()
			for i, f := range files {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "# %s\n", f.Path)
				fmt.Fprint(out, f.Content)
				if !strings.HasSuffix(f.Content, "\n") {
					fmt.Fprintln(out)
				}
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
