package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InitCommand represents the init command.
type InitCommand struct{}

// NewInitCommand creates a new InitCommand.
func NewInitCommand() *InitCommand {
	return &InitCommand{}
}

// GetCobraCommand returns the cobra command that runs the init loop.
func (c *InitCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [UNIT...]",
		Short: "Run as init process: start units and supervise them",
		Long: `Start the default target, or the given units, and keep supervising them.

The loop reaps zombie processes, restarts failed services within their start
limit and starts services when their sockets see activity. SIGTERM and SIGINT
stop all units and exit. SIGQUIT lets the loop exit once no other process is
left. With units given, the loop also ends when none of them is active anymore.`,
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			result, err := app.Manager.Init(cmd.Context(), args)
			if result != "" {
				app.Logger.Info("Init stopped", "signal", result)
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// DefaultCommand represents the default command.
type DefaultCommand struct{}

// NewDefaultCommand creates a new DefaultCommand.
func NewDefaultCommand() *DefaultCommand {
	return &DefaultCommand{}
}

// GetCobraCommand returns the cobra command that starts the default target.
func (c *DefaultCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Start the default target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getApp(cmd).Manager.Default(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// HaltCommand represents the halt command.
type HaltCommand struct{}

// NewHaltCommand creates a new HaltCommand.
func NewHaltCommand() *HaltCommand {
	return &HaltCommand{}
}

// GetCobraCommand returns the cobra command that shuts the container down.
func (c *HaltCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "halt",
		Aliases: []string{"poweroff"},
		Short:   "Stop the default target and let the init process exit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getApp(cmd).Manager.Halt(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// IsSystemRunningCommand represents the is-system-running command.
type IsSystemRunningCommand struct{}

// NewIsSystemRunningCommand creates a new IsSystemRunningCommand.
func NewIsSystemRunningCommand() *IsSystemRunningCommand {
	return &IsSystemRunningCommand{}
}

// GetCobraCommand returns the cobra command reporting the init state.
func (c *IsSystemRunningCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "is-system-running",
		Short: "Show the state of the init process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), getApp(cmd).Manager.IsSystemRunning())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// DaemonReloadCommand represents the daemon-reload command.
type DaemonReloadCommand struct{}

// NewDaemonReloadCommand creates a new DaemonReloadCommand.
func NewDaemonReloadCommand() *DaemonReloadCommand {
	return &DaemonReloadCommand{}
}

// GetCobraCommand returns the cobra command that rereads the unit folders.
func (c *DaemonReloadCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-reload",
		Short: "Reread the unit folders",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			getApp(cmd).Manager.DaemonReload()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
