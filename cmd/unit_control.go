/*
Copyright © 2025 Travis Lyons travis.lyons@gmail.com

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// Package cmd provides the unit control commands for systemctl CLI.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/systemd"
)

// ControlCommand runs one state changing operation on a list of units.
type ControlCommand struct {
	use     string
	short   string
	long    string
	anyArgs bool
	op      func(m *systemd.Manager, ctx context.Context, args []string) error
}

// NewStartCommand creates the start command.
func NewStartCommand() *ControlCommand {
	return &ControlCommand{
		use:   "start UNIT...",
		short: "Start one or more units",
		long: `Start one or more units in dependency order.

Starting a target starts every unit it pulls in through Requires=, Wants= and
its .wants/ and .requires/ folders.`,
		op: (*systemd.Manager).Start,
	}
}

// NewStopCommand creates the stop command.
func NewStopCommand() *ControlCommand {
	return &ControlCommand{
		use:   "stop UNIT...",
		short: "Stop one or more units",
		long:  "Stop one or more units in reverse dependency order.",
		op:    (*systemd.Manager).Stop,
	}
}

// NewRestartCommand creates the restart command.
func NewRestartCommand() *ControlCommand {
	return &ControlCommand{
		use:   "restart UNIT...",
		short: "Restart one or more units",
		op:    (*systemd.Manager).Restart,
	}
}

// NewTryRestartCommand creates the try-restart command.
func NewTryRestartCommand() *ControlCommand {
	return &ControlCommand{
		use:   "try-restart UNIT...",
		short: "Restart the units that are running",
		op:    (*systemd.Manager).TryRestart,
	}
}

// NewReloadCommand creates the reload command.
func NewReloadCommand() *ControlCommand {
	return &ControlCommand{
		use:   "reload UNIT...",
		short: "Reload the configuration of one or more units",
		op:    (*systemd.Manager).Reload,
	}
}

// NewReloadOrRestartCommand creates the reload-or-restart command.
func NewReloadOrRestartCommand() *ControlCommand {
	return &ControlCommand{
		use:   "reload-or-restart UNIT...",
		short: "Reload units if supported, restart them otherwise",
		op:    (*systemd.Manager).ReloadOrRestart,
	}
}

// NewReloadOrTryRestartCommand creates the reload-or-try-restart command.
func NewReloadOrTryRestartCommand() *ControlCommand {
	return &ControlCommand{
		use:   "reload-or-try-restart UNIT...",
		short: "Reload units if supported, restart them otherwise, if running",
		op:    (*systemd.Manager).ReloadOrTryRestart,
	}
}

// NewKillCommand creates the kill command.
func NewKillCommand() *ControlCommand {
	return &ControlCommand{
		use:   "kill UNIT...",
		short: "Send the kill signal to the processes of units",
		op:    (*systemd.Manager).Kill,
	}
}

// NewResetFailedCommand creates the reset-failed command.
func NewResetFailedCommand() *ControlCommand {
	return &ControlCommand{
		use:     "reset-failed [UNIT...]",
		short:   "Reset the failed state of all or the given units",
		anyArgs: true,
		op:      (*systemd.Manager).ResetFailed,
	}
}

// GetCobraCommand returns the cobra command for the operation.
func (c *ControlCommand) GetCobraCommand() *cobra.Command {
	args := cobra.MinimumNArgs(1)
	if c.anyArgs {
		args = cobra.ArbitraryArgs
	}
	return &cobra.Command{
		Use:   c.use,
		Short: c.short,
		Long:  c.long,
		Args:  args,
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			return c.Run(cmd.Context(), app, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// Run executes the operation.
func (c *ControlCommand) Run(ctx context.Context, app *App, args []string) error {
	return c.op(app.Manager, ctx, args)
}
