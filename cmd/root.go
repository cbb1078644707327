// Package cmd provides the command line interface for systemctl
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
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
)

// RootCommand represents the root command for systemctl CLI.
type RootCommand struct {
	app *App
}

var (
	userMode       bool
	verbose        bool
	configFilePath string
	rootDir        string
	extraVars      []string
	outputFormat   string
)

// GetCobraCommand returns the cobra root command for systemctl CLI.
func (c *RootCommand) GetCobraCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "systemctl",
		Short: "Service manager for containers",
		Long: `systemctl starts, stops and supervises services described by systemd unit files
without a running systemd. Run as "systemctl init" it acts as the init process of a
container: it starts the default target, reaps zombies, restarts failed services and
stops everything again on SIGTERM.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if app := getApp(cmd); app != nil {
				c.app = app
				return nil
			}

			if configFilePath != "" {
				config.SetConfigFilePath(configFilePath)
			}
			settings := config.InitConfig()
			if verbose {
				settings.Verbose = true
			}
			if userMode {
				settings = settings.WithUserMode()
			}
			if rootDir != "" {
				settings.Root = rootDir
			}
			config.SetConfig(settings)
			log.Init(settings.Verbose)
			logger := log.GetLogger()
			logger.Debug("Configuration loaded", "file", viper.ConfigFileUsed(), "user", settings.UserMode, "root", settings.Root)

			c.app = NewApp(logger, config.DefaultProvider(), AppOptions{
				ExtraVars: extraVars,
				Init:      cmd.Name() == "init",
			})
			cmd.SetContext(context.WithValue(cmd.Context(), appContextKey, c.app))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&userMode, "user", "u", false, "Manage the per-user units")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configFilePath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Use an alternative root directory for all paths")
	rootCmd.PersistentFlags().StringArrayVarP(&extraVars, "extra-vars", "e", nil, "Extra environment NAME=VALUE or @file for every unit")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text, json, yaml)")

	rootCmd.AddCommand(
		NewStartCommand().GetCobraCommand(),
		NewStopCommand().GetCobraCommand(),
		NewRestartCommand().GetCobraCommand(),
		NewTryRestartCommand().GetCobraCommand(),
		NewReloadCommand().GetCobraCommand(),
		NewReloadOrRestartCommand().GetCobraCommand(),
		NewReloadOrTryRestartCommand().GetCobraCommand(),
		NewKillCommand().GetCobraCommand(),
		NewResetFailedCommand().GetCobraCommand(),
		NewIsActiveCommand().GetCobraCommand(),
		NewIsFailedCommand().GetCobraCommand(),
		NewStatusCommand().GetCobraCommand(),
		NewShowCommand().GetCobraCommand(),
		NewCatCommand().GetCobraCommand(),
		NewListUnitsCommand().GetCobraCommand(),
		NewListUnitFilesCommand().GetCobraCommand(),
		NewListDependenciesCommand().GetCobraCommand(),
		NewDaemonReloadCommand().GetCobraCommand(),
		NewInitCommand().GetCobraCommand(),
		NewDefaultCommand().GetCobraCommand(),
		NewHaltCommand().GetCobraCommand(),
		NewIsSystemRunningCommand().GetCobraCommand(),
		NewConfigCommand().GetCobraCommand(),
		NewVersionCommand().GetCobraCommand(),
	)

	return rootCmd
}

// ExitCode maps the outcome of a run to the process exit status. The
// error flags collected by the manager take precedence over a plain
// error.
func (c *RootCommand) ExitCode(cmd *cobra.Command, err error) int {
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	if c.app != nil {
		if code := c.app.Manager.Flags().ExitCode(); code != 0 {
			return code
		}
	}
	if err != nil {
		return 1
	}
	return 0
}

// DefaultArgs is the command run without arguments: init when running as
// process 1, list-units otherwise.
func DefaultArgs() []string {
	if os.Getpid() == 1 {
		return []string{"init"}
	}
	return []string{"list-units"}
}

// Execute runs the command line and returns the process exit status.
func Execute(args []string) int {
	root := &RootCommand{}
	cmd := root.GetCobraCommand()
	if len(args) == 0 {
		args = DefaultArgs()
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return root.ExitCode(cmd, err)
}
