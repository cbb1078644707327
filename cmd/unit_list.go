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

// Package cmd provides the unit listing commands for systemctl CLI.
package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/systemd"
)

var allowedUnitTypes = []string{"service", "socket", "target", "all"}

// ListUnitsOptions holds list-units command options.
type ListUnitsOptions struct {
	UnitType string
	State    string
}

// ListUnitsCommand represents the list-units command.
type ListUnitsCommand struct{}

// NewListUnitsCommand creates a new ListUnitsCommand.
func NewListUnitsCommand() *ListUnitsCommand {
	return &ListUnitsCommand{}
}

// GetCobraCommand returns the cobra command for listing units.
func (c *ListUnitsCommand) GetCobraCommand() *cobra.Command {
	var opts ListUnitsOptions

	listCmd := &cobra.Command{
		Use:   "list-units [PATTERN...]",
		Short: "List known units",
		PreRunE: func(_ *cobra.Command, args []string) error {
			if err := validateUnitNames(args); err != nil {
				return err
			}
			return validateUnitType(opts.UnitType)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), cmd, getApp(cmd), opts, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd.Flags().StringVarP(&opts.UnitType, "type", "t", "all", "Type of unit to list (service, socket, target, all)")
	listCmd.Flags().StringVar(&opts.State, "state", "", "Only list units in this active or sub state")
	err := listCmd.RegisterFlagCompletionFunc("type", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return allowedUnitTypes, cobra.ShellCompDirectiveNoFileComp
	})
	if err != nil {
		return listCmd
	}

	return listCmd
}

func validateUnitType(unitType string) error {
	if !slices.Contains(allowedUnitTypes, unitType) {
		return fmt.Errorf("invalid unit type %q, must be one of: %s", unitType, strings.Join(allowedUnitTypes, ", "))
	}
	return nil
}

// Run executes the list-units command.
func (c *ListUnitsCommand) Run(_ context.Context, cmd *cobra.Command, app *App, opts ListUnitsOptions, patterns []string) error {
	var units []systemd.UnitInfo
	for _, u := range app.Manager.ListUnits(patterns) {
		if opts.UnitType != "all" && u.Kind != opts.UnitType {
			continue
		}
		if opts.State != "" && u.ActiveState != opts.State && u.SubState != opts.State {
			continue
		}
		units = append(units, u)
	}

	if structured(outputFormat) {
		return PrintOutput(cmd.OutOrStdout(), outputFormat, units)
	}

	kindName := cases.Title(language.English)
	tbl := newTable(cmd, "Unit", "Type", "Load", "Active", "Sub", "Description")
	for _, u := range units {
		tbl.AddRow(u.Name, kindName.String(u.Kind), u.LoadState, u.ActiveState, u.SubState, u.Description)
	}
	tbl.Print()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d units listed.\n", len(units))
	return nil
}

func newTable(cmd *cobra.Command, columns ...interface{}) table.Table {
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	columnFmt := color.New(color.FgYellow).SprintfFunc()
	return table.New(columns...).
		WithHeaderFormatter(headerFmt).
		WithFirstColumnFormatter(columnFmt).
		WithWriter(cmd.OutOrStdout())
}

// ListUnitFilesCommand represents the list-unit-files command.
type ListUnitFilesCommand struct{}

// NewListUnitFilesCommand creates a new ListUnitFilesCommand.
func NewListUnitFilesCommand() *ListUnitFilesCommand {
	return &ListUnitFilesCommand{}
}

// GetCobraCommand returns the cobra command for listing unit files.
func (c *ListUnitFilesCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-unit-files [PATTERN...]",
		Short: "List unit files and their enablement state",
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			files := getApp(cmd).Manager.ListUnitFiles(args)
			if structured(outputFormat) {
				return PrintOutput(cmd.OutOrStdout(), outputFormat, files)
			}
			tbl := newTable(cmd, "Unit File", "State")
			for _, f := range files {
				tbl.AddRow(f.Name, f.State)
			}
			tbl.Print()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d unit files listed.\n", len(files))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// ListDependenciesCommand represents the list-dependencies command.
type ListDependenciesCommand struct{}

// NewListDependenciesCommand creates a new ListDependenciesCommand.
func NewListDependenciesCommand() *ListDependenciesCommand {
	return &ListDependenciesCommand{}
}

// GetCobraCommand returns the cobra command for printing a dependency tree.
func (c *ListDependenciesCommand) GetCobraCommand() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "list-dependencies [UNIT]",
		Short: "Show the units required and wanted by a unit",
		Long:  "Show the units required and wanted by a unit, the default target when none is given.",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return validateUnitNames(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			name := app.Config.DefaultTarget
			if len(args) == 1 {
				name = args[0]
			}
			lines, err := app.Manager.ListDependencies(name, maxDepth)
			if err != nil {
				return err
			}
			if structured(outputFormat) {
				return PrintOutput(cmd.OutOrStdout(), outputFormat, lines)
			}
			for _, l := range lines {
				if l.Depth == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), l.Name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s└─%s\n", strings.Repeat("  ", l.Depth-1), l.Name)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().IntVar(&maxDepth, "depth", 0, "Limit the tree depth, 0 for no limit")
	return cmd
}
