package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigCommand represents the config command for systemctl CLI.
type ConfigCommand struct{}

// NewConfigCommand creates a new ConfigCommand.
func NewConfigCommand() *ConfigCommand {
	return &ConfigCommand{}
}

// GetCobraCommand returns the cobra command for config operations.
func (c *ConfigCommand) GetCobraCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(NewConfigShowCommand().GetCobraCommand())
	return configCmd
}

// ConfigShowCommand represents the config show command.
type ConfigShowCommand struct{}

// NewConfigShowCommand creates a new ConfigShowCommand.
func NewConfigShowCommand() *ConfigShowCommand {
	return &ConfigShowCommand{}
}

// GetCobraCommand returns the cobra command for config show operations.
func (c *ConfigShowCommand) GetCobraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  "Display the current configuration including defaults and overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := yaml.Marshal(getApp(cmd).Config)
			if err != nil {
				return fmt.Errorf("marshalling config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(output))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
