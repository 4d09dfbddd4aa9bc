package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/IshanDwivedii/smtp-pool/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for generating, validating and inspecting the smtp-pool configuration",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE:  showConfig,
	})
	rootCmd.AddCommand(configCmd)
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "smtp-pool.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.DefaultConfig().SaveConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	out := cmd.OutOrStdout()
	_, result, err := config.LoadConfig(configFile)
	if result == nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if result.Valid {
		fmt.Fprintln(out, "Configuration is valid")
	} else {
		fmt.Fprintf(out, "Configuration has %d error(s):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "Warnings (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), config.RedactConfig(string(data)))
	return nil
}
