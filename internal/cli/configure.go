package cli

import (
	"fmt"
	"os"

	"github.com/harun/agentd/internal/logger"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the agentd configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and AGENTD_*
environment overrides are applied. Credentials are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	configPath := loader.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start agentd with: agentd start")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), logger.NewRedactor().Redact(cfg.String()))
	return cfg.Validate()
}
