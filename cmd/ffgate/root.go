package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ffgate/internal/config"
)

// commandContext lazily loads configuration shared by subcommands.
type commandContext struct {
	configFlag *string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path, err := resolveConfigPath(*c.configFlag)
	if err != nil {
		return nil, err
	}
	if path == "" {
		c.cfg = config.Defaults()
		return c.cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// resolveConfigPath returns the explicit flag, then $FFGATE_CONFIG, then
// ./config.yaml when present. Empty means built-in defaults.
func resolveConfigPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("FFGATE_CONFIG"); env != "" {
		return env, nil
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		abs, err := filepath.Abs("config.yaml")
		if err != nil {
			return "", fmt.Errorf("resolve config.yaml: %w", err)
		}
		return abs, nil
	}
	return "", nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	return cmd.Name() == "version" || cmd.Name() == "help"
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "ffgate",
		Short:         "HTTP front for ffmpeg media operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file or directory")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ffgate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ffgate version %s\n", version)
			return nil
		},
	}
}
