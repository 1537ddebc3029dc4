package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidleathers/policy-guardian/internal/infrastructure/config"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "guardiand",
	Short: "Policy Guardian - real-time AI governance engine",
	Long: `Policy Guardian evaluates AI outputs against weighted compliance rules,
remediates violations, classifies threats and dispatches them to guardian
agents. Every decision is written to a hash-chained audit trail.

Configuration is layered: built-in defaults, the YAML file given by --config
and GUARDIAN_ environment variables (GUARDIAN_MONITOR__DRIFT_INTERVAL=5s).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
