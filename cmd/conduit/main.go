package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Conduit mediates AI provider calls with caching, budgets and routing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults built in when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newBudgetCmd(&configPath),
		newCacheCmd(&configPath),
		newProvidersCmd(&configPath),
		newSpendCmd(&configPath),
		newAuditCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return root
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
