// Package cli provides the docfinder command line.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

// NewRootCmd creates the root command for the docfinder CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docfinder",
		Short: "Natural-language search over uploaded documents",
		Long: `docfinder indexes uploaded files (text extraction, embeddings and
AI tagging) through a durable job queue and answers natural-language
queries with hybrid vector and keyword ranking.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (defaults to $DOCFINDER_CONFIG or ./config.json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newAPIKeyCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
