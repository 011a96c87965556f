package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bibupload",
	Short: "Ingest bibliographic records into the record store",
	Long: `bibupload reconciles incoming MARCXML records with the records already
stored under the same identity. It resolves identities, verifies revision
markers, merges fields under an upload mode, synchronizes attached files and
document relations, and keeps a field-level history of every commit.

Records that cannot be applied safely are quarantined in the holding pen.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx; an upload stops between
// records once ctx is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides BIBUPLOAD_DB_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, yaml, tsv")
}
