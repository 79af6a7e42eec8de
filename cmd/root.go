package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dialect",
	Short: "Dialect - an approval-gated SQL agent over HTTP",
	Long: `Dialect answers natural-language questions against a SQLite database
by driving a Gemini model through a schema-inspect, query-check, query-run
tool loop. Queries that touch the database wait for human approval before
they execute; suspended turns survive process restarts and resume where
they left off.

Run "dialect serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
