// Package cmd wires the sage command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage - RAG chat backend for a personal portfolio site",
	Long: `Sage answers visitor questions about the site owner using content
ingested from the portfolio itself. It serves a streaming chat API backed
by pgvector similarity search and a Gemini model.

Run "sage ingest" to index content, then "sage serve" to start the API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
