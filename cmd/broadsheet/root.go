package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "broadsheet",
	Short: "Historical newspaper acquisition and enrichment pipeline",
	Long: `Broadsheet acquires digitized newspaper pages from public archives,
runs them through OCR and layout analysis, and promotes article clippings
into a database of historical events.

The pipeline includes:
  - Archive search and download with rate limiting and retry
  - OCR with HOCR layout analysis and segment classification
  - A durable work queue with bulk operations
  - Full-text search with fuzzy matching across both stores
  - Promotion of article segments into the main events database`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.broadsheet/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "broadsheet home directory (default: ~/.broadsheet)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
