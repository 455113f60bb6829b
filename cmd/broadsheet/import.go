package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

var (
	importSourceType string
	importSourcePath string
	importMapping    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import pages from an external source",
	Long: `Load pages from a CSV file, an external SQLite database, or a
previous JSON export. A mapping file translates source column names to
repository fields.

Examples:
  broadsheet import --source-type csv --source-path pages.csv --mapping mapping.json
  broadsheet import --source-type sqlite --source-path legacy.db --mapping mapping.json
  broadsheet import --source-path pages.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if importSourceType != "" {
			ext := strings.TrimPrefix(filepath.Ext(importSourcePath), ".")
			ok := false
			switch importSourceType {
			case "csv":
				ok = ext == "csv"
			case "sqlite":
				ok = ext == "db" || ext == "sqlite" || ext == "sqlite3"
			case "json":
				ok = ext == "json"
			}
			if !ok {
				return errkind.New(errkind.Validation,
					"source type %q does not match file %q", importSourceType, importSourcePath)
			}
		}

		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := svcs.Transfer.Import(ctx, importSourcePath, importMapping)
		if err != nil {
			return err
		}
		return output(map[string]any{
			"source": importSourcePath,
			"pages":  n,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importSourceType, "source-type", "", "source type: csv, sqlite, or json (inferred from extension when omitted)")
	importCmd.Flags().StringVar(&importSourcePath, "source-path", "", "source file (required)")
	importCmd.Flags().StringVar(&importMapping, "mapping", "", "column mapping JSON file")
	_ = importCmd.MarkFlagRequired("source-path")
	rootCmd.AddCommand(importCmd)
}
