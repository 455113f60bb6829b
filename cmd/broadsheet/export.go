package main

import (
	"github.com/spf13/cobra"
)

var (
	exportOutput string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export repository contents to a file",
	Long: `Write every page (and, for JSON, its segments) to a file. A JSON
export can be re-imported with the import command.

Examples:
  broadsheet export --output pages.json --format json
  broadsheet export --output pages.csv --format csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := svcs.Transfer.Export(ctx, exportFormat, exportOutput)
		if err != nil {
			return err
		}
		return output(map[string]any{
			"destination": exportOutput,
			"format":      exportFormat,
			"pages":       n,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "destination file (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format: json or csv")
	_ = exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}
