package main

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/indexer"
)

var (
	maintVacuum  bool
	maintAnalyze bool
	maintReindex bool
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run database maintenance",
	Long: `Run maintenance against the repository and main databases:
--vacuum reclaims space, --analyze refreshes query planner statistics, and
--rebuild-index rebuilds the search index from the primary stores.

Examples:
  broadsheet maintenance --vacuum --analyze
  broadsheet maintenance --rebuild-index`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !maintVacuum && !maintAnalyze && !maintReindex {
			return errkind.New(errkind.Validation,
				"nothing to do: pass --vacuum, --analyze, or --rebuild-index")
		}

		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		report := map[string]any{}
		dbs := map[string]*sql.DB{
			"repository": svcs.Store.DB(),
			"main":       svcs.MainDB,
		}

		if maintVacuum {
			for name, db := range dbs {
				if err := execPragma(ctx, db, "VACUUM"); err != nil {
					return err
				}
				report["vacuum_"+name] = "ok"
			}
		}
		if maintAnalyze {
			for name, db := range dbs {
				if err := execPragma(ctx, db, "ANALYZE"); err != nil {
					return err
				}
				report["analyze_"+name] = "ok"
			}
		}
		if maintReindex {
			ix := indexer.New(svcs.Store, svcs.Connector, svcs.Index, svcs.Logger)
			n, err := ix.Reindex(ctx, "all")
			if err != nil {
				return err
			}
			report["reindexed_documents"] = n
		}

		return output(report)
	},
}

func execPragma(ctx context.Context, db *sql.DB, stmt string) error {
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

func init() {
	maintenanceCmd.Flags().BoolVar(&maintVacuum, "vacuum", false, "reclaim unused database space")
	maintenanceCmd.Flags().BoolVar(&maintAnalyze, "analyze", false, "refresh query planner statistics")
	maintenanceCmd.Flags().BoolVar(&maintReindex, "rebuild-index", false, "rebuild the search index")
	rootCmd.AddCommand(maintenanceCmd)
}
