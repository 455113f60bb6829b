package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

var backupOutput string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the databases",
	Long: `Copy the repository, main, and search databases to timestamped
files after checkpointing their write-ahead logs. The default destination
is the backups directory under the home directory.

Examples:
  broadsheet backup
  broadsheet backup --output /mnt/backups`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		dest := backupOutput
		if dest == "" {
			dest = svcs.Home.BackupsDir()
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return errkind.Wrap(errkind.ResourceExhausted, err)
		}

		cfg := svcs.Config.Get()
		cfg.ResolvePaths(svcs.Home)
		stamp := time.Now().UTC().Format("20060102-150405")

		if err := svcs.Index.Checkpoint(ctx); err != nil {
			return err
		}
		sources := []struct {
			db   *sql.DB
			path string
		}{
			{svcs.Store.DB(), cfg.DatabasePath},
			{svcs.MainDB, cfg.MainDatabasePath},
			{nil, cfg.SearchIndexPath},
		}

		var written []string
		for _, src := range sources {
			if src.db != nil {
				// Fold WAL contents into the main file so the copy is complete.
				if _, err := src.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
					return errkind.Wrap(errkind.Internal, err)
				}
			}
			if _, err := os.Stat(src.path); os.IsNotExist(err) {
				continue
			}
			base := filepath.Base(src.path)
			out := filepath.Join(dest, fmt.Sprintf("%s.%s", base, stamp))
			if err := copyFile(src.path, out); err != nil {
				return err
			}
			written = append(written, out)
		}

		return output(map[string]any{
			"destination": dest,
			"files":       written,
		})
	},
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errkind.Wrap(errkind.ResourceExhausted, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errkind.Wrap(errkind.ResourceExhausted, err)
	}
	return out.Close()
}

func init() {
	backupCmd.Flags().StringVar(&backupOutput, "output", "", "backup directory (default: <home>/backups)")
	rootCmd.AddCommand(backupCmd)
}
