package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

var (
	processLCCN      string
	processReprocess bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Queue OCR for a publication's pages",
	Long: `Create a bulk operation that queues OCR tasks for every unprocessed
page of a publication. With --reprocess, pages that already have OCR output
are queued again.

Examples:
  broadsheet process --publication sn83045604
  broadsheet process --publication sn83045604 --reprocess`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var pages []*repo.Page
		const batch = 500
		for offset := 0; ; offset += batch {
			got, err := svcs.Store.SearchPages(ctx, repo.PageFilter{
				LCCN:   processLCCN,
				Limit:  batch,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			pages = append(pages, got...)
			if len(got) < batch {
				break
			}
		}

		var tasks []queue.Task
		for _, p := range pages {
			if !processReprocess && p.Status != repo.PageStatusNew && p.Status != repo.PageStatusFailed {
				continue
			}
			tasks = append(tasks, queue.Task{PageID: p.ID, Operation: queue.OpOCR})
		}
		if len(tasks) == 0 {
			return errkind.New(errkind.NotFound,
				"no pages to process for %s", processLCCN)
		}

		bulkID, err := svcs.Queue.BulkCreate(ctx,
			fmt.Sprintf("process %s", processLCCN), queue.OpOCR)
		if err != nil {
			return err
		}
		ids, err := svcs.Queue.BulkEnqueue(ctx, bulkID, tasks)
		if err != nil {
			return err
		}

		return output(map[string]any{
			"bulk_id":      bulkID,
			"tasks_queued": len(ids),
		})
	},
}

func init() {
	processCmd.Flags().StringVar(&processLCCN, "publication", "", "publication LCCN (required)")
	processCmd.Flags().BoolVar(&processReprocess, "reprocess", false, "queue pages that already have OCR output")
	_ = processCmd.MarkFlagRequired("publication")
	rootCmd.AddCommand(processCmd)
}
