package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

var (
	extractLCCN      string
	extractStartDate string
	extractEndDate   string
)

var extractEntitiesCmd = &cobra.Command{
	Use:   "extract-entities",
	Short: "Queue entity extraction for OCR'd pages",
	Long: `Create a bulk operation that queues entity extraction for every
page of a publication that has OCR text. People, places, and dates found in
the text are recorded in each page's metadata.

Examples:
  broadsheet extract-entities --publication sn83045604
  broadsheet extract-entities --publication sn83045604 --start-date 1897-07-01 --end-date 1897-07-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var tasks []queue.Task
		const batch = 500
		for offset := 0; ; offset += batch {
			pages, err := svcs.Store.SearchPages(ctx, repo.PageFilter{
				LCCN:      extractLCCN,
				DateStart: extractStartDate,
				DateEnd:   extractEndDate,
				Limit:     batch,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			for _, p := range pages {
				if p.Status != repo.PageStatusOCRDone && p.Status != repo.PageStatusSegmented {
					continue
				}
				tasks = append(tasks, queue.Task{PageID: p.ID, Operation: queue.OpExtractEntities})
			}
			if len(pages) < batch {
				break
			}
		}
		if len(tasks) == 0 {
			return errkind.New(errkind.NotFound,
				"no OCR'd pages for %s in range", extractLCCN)
		}

		bulkID, err := svcs.Queue.BulkCreate(ctx,
			fmt.Sprintf("extract-entities %s", extractLCCN), queue.OpExtractEntities)
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
	extractEntitiesCmd.Flags().StringVar(&extractLCCN, "publication", "", "publication LCCN (required)")
	extractEntitiesCmd.Flags().StringVar(&extractStartDate, "start-date", "", "start date (yyyy-mm-dd)")
	extractEntitiesCmd.Flags().StringVar(&extractEndDate, "end-date", "", "end date (yyyy-mm-dd)")
	_ = extractEntitiesCmd.MarkFlagRequired("publication")
	rootCmd.AddCommand(extractEntitiesCmd)
}
