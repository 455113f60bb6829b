package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

var (
	bulkDescription string
	bulkOperation   string
	bulkPageIDs     []string
	bulkLCCN        string
	bulkParams      string
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Manage bulk operations",
}

var bulkCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty bulk operation",
	Long: `Create a bulk operation that tasks can be added to with bulk add.

Examples:
  broadsheet bulk create --description "july ocr run" --operation ocr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		bulkID, err := svcs.Queue.BulkCreate(ctx, bulkDescription, queue.Operation(bulkOperation))
		if err != nil {
			return err
		}
		return output(map[string]any{"bulk_id": bulkID})
	},
}

var bulkAddCmd = &cobra.Command{
	Use:   "add <bulk-id>",
	Short: "Add tasks to a bulk operation",
	Long: `Queue tasks under an existing bulk. Tasks come from explicit
--page-id flags or from every page of a --publication; --params attaches
JSON parameters to each task.

Examples:
  broadsheet bulk add 5f0c... --publication sn83045604
  broadsheet bulk add 5f0c... --page-id abc --page-id def --params '{"language":"fra"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var params map[string]any
		if bulkParams != "" {
			if err := json.Unmarshal([]byte(bulkParams), &params); err != nil {
				return errkind.New(errkind.Validation, "invalid --params JSON: %v", err)
			}
		}

		pageIDs := bulkPageIDs
		if bulkLCCN != "" {
			const batch = 500
			for offset := 0; ; offset += batch {
				pages, err := svcs.Store.SearchPages(ctx, repo.PageFilter{
					LCCN:   bulkLCCN,
					Limit:  batch,
					Offset: offset,
				})
				if err != nil {
					return err
				}
				for _, p := range pages {
					pageIDs = append(pageIDs, p.ID)
				}
				if len(pages) < batch {
					break
				}
			}
		}
		if len(pageIDs) == 0 {
			return errkind.New(errkind.Validation,
				"no tasks to add: pass --page-id or --publication")
		}

		tasks := make([]queue.Task, 0, len(pageIDs))
		for _, id := range pageIDs {
			tasks = append(tasks, queue.Task{PageID: id, Parameters: params})
		}
		ids, err := svcs.Queue.BulkEnqueue(ctx, args[0], tasks)
		if err != nil {
			return err
		}
		return output(map[string]any{
			"bulk_id":      args[0],
			"tasks_queued": len(ids),
		})
	},
}

var bulkStatusCmd = &cobra.Command{
	Use:   "status [bulk-id]",
	Short: "Show one bulk, or list all bulks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if len(args) == 1 {
			bulk, err := svcs.Queue.GetBulk(ctx, args[0])
			if err != nil {
				return err
			}
			return output(bulk)
		}
		bulks, err := svcs.Queue.ListBulks(ctx)
		if err != nil {
			return err
		}
		return output(map[string]any{"bulks": bulks})
	},
}

var bulkPauseCmd = &cobra.Command{
	Use:   "pause <bulk-id>",
	Short: "Pause leasing of a bulk's pending tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bulkAction(cmd, args[0], "paused", (*queue.Queue).PauseBulk)
	},
}

var bulkResumeCmd = &cobra.Command{
	Use:   "resume <bulk-id>",
	Short: "Resume a paused bulk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bulkAction(cmd, args[0], "resumed", (*queue.Queue).ResumeBulk)
	},
}

var bulkCancelCmd = &cobra.Command{
	Use:   "cancel <bulk-id>",
	Short: "Cancel a bulk and its unfinished tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bulkAction(cmd, args[0], "cancelled", (*queue.Queue).CancelBulk)
	},
}

var bulkRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed <bulk-id>",
	Short: "Requeue a bulk's failed tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := svcs.Queue.RetryFailed(ctx, args[0])
		if err != nil {
			return err
		}
		return output(map[string]any{
			"bulk_id": args[0],
			"retried": n,
		})
	},
}

func bulkAction(cmd *cobra.Command, bulkID, verb string, fn func(*queue.Queue, context.Context, string) error) error {
	ctx := cmd.Context()
	svcs, cleanup, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := fn(svcs.Queue, ctx, bulkID); err != nil {
		return err
	}
	return output(map[string]any{"bulk_id": bulkID, "status": verb})
}

func init() {
	bulkCreateCmd.Flags().StringVar(&bulkDescription, "description", "", "bulk description")
	bulkCreateCmd.Flags().StringVar(&bulkOperation, "operation", "", "task operation (required)")
	_ = bulkCreateCmd.MarkFlagRequired("operation")

	bulkAddCmd.Flags().StringSliceVar(&bulkPageIDs, "page-id", nil, "page to queue (repeatable)")
	bulkAddCmd.Flags().StringVar(&bulkLCCN, "publication", "", "queue every page of this publication")
	bulkAddCmd.Flags().StringVar(&bulkParams, "params", "", "JSON parameters for each task")

	bulkCmd.AddCommand(bulkCreateCmd, bulkAddCmd, bulkStatusCmd,
		bulkPauseCmd, bulkResumeCmd, bulkCancelCmd, bulkRetryFailedCmd)
	rootCmd.AddCommand(bulkCmd)
}
