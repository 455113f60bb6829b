package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

var (
	listSource string
	listLCCN   string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List repository contents",
	Long: `Summarize what the repository holds. By default lists publications
with per-status page counts; --publication lists that publication's pages;
--source main lists promoted events.

Examples:
  broadsheet list
  broadsheet list --publication sn83045604
  broadsheet list --source main --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		switch listSource {
		case "main":
			events, err := svcs.Connector.ListEvents(ctx, listLimit)
			if err != nil {
				return err
			}
			return output(map[string]any{"events": events})
		case "", "repo", "repository":
		default:
			return errkind.New(errkind.Validation,
				"unknown source %q: want repo or main", listSource)
		}

		if listLCCN != "" {
			pages, err := svcs.Store.SearchPages(ctx, repo.PageFilter{
				LCCN:  listLCCN,
				Limit: listLimit,
			})
			if err != nil {
				return err
			}
			return output(map[string]any{"pages": pages})
		}

		pubs, err := svcs.Store.ListPublications(ctx)
		if err != nil {
			return err
		}
		type pubSummary struct {
			repo.Publication
			Pages map[string]int `json:"pages"`
		}
		summaries := make([]pubSummary, 0, len(pubs))
		for _, pub := range pubs {
			counts, err := svcs.Store.PageStatusCounts(ctx, pub.LCCN)
			if err != nil {
				return err
			}
			byStatus := make(map[string]int, len(counts))
			for _, c := range counts {
				byStatus[string(c.Status)] = c.Count
			}
			summaries = append(summaries, pubSummary{Publication: pub, Pages: byStatus})
		}
		return output(map[string]any{"publications": summaries})
	},
}

func init() {
	listCmd.Flags().StringVar(&listSource, "source", "", "list scope: repo (default) or main")
	listCmd.Flags().StringVar(&listLCCN, "publication", "", "list pages of this publication")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(listCmd)
}
