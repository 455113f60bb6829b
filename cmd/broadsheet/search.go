package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/search"
)

var (
	searchSource    string
	searchLimit     int
	searchOffset    int
	searchFuzzy     bool
	searchThreshold int
	searchFacets    []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the full-text index",
	Long: `Search indexed pages, segments, articles, and events. Terms
combine with AND; OR splits alternatives; quoted strings match as phrases.

Examples:
  broadsheet search klondike gold
  broadsheet search '"klondike gold" OR yukon' --fuzzy
  broadsheet search klondike --source main --limit 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		source := ""
		switch searchSource {
		case "", "all":
		case "repo", "repository":
			source = search.SourceRepository
		case "main":
			source = search.SourceMain
		default:
			return errkind.New(errkind.Validation,
				"unknown source %q: want repo, main, or all", searchSource)
		}

		resp, err := svcs.Index.Search(ctx, search.Options{
			Query:          strings.Join(args, " "),
			Source:         source,
			Limit:          searchLimit,
			Offset:         searchOffset,
			Fuzzy:          searchFuzzy,
			FuzzyThreshold: searchThreshold,
			Facets:         searchFacets,
		})
		if err != nil {
			return err
		}
		return output(resp)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchSource, "source", "all", "search scope: repo, main, or all")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "result offset for paging")
	searchCmd.Flags().BoolVar(&searchFuzzy, "fuzzy", false, "allow approximate term matches")
	searchCmd.Flags().IntVar(&searchThreshold, "threshold", 0, "fuzzy similarity threshold 1-100 (default 70)")
	searchCmd.Flags().StringSliceVar(&searchFacets, "facets", nil, "facet names to count over the matches")
	rootCmd.AddCommand(searchCmd)
}
