// Package indexer rebuilds the search index from the primary stores. It is
// the glue between the repository, the main events store, and the search
// package: reindex jobs and the maintenance command both go through here.
package indexer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jackzampolin/broadsheet/internal/connector"
	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
	"github.com/jackzampolin/broadsheet/internal/search"
)

// Indexer feeds the search index from the primary stores.
type Indexer struct {
	store  *repo.Store
	conn   *connector.Connector
	index  *search.Index
	logger *slog.Logger
}

// New creates an Indexer. conn may be nil when no main store is configured;
// reindexing "main" then indexes nothing.
func New(store *repo.Store, conn *connector.Connector, index *search.Index, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:  store,
		conn:   conn,
		index:  index,
		logger: logger.With("component", "indexer"),
	}
}

// Reindex rebuilds the named source ("repo", "main", or "all") from scratch
// and returns the number of documents indexed.
func (ix *Indexer) Reindex(ctx context.Context, source string) (int, error) {
	switch source {
	case "repo", "repository":
		return ix.reindexRepository(ctx)
	case "main":
		return ix.reindexMain(ctx)
	case "all", "":
		n, err := ix.reindexRepository(ctx)
		if err != nil {
			return n, err
		}
		m, err := ix.reindexMain(ctx)
		return n + m, err
	default:
		return 0, errkind.New(errkind.Validation,
			"unknown reindex source %q: want repo, main, or all", source)
	}
}

func (ix *Indexer) reindexRepository(ctx context.Context) (int, error) {
	titles := map[string]string{}
	pubs, err := ix.store.ListPublications(ctx)
	if err != nil {
		return 0, err
	}
	for _, pub := range pubs {
		titles[pub.LCCN] = pub.Title
	}

	var entries []search.Entry

	const batch = 500
	for offset := 0; ; offset += batch {
		pages, err := ix.store.SearchPages(ctx, repo.PageFilter{Limit: batch, Offset: offset})
		if err != nil {
			return 0, err
		}
		for _, p := range pages {
			body, _ := ix.store.PageText(ctx, p.ID)
			entries = append(entries, search.Entry{
				Source:   search.SourceRepository,
				SourceID: p.ID,
				Title:    titles[p.LCCN],
				Body:     body,
				Date:     p.IssueDate,
				Type:     "page",
				Facets: map[string]string{
					"kind": "page",
					"lccn": p.LCCN,
				},
			})

			segs, err := ix.store.ListSegments(ctx, p.ID)
			if err != nil {
				return 0, err
			}
			for _, seg := range segs {
				if strings.TrimSpace(seg.Text) == "" {
					continue
				}
				entries = append(entries, search.Entry{
					Source:   search.SourceRepository,
					SourceID: seg.ID,
					Body:     seg.Text,
					Date:     p.IssueDate,
					Type:     "segment",
					Facets: map[string]string{
						"kind": string(seg.Kind),
						"lccn": p.LCCN,
					},
				})
			}
		}
		if len(pages) < batch {
			break
		}
	}

	articles, err := ix.store.ListArticles(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, a := range articles {
		entries = append(entries, search.Entry{
			Source:   search.SourceRepository,
			SourceID: a.ID,
			Title:    a.Title,
			Body:     a.Text,
			Type:     "article",
			Facets:   map[string]string{"kind": "article"},
		})
	}

	return ix.index.Reindex(ctx, search.SourceRepository, entries)
}

func (ix *Indexer) reindexMain(ctx context.Context) (int, error) {
	if ix.conn == nil {
		return 0, nil
	}
	events, err := ix.conn.ListEvents(ctx, 0)
	if err != nil {
		return 0, err
	}

	entries := make([]search.Entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, search.Entry{
			Source:   search.SourceMain,
			SourceID: ev.ID,
			Title:    ev.Title,
			Body:     ev.Body,
			Date:     ev.Date,
			Type:     "event",
			Facets:   map[string]string{"kind": "event"},
		})
	}
	return ix.index.Reindex(ctx, search.SourceMain, entries)
}
