package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// DefaultFuzzyThreshold is the similarity cutoff used when fuzzy matching
// is requested without an explicit threshold.
const DefaultFuzzyThreshold = 70

// Options select and shape a search.
type Options struct {
	Query          string
	Source         string // repository | main | "" for both
	Limit          int    // default 20
	Offset         int
	Fuzzy          bool
	FuzzyThreshold int               // 0-100, default 70
	Facets         []string          // facet names to count over the matches
	Filters        map[string]string // facet name -> required value
	DateStart      string            // ISO date, inclusive
	DateEnd        string            // ISO date, inclusive
}

// Result is one search hit.
type Result struct {
	Source   string  `json:"source"`
	SourceID string  `json:"source_id"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	Date     string  `json:"date,omitempty"`
	Type     string  `json:"type,omitempty"`
	Score    float64 `json:"score"`
	Fuzzy    bool    `json:"fuzzy,omitempty"` // matched only with fuzzy help
}

// Response is a full search answer.
type Response struct {
	Results []Result                  `json:"results"`
	Total   int                       `json:"total"`
	Took    time.Duration             `json:"took"`
	Facets  map[string]map[string]int `json:"facets,omitempty"`
}

type document struct {
	id       int64
	source   string
	sourceID string
	title    string
	body     string
	date     string
	typ      string

	normBody  string // lowercase tokenized body+title for phrase checks
	score     float64
	usedFuzzy bool
	matched   map[string]bool // matched tokens for snippet highlighting
}

// Search runs a query. Tokens combine with AND by default, OR splits
// clauses, double quotes form phrases. With Fuzzy enabled a token also
// matches document tokens whose similarity clears the threshold, ranked
// below exact matches.
func (ix *Index) Search(ctx context.Context, opts Options) (*Response, error) {
	start := time.Now()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold > 100 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if opts.Source != "" && opts.Source != SourceRepository && opts.Source != SourceMain {
		return nil, errkind.New(errkind.Validation, "unknown source %q", opts.Source)
	}

	docs, err := ix.loadDocuments(ctx, opts)
	if err != nil {
		return nil, err
	}

	clauses := parseQuery(opts.Query)
	var matches []*document
	if len(clauses) == 0 {
		matches = docs
	} else {
		postings, fuzzyTokens, err := ix.loadPostings(ctx, clauses, opts)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if matchDocument(doc, clauses, postings, fuzzyTokens) {
				matches = append(matches, doc)
			}
		}
	}

	// Exact matches rank above fuzzy ones; within each band by score,
	// then recency, then a stable ID order.
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.usedFuzzy != b.usedFuzzy {
			return !a.usedFuzzy
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.date != b.date {
			return a.date > b.date
		}
		return a.sourceID < b.sourceID
	})

	resp := &Response{Total: len(matches)}
	if len(opts.Facets) > 0 {
		resp.Facets, err = ix.facetCounts(ctx, matches, opts.Facets)
		if err != nil {
			return nil, err
		}
	}

	lo := opts.Offset
	if lo > len(matches) {
		lo = len(matches)
	}
	hi := lo + opts.Limit
	if hi > len(matches) {
		hi = len(matches)
	}
	resp.Results = make([]Result, 0, hi-lo)
	for _, doc := range matches[lo:hi] {
		resp.Results = append(resp.Results, Result{
			Source:   doc.source,
			SourceID: doc.sourceID,
			Title:    doc.title,
			Snippet:  snippet(doc.body, doc.matched),
			Date:     doc.date,
			Type:     doc.typ,
			Score:    doc.score,
			Fuzzy:    doc.usedFuzzy,
		})
	}

	resp.Took = time.Since(start)
	return resp, nil
}

// loadDocuments fetches documents passing the source, date, and facet
// filters. Matching against the query happens in memory.
func (ix *Index) loadDocuments(ctx context.Context, opts Options) ([]*document, error) {
	query := `SELECT doc_id, source, source_id, title, body, COALESCE(date, ''), type
		FROM documents WHERE 1=1`
	var args []any
	if opts.Source != "" {
		query += ` AND source = ?`
		args = append(args, opts.Source)
	}
	if opts.DateStart != "" {
		query += ` AND date >= ?`
		args = append(args, opts.DateStart)
	}
	if opts.DateEnd != "" {
		query += ` AND date <= ?`
		args = append(args, opts.DateEnd)
	}
	for name, value := range opts.Filters {
		query += ` AND doc_id IN (SELECT doc_id FROM facets WHERE name = ? AND value = ?)`
		args = append(args, name, value)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var docs []*document
	for rows.Next() {
		doc := &document{matched: make(map[string]bool)}
		if err := rows.Scan(&doc.id, &doc.source, &doc.sourceID,
			&doc.title, &doc.body, &doc.date, &doc.typ); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		doc.normBody = strings.Join(Tokenize(doc.title+" "+doc.body), " ")
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// loadPostings fetches term frequencies for every query token, plus the
// fuzzy-similar index tokens when fuzzy matching is on. The outer map is
// keyed by query token; fuzzyTokens maps a query token to the similar
// index tokens and their similarity.
func (ix *Index) loadPostings(ctx context.Context, clauses []clause, opts Options) (map[string]map[int64]int, map[string]map[string]int, error) {
	need := make(map[string]bool)
	for _, c := range clauses {
		for _, t := range c.terms {
			for _, tok := range t.tokens {
				need[tok] = true
			}
		}
	}

	postings := make(map[string]map[int64]int, len(need))
	for tok := range need {
		m, err := ix.tokenPostings(ctx, tok)
		if err != nil {
			return nil, nil, err
		}
		postings[tok] = m
	}

	fuzzyTokens := make(map[string]map[string]int)
	if opts.Fuzzy {
		indexTokens, err := ix.distinctTokens(ctx)
		if err != nil {
			return nil, nil, err
		}
		for tok := range need {
			similar := make(map[string]int)
			for _, cand := range indexTokens {
				if cand == tok {
					continue
				}
				if sim := Similarity(tok, cand); sim >= opts.FuzzyThreshold {
					similar[cand] = sim
				}
			}
			if len(similar) > 0 {
				fuzzyTokens[tok] = similar
				for cand := range similar {
					if _, ok := postings[cand]; !ok {
						m, err := ix.tokenPostings(ctx, cand)
						if err != nil {
							return nil, nil, err
						}
						postings[cand] = m
					}
				}
			}
		}
	}
	return postings, fuzzyTokens, nil
}

func (ix *Index) tokenPostings(ctx context.Context, token string) (map[int64]int, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT doc_id, tf FROM postings WHERE token = ?`, token)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	m := make(map[int64]int)
	for rows.Next() {
		var docID int64
		var tf int
		if err := rows.Scan(&docID, &tf); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		m[docID] = tf
	}
	return m, rows.Err()
}

func (ix *Index) distinctTokens(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT DISTINCT token FROM postings`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// matchDocument evaluates the clause disjunction against one document,
// accumulating the score and highlight tokens on the document.
func matchDocument(doc *document, clauses []clause, postings map[string]map[int64]int, fuzzyTokens map[string]map[string]int) bool {
	matched := false
	for _, c := range clauses {
		score, usedFuzzy, hits, ok := matchClause(doc, c, postings, fuzzyTokens)
		if !ok {
			continue
		}
		matched = true
		if score > doc.score {
			doc.score = score
			doc.usedFuzzy = usedFuzzy
		}
		for tok := range hits {
			doc.matched[tok] = true
		}
	}
	return matched
}

// matchClause requires every term of the clause to match. The fuzzy
// contribution is discounted so exact term frequency dominates.
func matchClause(doc *document, c clause, postings map[string]map[int64]int, fuzzyTokens map[string]map[string]int) (float64, bool, map[string]bool, bool) {
	score := 0.0
	usedFuzzy := false
	hits := make(map[string]bool)

	for _, t := range c.terms {
		if t.phrase {
			if !strings.Contains(doc.normBody, t.text) {
				return 0, false, nil, false
			}
			for _, tok := range t.tokens {
				hits[tok] = true
			}
			score += float64(len(t.tokens))
			continue
		}

		tok := t.tokens[0]
		if tf, ok := postings[tok][doc.id]; ok {
			score += float64(tf)
			hits[tok] = true
			continue
		}

		fuzzyHit := false
		for cand, sim := range fuzzyTokens[tok] {
			if tf, ok := postings[cand][doc.id]; ok {
				score += float64(tf) * float64(sim) / 100 * 0.5
				hits[cand] = true
				fuzzyHit = true
			}
		}
		if !fuzzyHit {
			return 0, false, nil, false
		}
		usedFuzzy = true
	}
	return score, usedFuzzy, hits, true
}

// facetCounts tallies facet values over the matched documents.
func (ix *Index) facetCounts(ctx context.Context, matches []*document, names []string) (map[string]map[string]int, error) {
	wanted := make(map[string]bool, len(names))
	counts := make(map[string]map[string]int, len(names))
	for _, name := range names {
		wanted[name] = true
		counts[name] = make(map[string]int)
	}
	if len(matches) == 0 {
		return counts, nil
	}

	for _, doc := range matches {
		rows, err := ix.db.QueryContext(ctx,
			`SELECT name, value FROM facets WHERE doc_id = ?`, doc.id)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		for rows.Next() {
			var name, value string
			if err := rows.Scan(&name, &value); err != nil {
				rows.Close()
				return nil, errkind.Wrap(errkind.Internal, err)
			}
			if wanted[name] {
				counts[name][value]++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
	}
	return counts, nil
}

// snippetRadius is how many characters of context surround the first
// highlighted token.
const snippetRadius = 80

// snippet extracts a window of the body around the first matched token and
// wraps every matched token in [[ ]] markers.
func snippet(body string, matched map[string]bool) string {
	if body == "" {
		return ""
	}
	lower := strings.ToLower(body)

	first := -1
	for tok := range matched {
		if idx := strings.Index(lower, tok); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}

	lo, hi := 0, len(body)
	if first >= 0 {
		lo = first - snippetRadius
		if lo < 0 {
			lo = 0
		}
		hi = first + snippetRadius
		if hi > len(body) {
			hi = len(body)
		}
	} else if hi > 2*snippetRadius {
		hi = 2 * snippetRadius
	}

	window := body[lo:hi]

	// Highlight token occurrences word by word to keep the original
	// casing and punctuation intact.
	words := strings.Fields(window)
	for i, w := range words {
		norm := strings.ToLower(strings.Trim(w, `.,;:!?'"()[]`))
		if matched[norm] {
			words[i] = strings.Replace(w, strings.Trim(w, `.,;:!?'"()[]`),
				"[["+strings.Trim(w, `.,;:!?'"()[]`)+"]]", 1)
		}
	}
	out := strings.Join(words, " ")
	if lo > 0 {
		out = "…" + out
	}
	if hi < len(body) {
		out += "…"
	}
	return out
}
