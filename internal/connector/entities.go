package connector

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

// EntityExtractor derives person, place, and date strings from page text
// with a capitalized-token heuristic and records them in the page's
// metadata under the "entities" key.
type EntityExtractor struct {
	store  *repo.Store
	logger *slog.Logger
}

// NewEntityExtractor creates an extractor over the repository store.
func NewEntityExtractor(store *repo.Store, logger *slog.Logger) *EntityExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityExtractor{store: store, logger: logger.With("component", "entities")}
}

// Entities is the extraction result for one text.
type Entities struct {
	People []string `json:"people,omitempty"`
	Places []string `json:"places,omitempty"`
	Dates  []string `json:"dates,omitempty"`
}

// ExtractEntities runs extraction over a page's OCR text and merges the
// result into the page metadata. Returns the number of distinct entities.
func (x *EntityExtractor) ExtractEntities(ctx context.Context, pageID string) (int, error) {
	text, err := x.store.PageText(ctx, pageID)
	if err != nil {
		return 0, err
	}

	entities := Extract(text)
	total := len(entities.People) + len(entities.Places) + len(entities.Dates)
	if total == 0 {
		return 0, nil
	}

	if err := x.store.MergePageMetadata(ctx, pageID, map[string]any{
		"entities": entities,
	}); err != nil {
		return 0, err
	}

	x.logger.Info("entities extracted", "page_id", pageID,
		"people", len(entities.People), "places", len(entities.Places),
		"dates", len(entities.Dates))
	return total, nil
}

var datePattern = regexp.MustCompile(
	`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(?:,\s*\d{4})?\b|\b\d{4}-\d{2}-\d{2}\b`)

// personTitles introduce a person name in period newspaper prose.
var personTitles = map[string]bool{
	"Mr.": true, "Mrs.": true, "Miss": true, "Dr.": true, "Rev.": true,
	"Capt.": true, "Col.": true, "Gen.": true, "Gov.": true, "Sen.": true,
	"Judge": true, "President": true,
}

// placeMarkers precede or follow a place name.
var placeMarkers = map[string]bool{
	"at": true, "in": true, "near": true, "from": true, "of": true,
}

// Extract applies the capitalized-token heuristic: runs of capitalized
// words after a personal title become people; capitalized runs after a
// locational preposition become places; month-day and ISO dates become
// dates. Sentence-initial capitals with no marker are ignored.
func Extract(text string) Entities {
	var e Entities

	for _, m := range datePattern.FindAllString(text, -1) {
		e.Dates = append(e.Dates, m)
	}

	words := strings.Fields(text)
	people := make(map[string]bool)
	places := make(map[string]bool)

	for i := 0; i < len(words); i++ {
		w := words[i]
		if personTitles[w] {
			if name := capitalizedRun(words, i+1); name != "" {
				people[strings.TrimSuffix(w+" "+name, ".")] = true
			}
			continue
		}
		if placeMarkers[strings.ToLower(w)] && i > 0 {
			if place := capitalizedRun(words, i+1); place != "" && !people[place] {
				places[place] = true
			}
		}
	}

	e.People = sortedKeys(people)
	e.Places = sortedKeys(places)
	e.Dates = dedupe(e.Dates)
	return e
}

// capitalizedRun collects up to three consecutive capitalized words
// starting at index i.
func capitalizedRun(words []string, i int) string {
	var run []string
	for ; i < len(words) && len(run) < 3; i++ {
		w := strings.Trim(words[i], `.,;:!?'"()`)
		if w == "" || w[0] < 'A' || w[0] > 'Z' {
			break
		}
		if strings.ToUpper(w) == w && len(w) > 3 {
			break // all-caps headline text, not a name
		}
		run = append(run, w)
	}
	return strings.Join(run, " ")
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
