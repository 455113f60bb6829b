package search

import (
	"strings"
)

// term is one query atom: a single token or a quoted phrase.
type term struct {
	phrase bool
	text   string   // normalized phrase text, phrases only
	tokens []string // normalized tokens (one for plain terms)
}

// clause is a conjunction of terms. A query is a disjunction of clauses.
type clause struct {
	terms []term
}

// parseQuery splits a query into OR-separated clauses of AND-combined
// terms. AND is the default combinator; the AND keyword itself is
// accepted and skipped. Double-quoted runs form phrase terms.
func parseQuery(q string) []clause {
	raw := splitQuoted(q)

	var clauses []clause
	current := clause{}
	flush := func() {
		if len(current.terms) > 0 {
			clauses = append(clauses, current)
			current = clause{}
		}
	}

	for _, piece := range raw {
		if piece.quoted {
			tokens := Tokenize(piece.text)
			if len(tokens) == 0 {
				continue
			}
			current.terms = append(current.terms, term{
				phrase: true,
				text:   strings.Join(tokens, " "),
				tokens: tokens,
			})
			continue
		}
		switch strings.ToUpper(piece.text) {
		case "OR":
			flush()
		case "AND", "":
			// default combinator
		default:
			for _, tok := range Tokenize(piece.text) {
				current.terms = append(current.terms, term{tokens: []string{tok}})
			}
		}
	}
	flush()
	return clauses
}

type piece struct {
	text   string
	quoted bool
}

// splitQuoted splits on whitespace while keeping double-quoted runs
// together. An unterminated quote extends to the end of the string.
func splitQuoted(q string) []piece {
	var out []piece
	var sb strings.Builder
	inQuote := false

	emit := func(quoted bool) {
		if sb.Len() > 0 || quoted {
			out = append(out, piece{text: sb.String(), quoted: quoted})
		}
		sb.Reset()
	}

	for _, r := range q {
		switch {
		case r == '"':
			if inQuote {
				emit(true)
				inQuote = false
			} else {
				emit(false)
				inQuote = true
			}
		case r == ' ' || r == '\t' || r == '\n':
			if inQuote {
				sb.WriteRune(r)
			} else {
				emit(false)
			}
		default:
			sb.WriteRune(r)
		}
	}
	emit(inQuote)
	return out
}

// Similarity is an edit-distance-based score in [0, 100]: 100 for equal
// strings, 0 for entirely different ones.
func Similarity(a, b string) int {
	if a == b {
		return 100
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	dist := levenshtein(a, b)
	longer := la
	if lb > longer {
		longer = lb
	}
	return (longer - dist) * 100 / longer
}

// levenshtein computes edit distance with a rolling single-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur := row[j]
			row[j] = minInt(row[j]+1, row[j-1]+1, prev+cost)
			prev = cur
		}
	}
	return row[len(rb)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
