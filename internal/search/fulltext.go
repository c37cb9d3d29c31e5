package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/developer-mesh/hybrid-indexer/internal/documents"
)

// fulltextSearch builds a tsquery from req.Query and runs it against
// the documents tsvector. If it returns zero hits and typo tolerance
// is enabled, each query token longer than TypoMinWordLength is
// rewritten to the closest indexed lexeme within TypoMaxDistance and
// the search is retried once (spec §4.5).
func (e *Engine) fulltextSearch(ctx context.Context, req Request, limit, offset int) ([]documents.FullTextHit, error) {
	filter := documents.FullTextFilter{SourceTypes: req.SourceTypes, ContentTypes: req.ContentTypes}

	tsQuery := toTSQuery(req.Query)
	if tsQuery == "" {
		return nil, nil
	}

	hits, err := e.documents.SearchFullText(ctx, tsQuery, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search: fulltext: %w", err)
	}
	if len(hits) > 0 || req.IgnoreTypos {
		return hits, nil
	}

	corrected, err := e.correctTypos(ctx, req.Query)
	if err != nil || corrected == "" || corrected == req.Query {
		return hits, nil
	}

	retryQuery := toTSQuery(corrected)
	if retryQuery == "" {
		return hits, nil
	}
	return e.documents.SearchFullText(ctx, retryQuery, filter, limit, offset)
}

// toTSQuery converts free text into an AND-joined to_tsquery
// expression over its whitespace-separated tokens.
func toTSQuery(query string) string {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return ""
	}
	clean := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.Map(func(r rune) rune {
			if r == '\'' || r == '&' || r == '|' || r == '!' || r == ':' {
				return -1
			}
			return r
		}, t)
		if t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	return strings.Join(clean, " & ")
}

// correctTypos replaces every token longer than TypoMinWordLength with
// the closest indexed lexeme within TypoMaxDistance, leaving shorter
// tokens and tokens with no sufficiently close match unchanged.
func (e *Engine) correctTypos(ctx context.Context, query string) (string, error) {
	maxDistance := e.cfg.TypoMaxDistance
	if maxDistance <= 0 {
		maxDistance = 2
	}
	minWordLength := e.cfg.TypoMinWordLength
	if minWordLength <= 0 {
		minWordLength = 4
	}

	lexemes, err := e.documents.DistinctLexemes(ctx)
	if err != nil {
		return "", fmt.Errorf("search: load lexemes: %w", err)
	}
	if len(lexemes) == 0 {
		return "", nil
	}

	tokens := strings.Fields(query)
	changed := false
	for i, tok := range tokens {
		lower := strings.ToLower(tok)
		if len(lower) <= minWordLength {
			continue
		}

		best := ""
		bestDist := maxDistance + 1
		for _, lex := range lexemes {
			d := levenshtein(lower, lex)
			if d < bestDist {
				bestDist = d
				best = lex
			}
		}
		if best != "" && bestDist <= maxDistance && best != lower {
			tokens[i] = best
			changed = true
		}
	}

	if !changed {
		return "", nil
	}
	return strings.Join(tokens, " "), nil
}
