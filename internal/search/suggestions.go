package search

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/cache"
)

// QuestionGenerator produces candidate question prompts for a user's
// query, typically backed by an LLM. Injected the same way the event
// processor takes a ContentLoader: the engine owns caching and
// dedup, the generator owns the prompt itself.
type QuestionGenerator interface {
	Generate(ctx context.Context, query string, count int) ([]string, error)
}

// Suggestions returns up to limit document titles whose prefix matches
// query (spec §4.5). limit <= 0 falls back to cfg.SuggestionsLimit, or
// 10 if that is also unset.
func (e *Engine) Suggestions(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = e.cfg.SuggestionsLimit
	}
	if limit <= 0 {
		limit = 10
	}
	titles, err := e.documents.SuggestTitles(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: suggestions: %w", err)
	}
	return titles, nil
}

// SuggestedQuestions returns cached, LLM-generated question prompts
// for userID/query, generating and caching them on a miss. Concurrent
// callers for the same (userID, query) share one generation: only the
// first becomes the leader, the rest wait for its result (spec §4.5,
// §9).
func (e *Engine) SuggestedQuestions(ctx context.Context, userID, query string, gen QuestionGenerator, inFlight *cache.InFlightSet, count int) ([]string, error) {
	key := cache.SuggestedQuestionsKey(userID, query)

	var cached []string
	if err := e.cache.GetJSON(ctx, key, &cached); err == nil {
		return cached, nil
	}

	if inFlight == nil || gen == nil {
		return e.generateAndCacheQuestions(ctx, gen, key, query, count)
	}

	leader, wait := inFlight.Enter(key)
	if !leader {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var result []string
		if err := e.cache.GetJSON(ctx, key, &result); err == nil {
			return result, nil
		}
		return nil, fmt.Errorf("search: suggested questions: generation by leader produced no result")
	}

	defer inFlight.Done(key)
	return e.generateAndCacheQuestions(ctx, gen, key, query, count)
}

func (e *Engine) generateAndCacheQuestions(ctx context.Context, gen QuestionGenerator, key, query string, count int) ([]string, error) {
	questions, err := gen.Generate(ctx, query, count)
	if err != nil {
		return nil, fmt.Errorf("search: generate suggested questions: %w", err)
	}

	ttl := time.Duration(e.cfg.SuggestedQuestionsTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if err := e.cache.SetJSON(ctx, key, questions, ttl); err != nil {
		e.logger.Warn("search: failed to cache suggested questions", map[string]interface{}{"error": err.Error()})
	}
	return questions, nil
}
