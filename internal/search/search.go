// Package search provides semantic recall over agent thoughts using an
// external vector index, with Postgres as the source of truth.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
)

// Result holds a thought log ID and its raw similarity score from the search
// index. The caller hydrates full LogEntry rows from Postgres (source of truth).
type Result struct {
	LogID uuid.UUID
	Score float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns thought IDs matching the query vector. agentID, when
	// non-nil, restricts results to that agent's own thoughts; nil searches
	// the whole colony. Returns IDs + raw similarity scores; the caller
	// hydrates from Postgres.
	Search(ctx context.Context, embedding []float32, agentID *uuid.UUID, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// ReScore adjusts raw similarity scores with recency weighting, sorts
// descending by adjusted score, and truncates to limit.
//
// Formula: relevance = similarity * (1.0 / (1.0 + age_days / 30.0))
func ReScore(results []Result, entries map[uuid.UUID]model.LogEntry, limit int) []model.ThoughtMatch {
	now := time.Now()
	scored := make([]model.ThoughtMatch, 0, len(results))

	for _, r := range results {
		e, ok := entries[r.LogID]
		if !ok {
			// Entry was pruned between the index search and Postgres hydration.
			continue
		}

		ageDays := math.Max(0, now.Sub(e.CreatedAt).Hours()/24.0)
		recencyDecay := 1.0 / (1.0 + ageDays/30.0)
		relevance := float64(r.Score) * recencyDecay

		scored = append(scored, model.ThoughtMatch{
			Entry:           e,
			SimilarityScore: float32(math.Min(relevance, 1.0)),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].SimilarityScore > scored[j].SimilarityScore
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
