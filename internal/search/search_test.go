package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mure/internal/model"
)

func TestReScore(t *testing.T) {
	now := time.Now()

	id1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	id2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	id3 := uuid.MustParse("00000000-0000-0000-0000-000000000003")

	entries := map[uuid.UUID]model.LogEntry{
		id1: {ID: id1, Level: model.LogThought, CreatedAt: now},                           // age = 0 days
		id2: {ID: id2, Level: model.LogThought, CreatedAt: now.Add(-30 * 24 * time.Hour)}, // age = 30 days
		id3: {ID: id3, Level: model.LogThought, CreatedAt: now.Add(-60 * 24 * time.Hour)}, // age = 60 days
	}

	results := []Result{
		{LogID: id1, Score: 0.95},
		{LogID: id2, Score: 0.90},
		{LogID: id3, Score: 0.85},
		{LogID: uuid.MustParse("00000000-0000-0000-0000-000000000099"), Score: 0.99}, // missing from entries
	}

	scored := ReScore(results, entries, 10)

	// Missing entry should be filtered out.
	require.Len(t, scored, 3)

	// First result: no age decay.
	// relevance = 0.95 * 1.0 = 0.95
	assert.Equal(t, id1, scored[0].Entry.ID)
	assert.InDelta(t, 0.95, scored[0].SimilarityScore, 0.01)

	// Second result: 30-day decay: recency = 1/(1+1) = 0.5
	// relevance = 0.90 * 0.5 = 0.45
	assert.Equal(t, id2, scored[1].Entry.ID)
	assert.InDelta(t, 0.45, scored[1].SimilarityScore, 0.01)

	// Third result: 60-day decay: recency = 1/(1+2) = 0.333
	// relevance = 0.85 * 0.333 = 0.283
	assert.Equal(t, id3, scored[2].Entry.ID)
	assert.InDelta(t, 0.283, scored[2].SimilarityScore, 0.01)

	// Results are sorted descending.
	assert.GreaterOrEqual(t, scored[0].SimilarityScore, scored[1].SimilarityScore)
	assert.GreaterOrEqual(t, scored[1].SimilarityScore, scored[2].SimilarityScore)
}

func TestReScoreRecencyBeatsRawSimilarity(t *testing.T) {
	// A slightly weaker match from today should outrank a stronger match
	// from two months ago.
	now := time.Now()
	fresh := uuid.New()
	stale := uuid.New()

	entries := map[uuid.UUID]model.LogEntry{
		fresh: {ID: fresh, CreatedAt: now},
		stale: {ID: stale, CreatedAt: now.Add(-60 * 24 * time.Hour)},
	}

	results := []Result{
		{LogID: stale, Score: 0.99},
		{LogID: fresh, Score: 0.70},
	}

	scored := ReScore(results, entries, 10)
	require.Len(t, scored, 2)
	assert.Equal(t, fresh, scored[0].Entry.ID)
	assert.Equal(t, stale, scored[1].Entry.ID)
}

func TestReScoreTruncatesAtLimit(t *testing.T) {
	now := time.Now()
	id1 := uuid.New()
	id2 := uuid.New()

	entries := map[uuid.UUID]model.LogEntry{
		id1: {ID: id1, CreatedAt: now},
		id2: {ID: id2, CreatedAt: now},
	}

	results := []Result{
		{LogID: id1, Score: 0.9},
		{LogID: id2, Score: 0.8},
	}

	scored := ReScore(results, entries, 1)
	require.Len(t, scored, 1)
	assert.Equal(t, id1, scored[0].Entry.ID)
}

func TestReScore_EmptyInput(t *testing.T) {
	scored := ReScore(nil, map[uuid.UUID]model.LogEntry{}, 10)
	assert.Empty(t, scored)

	scored = ReScore([]Result{}, map[uuid.UUID]model.LogEntry{}, 10)
	assert.Empty(t, scored)
}

func TestReScore_AllMissing(t *testing.T) {
	// All result log IDs are absent from the entries map.
	results := []Result{
		{LogID: uuid.New(), Score: 0.95},
		{LogID: uuid.New(), Score: 0.80},
		{LogID: uuid.New(), Score: 0.70},
	}

	scored := ReScore(results, map[uuid.UUID]model.LogEntry{}, 10)
	assert.Empty(t, scored)
}

func TestReScore_ScoreCappedAtOne(t *testing.T) {
	// A perfect similarity with zero age must not exceed 1.0.
	now := time.Now()
	id := uuid.New()

	entries := map[uuid.UUID]model.LogEntry{
		id: {ID: id, CreatedAt: now},
	}

	results := []Result{{LogID: id, Score: 1.0}}
	scored := ReScore(results, entries, 10)
	require.Len(t, scored, 1)
	assert.LessOrEqual(t, scored[0].SimilarityScore, float32(1.0))
	assert.InDelta(t, 1.0, scored[0].SimilarityScore, 0.001)
}

func TestReScore_PreservesEntryMetadata(t *testing.T) {
	// The full LogEntry must survive into the ThoughtMatch.
	now := time.Now()
	id := uuid.New()
	agentID := uuid.New()

	entries := map[uuid.UUID]model.LogEntry{
		id: {
			ID:        id,
			AgentID:   agentID,
			Level:     model.LogThought,
			Message:   "asset balance is thin, should request a trade",
			Metadata:  map[string]any{"cycle": float64(12)},
			CreatedAt: now,
		},
	}

	results := []Result{{LogID: id, Score: 0.85}}
	scored := ReScore(results, entries, 10)

	require.Len(t, scored, 1)
	assert.Equal(t, id, scored[0].Entry.ID)
	assert.Equal(t, agentID, scored[0].Entry.AgentID)
	assert.Equal(t, model.LogThought, scored[0].Entry.Level)
	assert.Equal(t, "asset balance is thin, should request a trade", scored[0].Entry.Message)
	assert.InDelta(t, 0.85, scored[0].SimilarityScore, 0.01)
}
