// Package search provides semantic search over evidence gathered by past
// diagnostic runs, backed by a Qdrant vector index with transparent
// fallback to text-based search in Postgres.
package search

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan/internal/model"
)

// Result holds an evidence ID and its raw similarity score from the search
// index. The caller hydrates full Evidence rows from Postgres (source of
// truth).
type Result struct {
	EvidenceID uuid.UUID
	Score      float32
}

// Filters narrows a semantic search. Zero-value fields are not applied.
type Filters struct {
	Kind   string
	Source string
	From   *time.Time
	To     *time.Time
}

// Hit is a hydrated search result with its adjusted relevance score.
type Hit struct {
	Evidence model.Evidence
	Score    float32
}

// ReScore adjusts raw similarity scores with the evidence's recorded
// relevance and a recency decay, sorts descending, and truncates to limit.
//
// Formula: score = similarity * (0.6 + 0.3 * relevance_score) * (1.0 / (1.0 + age_days / 90.0))
func ReScore(results []Result, evidence map[uuid.UUID]model.Evidence, limit int) []Hit {
	now := time.Now()
	hits := make([]Hit, 0, len(results))

	for _, r := range results {
		ev, ok := evidence[r.EvidenceID]
		if !ok {
			// Evidence was deleted between the index query and hydration.
			continue
		}

		ageDays := math.Max(0, now.Sub(ev.CreatedAt).Hours()/24.0)
		relevanceBonus := 0.6 + 0.3*float64(ev.RelevanceScore)
		recencyDecay := 1.0 / (1.0 + ageDays/90.0)
		score := float64(r.Score) * relevanceBonus * recencyDecay

		hits = append(hits, Hit{
			Evidence: ev,
			Score:    float32(math.Min(score, 1.0)),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
