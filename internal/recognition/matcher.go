// Package recognition matches probe embeddings against the enrolled
// population and applies per-camera policy to the outcome.
package recognition

import (
	"math"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/embedding"
	"github.com/technosupport/ts-sentinel/internal/snapshot"
)

// MatchResult is the outcome of matching one probe against a snapshot.
// Similarity is clamped to [0, 1] for reporting; on a miss it still carries
// the best score seen so near misses stay observable.
type MatchResult struct {
	IsMatch     bool      `json:"is_match"`
	UserID      uuid.UUID `json:"user_id,omitempty"`
	ProfileID   uuid.UUID `json:"profile_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Similarity  float64   `json:"similarity"`
}

// Match scans every embedding of every profile and returns the best-scoring
// one. A similarity exactly at the threshold counts as a match. On equal
// scores a primary profile wins, then the earliest-created, then the
// lexicographically smallest profile id, so the result is stable regardless
// of snapshot order.
func Match(probe []float32, snapshots []*snapshot.FaceProfileSnapshot, threshold float64) MatchResult {
	normalized := embedding.Normalize(probe)

	bestSim := math.Inf(-1)
	var best *snapshot.FaceProfileSnapshot
	for _, p := range snapshots {
		for _, e := range p.Embeddings {
			sim := embedding.Cosine(normalized, e)
			switch {
			case best == nil || sim > bestSim:
				bestSim = sim
				best = p
			case sim == bestSim && p != best && outranks(p, best):
				best = p
			}
		}
	}

	if best == nil {
		return MatchResult{}
	}

	result := MatchResult{Similarity: clamp01(bestSim)}
	if bestSim >= threshold {
		result.IsMatch = true
		result.UserID = best.UserID
		result.ProfileID = best.ProfileID
		result.DisplayName = best.DisplayName
	}
	return result
}

// outranks reports whether a wins a similarity tie against b.
func outranks(a, b *snapshot.FaceProfileSnapshot) bool {
	if a.IsPrimary != b.IsPrimary {
		return a.IsPrimary
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ProfileID.String() < b.ProfileID.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
