// Package snapshot owns the in-process face-profile snapshot: the lock-free
// store every recognition call reads, the Redis-backed distributed cache that
// shares snapshots across instances, and the background refresher that keeps
// both current.
package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FaceProfileSnapshot is the immutable projection of one enrolled profile
// used for matching. Produced in bulk by the loader, replaced atomically,
// never mutated after publication.
type FaceProfileSnapshot struct {
	ProfileID   uuid.UUID   `json:"profile_id"`
	UserID      uuid.UUID   `json:"user_id"`
	DisplayName string      `json:"display_name"`
	IsPrimary   bool        `json:"is_primary"`
	CreatedAt   time.Time   `json:"created_at"`
	Embeddings  [][]float32 `json:"embeddings"`
}

// ProfileLoader materializes snapshots from the profile store. An error means
// the whole load failed; implementations never return a partial slice.
type ProfileLoader interface {
	LoadSnapshots(ctx context.Context) ([]*FaceProfileSnapshot, error)
}
