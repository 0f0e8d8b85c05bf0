package data

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/embedding"
	"github.com/technosupport/ts-sentinel/internal/snapshot"
)

// FaceProfile is one enrolled face identity. A user owns one or more
// profiles; at most one of them is primary.
type FaceProfile struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Description string    `json:"description,omitempty"`
	IsPrimary   bool      `json:"is_primary"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProfileModel struct {
	DB DBTX
}

// LoadSnapshots materializes the matching projection: every profile with its
// owner's display name and all decoded embeddings, ordered by profile
// creation then id so downstream iteration is deterministic. Any error
// aborts the whole load; callers never see a partial slice.
func (m ProfileModel) LoadSnapshots(ctx context.Context) ([]*snapshot.FaceProfileSnapshot, error) {
	query := `
		SELECT p.id, p.user_id, u.display_name, p.is_primary, p.created_at, e.vector
		FROM face_profiles p
		JOIN users u ON u.id = p.user_id
		LEFT JOIN face_embeddings e ON e.profile_id = p.id
		ORDER BY p.created_at, p.id, e.created_at, e.id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	var (
		out     []*snapshot.FaceProfileSnapshot
		current *snapshot.FaceProfileSnapshot
	)
	for rows.Next() {
		var (
			profileID   uuid.UUID
			userID      uuid.UUID
			displayName string
			isPrimary   bool
			createdAt   time.Time
			vector      []byte
		)
		if err := rows.Scan(&profileID, &userID, &displayName, &isPrimary, &createdAt, &vector); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}

		if current == nil || current.ProfileID != profileID {
			current = &snapshot.FaceProfileSnapshot{
				ProfileID:   profileID,
				UserID:      userID,
				DisplayName: displayName,
				IsPrimary:   isPrimary,
				CreatedAt:   createdAt,
			}
			out = append(out, current)
		}

		if len(vector) == 0 {
			continue // profile without embeddings yet
		}
		floats := embedding.ToFloats(vector)
		if floats == nil {
			log.Printf("[ProfileLoader] [WARN] profile %s has undecodable vector (%d bytes), skipping", profileID, len(vector))
			continue
		}
		current.Embeddings = append(current.Embeddings, floats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// GetEmbeddings returns the decoded vectors currently stored for a profile.
// The auto-enrollment gate reads these fresh rather than trusting the
// possibly-stale snapshot.
func (m ProfileModel) GetEmbeddings(ctx context.Context, profileID uuid.UUID) ([][]float32, error) {
	query := `
		SELECT vector
		FROM face_embeddings
		WHERE profile_id = $1
		ORDER BY created_at, id`

	rows, err := m.DB.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings for %s: %w", profileID, err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var vector []byte
		if err := rows.Scan(&vector); err != nil {
			return nil, err
		}
		floats := embedding.ToFloats(vector)
		if floats == nil {
			log.Printf("[ProfileLoader] [WARN] profile %s has undecodable vector (%d bytes), skipping", profileID, len(vector))
			continue
		}
		out = append(out, floats)
	}
	return out, rows.Err()
}

// AddEmbedding appends a vector to a profile.
func (m ProfileModel) AddEmbedding(ctx context.Context, profileID uuid.UUID, vector []float32, quality float64) error {
	query := `
		INSERT INTO face_embeddings (id, profile_id, vector, quality)
		VALUES ($1, $2, $3, $4)`

	_, err := m.DB.ExecContext(ctx, query, uuid.New(), profileID, embedding.ToBytes(vector), quality)
	if err != nil {
		return fmt.Errorf("add embedding to %s: %w", profileID, err)
	}
	return nil
}
