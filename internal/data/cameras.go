package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecognitionMode controls how face recognition behaves for one camera.
type RecognitionMode string

const (
	ModeDisabled    RecognitionMode = "disabled"
	ModeObserveOnly RecognitionMode = "observe_only"
	ModeNormal      RecognitionMode = "normal"
	ModeStrict      RecognitionMode = "strict"
	ModeRelaxed     RecognitionMode = "relaxed"
)

// Valid reports whether the stored mode is one we know. Unknown values are
// treated as ModeNormal by the policy resolver rather than failing a frame.
func (m RecognitionMode) Valid() bool {
	switch m {
	case ModeDisabled, ModeObserveOnly, ModeNormal, ModeStrict, ModeRelaxed:
		return true
	}
	return false
}

// Capability is the AI feature bitmask assigned to a camera.
type Capability int

const (
	CapabilityFace Capability = 1 << iota
	CapabilityObject
	CapabilityBehavior
)

func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

// Camera is a registered RTSP source.
type Camera struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	StreamURL         string          `json:"stream_url"`
	IsActive          bool            `json:"is_active"`
	Capabilities      Capability      `json:"capabilities"`
	RecognitionMode   RecognitionMode `json:"recognition_mode"`
	ThresholdOverride *float64        `json:"threshold_override,omitempty"`
	ZoneID            *int64          `json:"zone_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type CameraModel struct {
	DB DBTX
}

const cameraColumns = `id, name, stream_url, is_active, capabilities, recognition_mode, threshold_override, zone_id, created_at`

func (m CameraModel) scan(row interface{ Scan(...any) error }) (*Camera, error) {
	var (
		c         Camera
		mode      string
		threshold sql.NullFloat64
		zone      sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Name, &c.StreamURL, &c.IsActive, &c.Capabilities, &mode, &threshold, &zone, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.RecognitionMode = RecognitionMode(mode)
	if threshold.Valid {
		c.ThresholdOverride = &threshold.Float64
	}
	if zone.Valid {
		c.ZoneID = &zone.Int64
	}
	return &c, nil
}

// GetByID retrieves one camera.
func (m CameraModel) GetByID(ctx context.Context, id int64) (*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras WHERE id = $1`

	cam, err := m.scan(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return cam, nil
}

// ListActive returns the cameras the supervisor should be running. Only
// active cameras with the Face capability are monitored.
func (m CameraModel) ListActive(ctx context.Context) ([]*Camera, error) {
	query := `
		SELECT ` + cameraColumns + `
		FROM cameras
		WHERE is_active = TRUE AND (capabilities & $1) <> 0
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query, CapabilityFace)
	if err != nil {
		return nil, fmt.Errorf("list active cameras: %w", err)
	}
	defer rows.Close()

	var out []*Camera
	for rows.Next() {
		cam, err := m.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cam)
	}
	return out, rows.Err()
}
