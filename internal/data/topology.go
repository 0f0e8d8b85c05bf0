package data

import (
	"context"
	"fmt"
)

// ZoneLink is a weighted edge between two zones.
type ZoneLink struct {
	FromZone      int64
	ToZone        int64
	TravelSeconds int
}

type TopologyModel struct {
	DB DBTX
}

// LoadCameraZones returns camera -> zone for every camera assigned to one.
func (m TopologyModel) LoadCameraZones(ctx context.Context) (map[int64]int64, error) {
	query := `SELECT id, zone_id FROM cameras WHERE zone_id IS NOT NULL`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load camera zones: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var cameraID, zoneID int64
		if err := rows.Scan(&cameraID, &zoneID); err != nil {
			return nil, err
		}
		out[cameraID] = zoneID
	}
	return out, rows.Err()
}

// LoadZoneLinks returns the configured adjacency edges with travel weights.
func (m TopologyModel) LoadZoneLinks(ctx context.Context) ([]ZoneLink, error) {
	query := `SELECT from_zone, to_zone, travel_seconds FROM zone_links`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load zone links: %w", err)
	}
	defer rows.Close()

	var out []ZoneLink
	for rows.Next() {
		var l ZoneLink
		if err := rows.Scan(&l.FromZone, &l.ToZone, &l.TravelSeconds); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
