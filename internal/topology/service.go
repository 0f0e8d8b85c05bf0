// Package topology maintains the camera-to-zone mapping and the zone
// neighbor graph used to reason about movement between cameras.
package topology

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/technosupport/ts-sentinel/internal/data"
)

type Config struct {
	// SameZoneIsNeighbor makes every pair of cameras sharing a zone mutual
	// neighbors, unioned with the configured zone links.
	SameZoneIsNeighbor bool
}

// Source is the slice of the store the topology snapshot is built from.
type Source interface {
	LoadCameraZones(ctx context.Context) (map[int64]int64, error)
	LoadZoneLinks(ctx context.Context) ([]data.ZoneLink, error)
}

// graph is the immutable snapshot readers see. Reload builds a fresh one and
// swaps the pointer; readers never block.
type graph struct {
	cameraZone  map[int64]int64
	zoneCameras map[int64][]int64
	// travel holds edge weights in seconds, stored in both directions.
	travel map[int64]map[int64]int
}

// Service answers zone and neighbor queries from an atomically swapped
// snapshot. Reloads are serialized; reads are a single pointer load.
type Service struct {
	cfg    Config
	source Source

	mu      sync.Mutex
	current atomic.Pointer[graph]
}

func NewService(cfg Config, source Source) *Service {
	s := &Service{cfg: cfg, source: source}
	s.current.Store(&graph{
		cameraZone:  map[int64]int64{},
		zoneCameras: map[int64][]int64{},
		travel:      map[int64]map[int64]int{},
	})
	return s
}

// ReloadFromStore rebuilds the snapshot from the store and swaps it in. On
// error the previous snapshot stays in place.
func (s *Service) ReloadFromStore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zones, err := s.source.LoadCameraZones(ctx)
	if err != nil {
		return fmt.Errorf("reload topology: %w", err)
	}
	links, err := s.source.LoadZoneLinks(ctx)
	if err != nil {
		return fmt.Errorf("reload topology: %w", err)
	}

	g := &graph{
		cameraZone:  zones,
		zoneCameras: make(map[int64][]int64),
		travel:      make(map[int64]map[int64]int),
	}
	for cameraID, zoneID := range zones {
		g.zoneCameras[zoneID] = append(g.zoneCameras[zoneID], cameraID)
	}
	for _, members := range g.zoneCameras {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	}
	for _, l := range links {
		addEdge(g.travel, l.FromZone, l.ToZone, l.TravelSeconds)
		addEdge(g.travel, l.ToZone, l.FromZone, l.TravelSeconds)
	}

	s.current.Store(g)
	log.Printf("[Topology] snapshot reloaded: cameras=%d zones=%d links=%d",
		len(zones), len(g.zoneCameras), len(links))
	return nil
}

func addEdge(travel map[int64]map[int64]int, from, to int64, seconds int) {
	if travel[from] == nil {
		travel[from] = make(map[int64]int)
	}
	travel[from][to] = seconds
}

// ZoneOf returns the zone a camera is assigned to.
func (s *Service) ZoneOf(cameraID int64) (int64, bool) {
	zone, ok := s.current.Load().cameraZone[cameraID]
	return zone, ok
}

// AreNeighbors reports whether two cameras are adjacent: sharing a zone
// (when configured so) or sitting in linked zones.
func (s *Service) AreNeighbors(a, b int64) bool {
	g := s.current.Load()
	za, okA := g.cameraZone[a]
	zb, okB := g.cameraZone[b]
	if !okA || !okB {
		return false
	}
	if za == zb {
		return s.cfg.SameZoneIsNeighbor
	}
	_, linked := g.travel[za][zb]
	return linked
}

// TravelSeconds returns the configured travel time between two cameras'
// zones. Cameras in the same zone are zero seconds apart.
func (s *Service) TravelSeconds(from, to int64) (int, bool) {
	g := s.current.Load()
	zf, okF := g.cameraZone[from]
	zt, okT := g.cameraZone[to]
	if !okF || !okT {
		return 0, false
	}
	if zf == zt {
		return 0, true
	}
	seconds, ok := g.travel[zf][zt]
	return seconds, ok
}

// Neighbors lists the cameras adjacent to the given one, sorted by id.
func (s *Service) Neighbors(cameraID int64) []int64 {
	g := s.current.Load()
	zone, ok := g.cameraZone[cameraID]
	if !ok {
		return nil
	}

	seen := make(map[int64]bool)
	if s.cfg.SameZoneIsNeighbor {
		for _, id := range g.zoneCameras[zone] {
			if id != cameraID {
				seen[id] = true
			}
		}
	}
	for linkedZone := range g.travel[zone] {
		for _, id := range g.zoneCameras[linkedZone] {
			seen[id] = true
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
