package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/data"
)

type stubSource struct {
	zones map[int64]int64
	links []data.ZoneLink
	err   error
}

func (s *stubSource) LoadCameraZones(context.Context) (map[int64]int64, error) {
	return s.zones, s.err
}

func (s *stubSource) LoadZoneLinks(context.Context) ([]data.ZoneLink, error) {
	return s.links, s.err
}

// Layout: zone 1 {cameras 10, 11}, zone 2 {camera 20}, zone 3 {camera 30}.
// Links: 1-2 (30s). Zone 3 is isolated.
func testSource() *stubSource {
	return &stubSource{
		zones: map[int64]int64{10: 1, 11: 1, 20: 2, 30: 3},
		links: []data.ZoneLink{{FromZone: 1, ToZone: 2, TravelSeconds: 30}},
	}
}

func loadedService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := NewService(cfg, testSource())
	require.NoError(t, svc.ReloadFromStore(context.Background()))
	return svc
}

func TestZoneOf(t *testing.T) {
	svc := loadedService(t, Config{SameZoneIsNeighbor: true})

	zone, ok := svc.ZoneOf(10)
	assert.True(t, ok)
	assert.Equal(t, int64(1), zone)

	_, ok = svc.ZoneOf(99)
	assert.False(t, ok)
}

func TestSameZoneNeighbors(t *testing.T) {
	svc := loadedService(t, Config{SameZoneIsNeighbor: true})
	assert.True(t, svc.AreNeighbors(10, 11))
	assert.True(t, svc.AreNeighbors(11, 10))

	disabled := loadedService(t, Config{SameZoneIsNeighbor: false})
	assert.False(t, disabled.AreNeighbors(10, 11))
}

func TestLinkedZoneNeighbors(t *testing.T) {
	svc := loadedService(t, Config{SameZoneIsNeighbor: true})

	// Link edges work in both directions.
	assert.True(t, svc.AreNeighbors(10, 20))
	assert.True(t, svc.AreNeighbors(20, 11))

	// Zone 3 has no links.
	assert.False(t, svc.AreNeighbors(10, 30))
	assert.False(t, svc.AreNeighbors(99, 10))
}

func TestTravelSeconds(t *testing.T) {
	svc := loadedService(t, Config{SameZoneIsNeighbor: true})

	seconds, ok := svc.TravelSeconds(10, 20)
	assert.True(t, ok)
	assert.Equal(t, 30, seconds)

	seconds, ok = svc.TravelSeconds(10, 11)
	assert.True(t, ok)
	assert.Equal(t, 0, seconds)

	_, ok = svc.TravelSeconds(10, 30)
	assert.False(t, ok)

	_, ok = svc.TravelSeconds(10, 99)
	assert.False(t, ok)
}

func TestNeighborsUnion(t *testing.T) {
	svc := loadedService(t, Config{SameZoneIsNeighbor: true})

	// Same-zone peer plus everything in the linked zone, sorted, self excluded.
	assert.Equal(t, []int64{11, 20}, svc.Neighbors(10))

	// Without same-zone adjacency only the link remains.
	linkOnly := loadedService(t, Config{SameZoneIsNeighbor: false})
	assert.Equal(t, []int64{20}, linkOnly.Neighbors(10))

	assert.Empty(t, svc.Neighbors(30))
	assert.Nil(t, svc.Neighbors(99))
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	src := testSource()
	svc := NewService(Config{SameZoneIsNeighbor: true}, src)
	require.NoError(t, svc.ReloadFromStore(context.Background()))

	src.err = errors.New("db down")
	require.Error(t, svc.ReloadFromStore(context.Background()))

	// Previous snapshot still answers queries.
	assert.True(t, svc.AreNeighbors(10, 11))
}

func TestReloadReplacesSnapshot(t *testing.T) {
	src := testSource()
	svc := NewService(Config{SameZoneIsNeighbor: true}, src)
	require.NoError(t, svc.ReloadFromStore(context.Background()))
	require.True(t, svc.AreNeighbors(10, 20))

	src.zones = map[int64]int64{10: 1, 20: 2}
	src.links = nil
	require.NoError(t, svc.ReloadFromStore(context.Background()))

	assert.False(t, svc.AreNeighbors(10, 20))
	_, ok := svc.ZoneOf(11)
	assert.False(t, ok)
}
