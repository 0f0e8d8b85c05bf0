package snapshot

import (
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// storeState is the immutable value behind the store's atomic pointer.
// Every publish swaps the whole struct so readers see either the old state
// or the new one, never a mix.
type storeState struct {
	snapshots    []*FaceProfileSnapshot
	version      int64
	lastRefresh  time.Time
	lastDuration time.Duration
	lastError    string
	failures     int
}

// Store holds the snapshot served to every matcher. Reads are a single
// atomic pointer load; the refresher is the only writer.
type Store struct {
	state       atomic.Pointer[storeState]
	refreshing  atomic.Bool
	refreshFlag atomic.Bool
	refreshCh   chan struct{}
}

// StoreStats is the observability view exposed on the ops endpoint.
type StoreStats struct {
	Profiles         int       `json:"profiles"`
	Version          int64     `json:"version"`
	LastRefreshAt    time.Time `json:"last_refresh_at"`
	LastDurationMs   int64     `json:"last_duration_ms"`
	LastError        string    `json:"last_error,omitempty"`
	Failures         int       `json:"consecutive_failures"`
	AgeSeconds       float64   `json:"age_seconds"`
	IsRefreshing     bool      `json:"is_refreshing"`
	RefreshRequested bool      `json:"refresh_requested"`
}

func NewStore() *Store {
	s := &Store{refreshCh: make(chan struct{}, 1)}
	s.state.Store(&storeState{})
	return s
}

// Current returns the installed snapshot without blocking. The slice is
// shared and must not be mutated; it may be empty before the first refresh.
func (s *Store) Current() []*FaceProfileSnapshot {
	return s.state.Load().snapshots
}

func (s *Store) Version() int64 {
	return s.state.Load().version
}

// Age reports how long ago the last successful refresh was. Before any
// refresh it is the time since the zero instant, which every staleness
// threshold exceeds.
func (s *Store) Age() time.Duration {
	return time.Since(s.state.Load().lastRefresh)
}

// Install publishes a new snapshot. It refuses versions lower than the one
// currently served so a reader never observes version regression; equal
// versions re-install (follower steady state re-reading the same cache
// entry). Returns whether the snapshot was installed.
func (s *Store) Install(snapshots []*FaceProfileSnapshot, loadDuration time.Duration, version int64) bool {
	for {
		cur := s.state.Load()
		if version < cur.version {
			return false
		}
		next := &storeState{
			snapshots:    snapshots,
			version:      version,
			lastRefresh:  time.Now(),
			lastDuration: loadDuration,
		}
		if s.state.CompareAndSwap(cur, next) {
			metrics.SetSnapshot(version, len(snapshots))
			return true
		}
	}
}

// RecordFailure notes a failed refresh while keeping the served snapshot and
// version untouched.
func (s *Store) RecordFailure(err error, duration time.Duration) {
	for {
		cur := s.state.Load()
		next := &storeState{
			snapshots:    cur.snapshots,
			version:      cur.version,
			lastRefresh:  cur.lastRefresh,
			lastDuration: duration,
			lastError:    err.Error(),
			failures:     cur.failures + 1,
		}
		if s.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// NextLocalVersion is the version to publish under when the distributed
// counter is unavailable or behind.
func (s *Store) NextLocalVersion() int64 {
	return s.state.Load().version + 1
}

// RequestRefresh flags that the snapshot should be rebuilt soon and wakes
// the refresher if it is waiting. Never blocks.
func (s *Store) RequestRefresh() {
	s.refreshFlag.Store(true)
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// ConsumeRefreshRequest clears the request flag, reporting whether one was
// pending.
func (s *Store) ConsumeRefreshRequest() bool {
	return s.refreshFlag.Swap(false)
}

// RefreshC is the wake-up channel the refresher selects on.
func (s *Store) RefreshC() <-chan struct{} {
	return s.refreshCh
}

// TryBeginRefresh is the non-reentrant refresh guard: a second concurrent
// attempt is dropped, not queued.
func (s *Store) TryBeginRefresh() bool {
	return s.refreshing.CompareAndSwap(false, true)
}

func (s *Store) EndRefresh() {
	s.refreshing.Store(false)
}

func (s *Store) Stats() StoreStats {
	st := s.state.Load()
	return StoreStats{
		Profiles:         len(st.snapshots),
		Version:          st.version,
		LastRefreshAt:    st.lastRefresh,
		LastDurationMs:   st.lastDuration.Milliseconds(),
		LastError:        st.lastError,
		Failures:         st.failures,
		AgeSeconds:       time.Since(st.lastRefresh).Seconds(),
		IsRefreshing:     s.refreshing.Load(),
		RefreshRequested: s.refreshFlag.Load(),
	}
}
