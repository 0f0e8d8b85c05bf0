package snapshot

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

const defaultFollowerRetryDelay = 2 * time.Second

type RefresherConfig struct {
	Interval             time.Duration
	JitterPercent        float64
	RefreshTimeout       time.Duration
	MaxStaleness         time.Duration
	PreferRedisOnStartup bool
	AllowEmergencyDB     bool

	// FollowerRetryDelay is the pause before a follower's second TryGet.
	// Zero means the 2s default; tests shrink it.
	FollowerRetryDelay time.Duration
}

// Refresher keeps the store current. Exactly one runs per process; across
// instances the distributed lock elects a single leader per cycle so the
// profile store sees one load per cluster per interval.
type Refresher struct {
	store  *Store
	cache  *DistributedCache
	loader ProfileLoader
	cfg    RefresherConfig
}

func NewRefresher(store *Store, cache *DistributedCache, loader ProfileLoader, cfg RefresherConfig) *Refresher {
	if cfg.FollowerRetryDelay <= 0 {
		cfg.FollowerRetryDelay = defaultFollowerRetryDelay
	}
	return &Refresher{store: store, cache: cache, loader: loader, cfg: cfg}
}

// Run blocks until ctx is cancelled. It performs the startup install, then
// cycles on the jittered interval, waking early when a refresh is requested.
func (r *Refresher) Run(ctx context.Context) {
	log.Printf("[Refresher] starting: interval=%v jitter=%.0f%% timeout=%v",
		r.cfg.Interval, r.cfg.JitterPercent*100, r.cfg.RefreshTimeout)

	r.startup(ctx)

	timer := time.NewTimer(r.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Refresher] stopped")
			return
		case <-timer.C:
		case <-r.store.RefreshC():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if ctx.Err() != nil {
			log.Printf("[Refresher] stopped")
			return
		}
		r.store.ConsumeRefreshRequest()
		r.RefreshOnce(ctx)
		timer.Reset(r.nextWait())
	}
}

// startup seeds the store. Preferring Redis avoids a thundering herd of DB
// loads when a fleet restarts together.
func (r *Refresher) startup(ctx context.Context) {
	if r.cfg.PreferRedisOnStartup {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
		found, version, snaps := r.cache.TryGet(attemptCtx)
		cancel()
		if found && r.store.Install(snaps, 0, version) {
			log.Printf("[Refresher] startup install from redis: profiles=%d version=%d", len(snaps), version)
			metrics.RecordRefresh(metrics.SourceRedis, metrics.ResultOK, 0)
			return
		}
	}
	r.RefreshOnce(ctx)
}

// RefreshOnce runs a single leader-or-follower refresh attempt. Concurrent
// attempts are dropped by the store's guard, never queued.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	if !r.store.TryBeginRefresh() {
		metrics.RecordRefresh(metrics.SourceDB, metrics.ResultSkipped, 0)
		return
	}
	defer r.store.EndRefresh()

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
	defer cancel()

	acquired, token := r.cache.TryAcquireLock(attemptCtx)
	if acquired {
		r.refreshFromDB(attemptCtx, metrics.SourceDB)
		// Release on a fresh context so a timed-out attempt still frees
		// the lock for the next cycle.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.cache.ReleaseLock(releaseCtx, token)
		releaseCancel()
		return
	}

	// Follower: another instance is loading. Take its result from the cache.
	if r.installFromCache(attemptCtx) {
		return
	}
	select {
	case <-attemptCtx.Done():
		metrics.RecordRefresh(metrics.SourceRedis, metrics.ResultError, 0)
		return
	case <-time.After(r.cfg.FollowerRetryDelay):
	}
	if r.installFromCache(attemptCtx) {
		return
	}

	if r.cfg.AllowEmergencyDB && r.store.Age() > r.cfg.MaxStaleness {
		log.Printf("[Refresher] [WARN] snapshot stale (%v > %v) and cache empty, forcing db refresh",
			r.store.Age().Truncate(time.Second), r.cfg.MaxStaleness)
		r.refreshFromDB(attemptCtx, metrics.SourceDBEmergency)
		return
	}
	metrics.RecordRefresh(metrics.SourceRedis, metrics.ResultError, 0)
}

func (r *Refresher) refreshFromDB(ctx context.Context, source string) {
	start := time.Now()
	snaps, err := r.loader.LoadSnapshots(ctx)
	duration := time.Since(start)

	if err != nil {
		r.store.RecordFailure(err, duration)
		log.Printf("[Refresher] [ERROR] profile load failed after %v: %v", duration.Truncate(time.Millisecond), err)
		metrics.RecordRefresh(source, metrics.ResultError, 0)
		return
	}

	version := r.cache.Set(ctx, snaps)
	if version <= r.store.Version() {
		// Redis down or its counter behind our local publishes.
		version = r.store.NextLocalVersion()
	}
	r.store.Install(snaps, duration, version)

	log.Printf("[Refresher] published snapshot: profiles=%d version=%d duration=%v source=%s",
		len(snaps), version, duration.Truncate(time.Millisecond), source)
	metrics.RecordRefresh(source, metrics.ResultOK, float64(duration.Milliseconds()))
}

func (r *Refresher) installFromCache(ctx context.Context) bool {
	found, version, snaps := r.cache.TryGet(ctx)
	if !found {
		return false
	}
	if !r.store.Install(snaps, 0, version) {
		log.Printf("[Refresher] cached version %d older than local %d, skipping", version, r.store.Version())
		metrics.RecordRefresh(metrics.SourceRedis, metrics.ResultSkipped, 0)
		return false
	}
	log.Printf("[Refresher] installed snapshot from redis: profiles=%d version=%d", len(snaps), version)
	metrics.RecordRefresh(metrics.SourceRedis, metrics.ResultOK, 0)
	return true
}

// nextWait spreads instances across the interval so their leader attempts
// don't align.
func (r *Refresher) nextWait() time.Duration {
	base := r.cfg.Interval
	if r.cfg.JitterPercent <= 0 {
		return base
	}
	span := float64(base) * r.cfg.JitterPercent
	offset := (rand.Float64()*2 - 1) * span
	wait := time.Duration(float64(base) + offset)
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}
