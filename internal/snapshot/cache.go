package snapshot

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keys shared by every instance. Single-tenant for now; a tenant id
// segment slots in before the suffix when that lands.
const (
	payloadKey = "sentinel:faceprofiles:payload"
	versionKey = "sentinel:faceprofiles:version"
	lockKey    = "sentinel:faceprofiles:refresh_lock"

	invalidatedPayloadTTL = 5 * time.Second
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// DistributedCache shares snapshots across instances through Redis. Every
// method is total: Redis being down degrades to a miss, never an error the
// caller must handle. A nil *DistributedCache is the single-instance
// variant: gets miss, sets report no version, the lock is always granted.
type DistributedCache struct {
	rdb        *redis.Client
	payloadTTL time.Duration
	lockTTL    time.Duration
}

func NewDistributedCache(rdb *redis.Client, payloadTTL, lockTTL time.Duration) *DistributedCache {
	return &DistributedCache{rdb: rdb, payloadTTL: payloadTTL, lockTTL: lockTTL}
}

// TryGet fetches the shared snapshot. Returns found=false on any Redis or
// decode error.
func (c *DistributedCache) TryGet(ctx context.Context) (bool, int64, []*FaceProfileSnapshot) {
	if c == nil || c.rdb == nil {
		return false, 0, nil
	}

	payload, err := c.rdb.Get(ctx, payloadKey).Result()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		log.Printf("[SnapshotCache] get payload failed: %v", err)
		return false, 0, nil
	}

	var snaps []*FaceProfileSnapshot
	if err := json.Unmarshal([]byte(payload), &snaps); err != nil {
		log.Printf("[SnapshotCache] [ERROR] corrupt payload, ignoring: %v", err)
		return false, 0, nil
	}

	// Version key missing (flush, manual delete) reads as 0; the store
	// refuses regressions so a zero version never clobbers newer data.
	version, err := c.rdb.Get(ctx, versionKey).Int64()
	if err != nil && err != redis.Nil {
		log.Printf("[SnapshotCache] get version failed: %v", err)
		return false, 0, nil
	}

	return true, version, snaps
}

// Set writes the payload with its TTL, then bumps the shared version
// counter. Returns the new version, or 0 when Redis is unavailable.
func (c *DistributedCache) Set(ctx context.Context, snaps []*FaceProfileSnapshot) int64 {
	if c == nil || c.rdb == nil {
		return 0
	}

	data, err := json.Marshal(snaps)
	if err != nil {
		log.Printf("[SnapshotCache] [ERROR] marshal payload: %v", err)
		return 0
	}

	if err := c.rdb.Set(ctx, payloadKey, data, c.payloadTTL).Err(); err != nil {
		log.Printf("[SnapshotCache] set payload failed: %v", err)
		return 0
	}

	version, err := c.rdb.Incr(ctx, versionKey).Result()
	if err != nil {
		log.Printf("[SnapshotCache] incr version failed: %v", err)
		return 0
	}
	return version
}

// Invalidate bumps the version and shortens the payload TTL so followers
// stop trusting it quickly without a hard delete.
func (c *DistributedCache) Invalidate(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, versionKey)
	pipe.Expire(ctx, payloadKey, invalidatedPayloadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[SnapshotCache] invalidate failed: %v", err)
	}
}

// TryAcquireLock claims the cross-instance refresh lock. The token must be
// passed back to ReleaseLock. Without Redis there is nothing to coordinate,
// so the lock is granted with an empty token.
func (c *DistributedCache) TryAcquireLock(ctx context.Context) (bool, string) {
	if c == nil || c.rdb == nil {
		return true, ""
	}
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey, token, c.lockTTL).Result()
	if err != nil {
		log.Printf("[SnapshotCache] lock acquire failed: %v", err)
		return false, ""
	}
	if !ok {
		return false, ""
	}
	return true, token
}

// ReleaseLock frees the refresh lock if the token still owns it. A lock that
// expired and was re-acquired elsewhere is left alone.
func (c *DistributedCache) ReleaseLock(ctx context.Context, token string) {
	if c == nil || c.rdb == nil || token == "" {
		return
	}
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
		log.Printf("[SnapshotCache] lock release failed: %v", err)
	}
}
