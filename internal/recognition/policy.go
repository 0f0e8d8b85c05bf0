package recognition

import (
	"context"
	"errors"
	"log"
	"math"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// CameraPolicy is the effective recognition policy for one camera after
// capability gating and mode-based threshold adjustment.
type CameraPolicy struct {
	CameraID  int64                `json:"camera_id"`
	Mode      data.RecognitionMode `json:"mode"`
	Threshold float64              `json:"threshold"`
}

// CameraGetter is the slice of the camera store the resolver needs.
type CameraGetter interface {
	GetByID(ctx context.Context, id int64) (*data.Camera, error)
}

// PolicyResolver resolves per-camera policy with a small TTL cache so the
// per-frame hot path does not hit the database.
type PolicyResolver struct {
	cameras          CameraGetter
	defaultThreshold float64
	cacheTTL         time.Duration
	cache            *lru.Cache[int64, cachedPolicy]
}

type cachedPolicy struct {
	policy  CameraPolicy
	addedAt time.Time
}

func NewPolicyResolver(cameras CameraGetter, defaultThreshold float64, cacheSize int, cacheTTL time.Duration) *PolicyResolver {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, _ := lru.New[int64, cachedPolicy](cacheSize)
	return &PolicyResolver{
		cameras:          cameras,
		defaultThreshold: defaultThreshold,
		cacheTTL:         cacheTTL,
		cache:            c,
	}
}

// Resolve accepts the camera reference as received from callers. References
// that do not parse as a camera id get Normal mode with the default
// threshold.
func (r *PolicyResolver) Resolve(ctx context.Context, cameraRef string) CameraPolicy {
	id, err := strconv.ParseInt(cameraRef, 10, 64)
	if err != nil {
		return CameraPolicy{Mode: data.ModeNormal, Threshold: r.defaultThreshold}
	}
	return r.ResolveID(ctx, id)
}

// ResolveID returns the effective policy for a camera id. Unknown cameras
// get Normal mode with the default threshold; transient lookup failures do
// too, but are not cached so the next call retries.
func (r *PolicyResolver) ResolveID(ctx context.Context, id int64) CameraPolicy {
	if entry, ok := r.cache.Get(id); ok && time.Since(entry.addedAt) < r.cacheTTL {
		return entry.policy
	}

	policy, cacheable := r.build(ctx, id)
	if cacheable {
		r.cache.Add(id, cachedPolicy{policy: policy, addedAt: time.Now()})
	}
	return policy
}

func (r *PolicyResolver) build(ctx context.Context, id int64) (CameraPolicy, bool) {
	fallback := CameraPolicy{CameraID: id, Mode: data.ModeNormal, Threshold: r.defaultThreshold}

	cam, err := r.cameras.GetByID(ctx, id)
	if errors.Is(err, data.ErrRecordNotFound) {
		return fallback, true
	}
	if err != nil {
		log.Printf("[Policy] [WARN] camera %d lookup failed, using defaults: %v", id, err)
		return fallback, false
	}

	threshold := r.defaultThreshold
	if cam.ThresholdOverride != nil {
		threshold = *cam.ThresholdOverride
	}

	mode := cam.RecognitionMode
	if !mode.Valid() {
		mode = data.ModeNormal
	}
	if !cam.Capabilities.Has(data.CapabilityFace) {
		mode = data.ModeDisabled
	}

	switch mode {
	case data.ModeStrict:
		threshold = math.Min(1.0, threshold+0.05)
	case data.ModeRelaxed:
		threshold = math.Max(0.0, threshold-0.05)
	}

	return CameraPolicy{CameraID: id, Mode: mode, Threshold: threshold}, true
}
