package recognition

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-sentinel/internal/embedding"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Candidate is a fresh embedding observed during a successful match, offered
// for enrollment into the matched profile.
type Candidate struct {
	UserID    uuid.UUID
	ProfileID uuid.UUID
	Embedding []float32
	Quality   float64
}

// ProfileWriter is the slice of the profile store auto-enrollment needs.
// Reads go to the database, not the snapshot: the snapshot may be a refresh
// cycle behind and the gates below must see embeddings accepted seconds ago.
type ProfileWriter interface {
	GetEmbeddings(ctx context.Context, profileID uuid.UUID) ([][]float32, error)
	AddEmbedding(ctx context.Context, profileID uuid.UUID, vector []float32, quality float64) error
}

// RefreshRequester lets an acceptance wake the snapshot refresher early.
type RefreshRequester interface {
	RequestRefresh()
}

type AutoEnrollConfig struct {
	MinInterval             time.Duration
	MaxEmbeddingsPerProfile int
	MinVariationDistance    float64
	QueueSize               int
}

// AutoEnroller grows a user's embedding set with diverse new observations.
// Candidates pass three gates in order: per-user rate limit, profile size,
// then variation distance against every existing embedding.
type AutoEnroller struct {
	cfg      AutoEnrollConfig
	profiles ProfileWriter
	store    RefreshRequester

	queue        chan Candidate
	lastAccepted *lru.Cache[uuid.UUID, time.Time]
}

func NewAutoEnroller(cfg AutoEnrollConfig, profiles ProfileWriter, store RefreshRequester) *AutoEnroller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	rates, _ := lru.New[uuid.UUID, time.Time](4096)
	return &AutoEnroller{
		cfg:          cfg,
		profiles:     profiles,
		store:        store,
		queue:        make(chan Candidate, cfg.QueueSize),
		lastAccepted: rates,
	}
}

// Offer enqueues a candidate without blocking. A full queue drops it;
// enrollment is opportunistic and the verify path must not wait.
func (a *AutoEnroller) Offer(c Candidate) bool {
	select {
	case a.queue <- c:
		return true
	default:
		metrics.RecordAutoEnroll("dropped")
		return false
	}
}

// Run consumes the queue until ctx is cancelled.
func (a *AutoEnroller) Run(ctx context.Context) {
	log.Printf("[AutoEnroll] worker started, queue capacity %d", cap(a.queue))
	for {
		select {
		case <-ctx.Done():
			log.Printf("[AutoEnroll] worker stopped")
			return
		case c := <-a.queue:
			a.process(ctx, c)
		}
	}
}

func (a *AutoEnroller) process(ctx context.Context, c Candidate) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	metrics.RecordAutoEnroll(a.evaluate(ctx, c))
}

// evaluate runs the gates and persists on acceptance. Failures are logged
// and never reach the verification caller.
func (a *AutoEnroller) evaluate(ctx context.Context, c Candidate) string {
	if last, ok := a.lastAccepted.Get(c.UserID); ok && time.Since(last) < a.cfg.MinInterval {
		return "rate_limited"
	}

	existing, err := a.profiles.GetEmbeddings(ctx, c.ProfileID)
	if err != nil {
		log.Printf("[AutoEnroll] [WARN] load embeddings profile=%s: %v", c.ProfileID, err)
		return "error"
	}
	if len(existing) >= a.cfg.MaxEmbeddingsPerProfile {
		return "profile_full"
	}
	for _, e := range existing {
		if 1-embedding.Cosine(c.Embedding, e) < a.cfg.MinVariationDistance {
			return "too_similar"
		}
	}

	if err := a.profiles.AddEmbedding(ctx, c.ProfileID, c.Embedding, c.Quality); err != nil {
		log.Printf("[AutoEnroll] [WARN] persist embedding profile=%s: %v", c.ProfileID, err)
		return "error"
	}
	a.lastAccepted.Add(c.UserID, time.Now())
	if a.store != nil {
		a.store.RequestRefresh()
	}
	log.Printf("[AutoEnroll] enrolled user=%s profile=%s embeddings=%d", c.UserID, c.ProfileID, len(existing)+1)
	return "accepted"
}
