// Package incident assigns severity, deduplicates, and drives the lifecycle
// state machine for incidents raised by detection or by operators.
package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

var (
	// ErrDuplicateIncident means a non-closed incident already carries the
	// same dedupe key. The caller has nothing to fix; the event is already
	// being tracked.
	ErrDuplicateIncident = errors.New("duplicate incident")

	// ErrInvalidTransition rejects a backward or same-status move.
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// dedupeBucket is the coarse time window equivalent incidents collapse into.
const dedupeBucket = 60 * time.Second

// statusRank orders the lifecycle. Forward jumps are allowed, anything else
// is rejected.
var statusRank = map[data.IncidentStatus]int{
	data.StatusOpen:       0,
	data.StatusAssigned:   1,
	data.StatusInProgress: 2,
	data.StatusResolved:   3,
	data.StatusClosed:     4,
}

// Store is the persistence slice the manager needs.
type Store interface {
	Insert(ctx context.Context, inc *data.Incident) error
	GetByID(ctx context.Context, id int64) (*data.Incident, error)
	ExistsOpenWithDedupeKey(ctx context.Context, key string) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to data.IncidentStatus, resolvedAt *time.Time) (bool, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*data.Incident, error)
	SaveIdempotencyKey(ctx context.Context, key string, incidentID int64) error
}

// Draft is an incident before severity, status, and dedupe key assignment.
type Draft struct {
	Title       string
	Description string
	Type        string
	Source      data.IncidentSource
	OperatorID  *string
	AssigneeID  *string
	Location    *string

	// OccurredAt anchors the dedupe time bucket; zero means now.
	OccurredAt time.Time

	// IdempotencyKey is the optional client-supplied replay key. The first
	// create under a key wins; replays return that incident verbatim.
	IdempotencyKey string
}

// Manager owns incident creation and lifecycle.
type Manager struct {
	store      Store
	severities *SeverityTable
	publisher  *Publisher

	// replayCache short-circuits idempotent replays without a DB round trip.
	replayCache *lru.Cache[string, int64]
}

func NewManager(store Store, severities *SeverityTable, publisher *Publisher, replayCacheSize int) *Manager {
	if replayCacheSize <= 0 {
		replayCacheSize = 4096
	}
	cache, _ := lru.New[string, int64](replayCacheSize)
	return &Manager{
		store:       store,
		severities:  severities,
		publisher:   publisher,
		replayCache: cache,
	}
}

// ResolveSeverity maps an incident type to its configured severity.
func (m *Manager) ResolveSeverity(incidentType string) data.IncidentSeverity {
	return m.severities.Resolve(incidentType)
}

// InitialStatus is Open for automated sources; an operator-raised incident
// with an assignee starts Assigned.
func InitialStatus(source data.IncidentSource, assigneeID *string) data.IncidentStatus {
	if source == data.SourceOperator && assigneeID != nil {
		return data.StatusAssigned
	}
	return data.StatusOpen
}

// BuildDedupeKey hashes the fields that make two incidents "the same event":
// type, source, operator, coarse location, and the 60-second time bucket.
func BuildDedupeKey(incidentType string, source data.IncidentSource, operatorID, location *string, at time.Time) string {
	op, loc := "", ""
	if operatorID != nil {
		op = *operatorID
	}
	if location != nil {
		loc = *location
	}
	bucket := at.UTC().Truncate(dedupeBucket).Unix()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d", incidentType, source, op, loc, bucket))
	return hex.EncodeToString(sum[:])
}

// Create persists a new incident unless it replays an idempotency key or
// collides with a live dedupe key. The returned incident is fully populated
// either way.
func (m *Manager) Create(ctx context.Context, draft Draft) (*data.Incident, error) {
	if draft.IdempotencyKey != "" {
		if inc, ok := m.lookupReplay(ctx, draft.IdempotencyKey); ok {
			metrics.RecordIncident("replayed")
			return inc, nil
		}
	}

	at := draft.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	key := BuildDedupeKey(draft.Type, draft.Source, draft.OperatorID, draft.Location, at)

	exists, err := m.store.ExistsOpenWithDedupeKey(ctx, key)
	if err != nil {
		metrics.RecordIncident("error")
		return nil, fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		metrics.RecordIncident("duplicate")
		return nil, ErrDuplicateIncident
	}

	inc := &data.Incident{
		Title:       draft.Title,
		Description: draft.Description,
		Type:        draft.Type,
		Source:      draft.Source,
		Severity:    m.severities.Resolve(draft.Type),
		Status:      InitialStatus(draft.Source, draft.AssigneeID),
		OperatorID:  draft.OperatorID,
		AssigneeID:  draft.AssigneeID,
		Location:    draft.Location,
		DedupeKey:   key,
	}

	if err := m.store.Insert(ctx, inc); err != nil {
		// The partial unique index on dedupe_key closes the race between the
		// existence check and the insert.
		if data.IsUniqueViolation(err) {
			metrics.RecordIncident("duplicate")
			return nil, ErrDuplicateIncident
		}
		metrics.RecordIncident("error")
		return nil, fmt.Errorf("insert incident: %w", err)
	}

	if draft.IdempotencyKey != "" {
		if err := m.store.SaveIdempotencyKey(ctx, draft.IdempotencyKey, inc.ID); err != nil {
			log.Printf("[Incidents] [WARN] save idempotency key for incident %d: %v", inc.ID, err)
		} else {
			m.replayCache.Add(draft.IdempotencyKey, inc.ID)
		}
	}

	metrics.RecordIncident("created")
	log.Printf("[Incidents] created incident %d type=%s source=%s severity=%s status=%s",
		inc.ID, inc.Type, inc.Source, inc.Severity, inc.Status)
	go m.publisher.PublishCreated(inc)
	return inc, nil
}

func (m *Manager) lookupReplay(ctx context.Context, key string) (*data.Incident, bool) {
	if id, ok := m.replayCache.Get(key); ok {
		inc, err := m.store.GetByID(ctx, id)
		if err == nil {
			return inc, true
		}
		log.Printf("[Incidents] [WARN] replay cache points at unreadable incident %d: %v", id, err)
	}

	inc, err := m.store.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		log.Printf("[Incidents] [WARN] idempotency lookup: %v", err)
		return nil, false
	}
	m.replayCache.Add(key, inc.ID)
	return inc, true
}

// Transition moves an incident forward through the lifecycle. Backward and
// same-status moves are rejected; Resolved and Closed stamp the resolution
// time once.
func (m *Manager) Transition(ctx context.Context, id int64, next data.IncidentStatus) (*data.Incident, error) {
	nextRank, ok := statusRank[next]
	if !ok {
		metrics.RecordTransition("rejected")
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	inc, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if nextRank <= statusRank[inc.Status] {
		metrics.RecordTransition("rejected")
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, next)
	}

	var resolvedAt *time.Time
	if next == data.StatusResolved || next == data.StatusClosed {
		now := time.Now()
		resolvedAt = &now
	}

	moved, err := m.store.UpdateStatus(ctx, id, inc.Status, next, resolvedAt)
	if err != nil {
		metrics.RecordTransition("error")
		return nil, err
	}
	if !moved {
		// Somebody transitioned it between our read and write.
		metrics.RecordTransition("rejected")
		return nil, fmt.Errorf("%w: incident %d no longer in %s", ErrInvalidTransition, id, inc.Status)
	}

	metrics.RecordTransition("ok")
	log.Printf("[Incidents] incident %d: %s -> %s", id, inc.Status, next)
	go m.publisher.PublishStatus(StatusEvent{IncidentID: id, From: inc.Status, To: next, At: time.Now()})

	return m.store.GetByID(ctx, id)
}
