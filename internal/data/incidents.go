package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type IncidentSource string

const (
	SourceCamera   IncidentSource = "camera"
	SourceSensor   IncidentSource = "sensor"
	SourceOperator IncidentSource = "operator"
	SourceSystem   IncidentSource = "system"
)

type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

type IncidentStatus string

const (
	StatusOpen       IncidentStatus = "open"
	StatusAssigned   IncidentStatus = "assigned"
	StatusInProgress IncidentStatus = "in_progress"
	StatusResolved   IncidentStatus = "resolved"
	StatusClosed     IncidentStatus = "closed"
)

type Incident struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Type        string           `json:"type"`
	Source      IncidentSource   `json:"source"`
	Severity    IncidentSeverity `json:"severity"`
	Status      IncidentStatus   `json:"status"`
	OperatorID  *string          `json:"operator_id,omitempty"`
	AssigneeID  *string          `json:"assignee_id,omitempty"`
	Location    *string          `json:"location,omitempty"`
	DedupeKey   string           `json:"dedupe_key"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

type IncidentModel struct {
	DB DBTX
}

const incidentColumns = `id, title, description, type, source, severity, status, operator_id, assignee_id, location, dedupe_key, created_at, resolved_at`

func (m IncidentModel) scan(row interface{ Scan(...any) error }) (*Incident, error) {
	var (
		inc        Incident
		operator   sql.NullString
		assignee   sql.NullString
		location   sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &inc.Type, &inc.Source, &inc.Severity,
		&inc.Status, &operator, &assignee, &location, &inc.DedupeKey, &inc.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if operator.Valid {
		inc.OperatorID = &operator.String
	}
	if assignee.Valid {
		inc.AssigneeID = &assignee.String
	}
	if location.Valid {
		inc.Location = &location.String
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	return &inc, nil
}

// Insert persists a new incident. The partial unique index on dedupe_key
// (non-closed incidents only) is the cluster-wide dedupe authority; a
// violation surfaces through IsUniqueViolation.
func (m IncidentModel) Insert(ctx context.Context, inc *Incident) error {
	query := `
		INSERT INTO incidents (title, description, type, source, severity, status, operator_id, assignee_id, location, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	err := m.DB.QueryRowContext(ctx, query,
		inc.Title, inc.Description, inc.Type, inc.Source, inc.Severity, inc.Status,
		inc.OperatorID, inc.AssigneeID, inc.Location, inc.DedupeKey,
	).Scan(&inc.ID, &inc.CreatedAt)
	return err
}

// ExistsOpenWithDedupeKey reports whether any non-closed incident already
// carries the key.
func (m IncidentModel) ExistsOpenWithDedupeKey(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM incidents WHERE dedupe_key = $1 AND status <> $2)`

	var exists bool
	err := m.DB.QueryRowContext(ctx, query, key, StatusClosed).Scan(&exists)
	return exists, err
}

func (m IncidentModel) GetByID(ctx context.Context, id int64) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	inc, err := m.scan(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// UpdateStatus moves an incident from one status to another. The WHERE guard
// on the previous status makes concurrent transitions lose cleanly: false
// means the row was not in the expected status anymore.
func (m IncidentModel) UpdateStatus(ctx context.Context, id int64, from, to IncidentStatus, resolvedAt *time.Time) (bool, error) {
	query := `
		UPDATE incidents
		SET status = $1, resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $3 AND status = $4`

	res, err := m.DB.ExecContext(ctx, query, to, resolvedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("update incident %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetByIdempotencyKey returns the incident a client key was first bound to.
func (m IncidentModel) GetByIdempotencyKey(ctx context.Context, key string) (*Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE id = (SELECT incident_id FROM incident_idempotency WHERE key = $1)`

	inc, err := m.scan(m.DB.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// SaveIdempotencyKey binds a client key to an incident. Re-saving an
// existing key is a no-op (the first binding wins).
func (m IncidentModel) SaveIdempotencyKey(ctx context.Context, key string, incidentID int64) error {
	query := `
		INSERT INTO incident_idempotency (key, incident_id)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`

	_, err := m.DB.ExecContext(ctx, query, key, incidentID)
	return err
}
