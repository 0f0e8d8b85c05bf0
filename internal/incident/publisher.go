package incident

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// NATS subjects downstream notification transports subscribe to.
const (
	SubjectCreated = "sentinel.incidents.created"
	SubjectStatus  = "sentinel.incidents.status"
)

// Publisher fans incident events out over NATS. A nil *Publisher is the
// no-bus variant: publishes become log lines. Publishing retries transient
// errors with a short linear backoff and never blocks incident creation;
// the manager calls it from a goroutine.
type Publisher struct {
	conn       *nats.Conn
	maxRetries int
}

func NewPublisher(conn *nats.Conn, maxRetries int) *Publisher {
	return &Publisher{conn: conn, maxRetries: maxRetries}
}

// StatusEvent is the payload on SubjectStatus.
type StatusEvent struct {
	IncidentID int64               `json:"incident_id"`
	From       data.IncidentStatus `json:"from"`
	To         data.IncidentStatus `json:"to"`
	At         time.Time           `json:"at"`
}

// PublishCreated announces a newly created incident.
func (p *Publisher) PublishCreated(inc *data.Incident) {
	p.publish(SubjectCreated, inc)
}

// PublishStatus announces a lifecycle transition.
func (p *Publisher) PublishStatus(ev StatusEvent) {
	p.publish(SubjectStatus, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	if p == nil || p.conn == nil {
		log.Printf("[Incidents] event bus disabled, dropping %s", subject)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Incidents] [ERROR] marshal %s payload: %v", subject, err)
		return
	}

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err = p.conn.Publish(subject, body); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	log.Printf("[Incidents] [WARN] publish %s failed after %d retries: %v", subject, p.maxRetries, err)
}
