// Package audit provides the append-only event sink for governance
// decisions. Sinks are write-only from the engine's perspective: there is no
// update or delete path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

// EventType names a governance event.
type EventType string

const (
	// Security gate
	EventSecurityValidationFailed EventType = "security.validation_failed"
	EventEvidenceTamperDetected   EventType = "evidence.tamper_detected"

	// Evidence
	EventEvidenceSealed EventType = "evidence.sealed"

	// CAB state machine
	EventCABSubmitted        EventType = "cab.submitted"
	EventCABAutoApproved     EventType = "cab.auto_approved"
	EventCABVoteRecorded     EventType = "cab.vote_recorded"
	EventCABDecisionRecorded EventType = "cab.decision_recorded"

	// Exceptions
	EventExceptionCreated  EventType = "exception.created"
	EventExceptionApproved EventType = "exception.approved"
	EventExceptionRejected EventType = "exception.rejected"
	EventExceptionExpired  EventType = "exception.expired"

	// Risk models and maturity
	EventRiskModelApproved           EventType = "riskmodel.approved"
	EventRiskModelActivated          EventType = "riskmodel.activated"
	EventMaturityEvaluated           EventType = "maturity.evaluated"
	EventMaturityProgressionApproved EventType = "maturity.progression_approved"
	EventIncidentReported            EventType = "incident.reported"
	EventIncidentResolved            EventType = "incident.resolved"
)

// ActorType defines who performed the action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Status indicates the outcome of the action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Event is one immutable audit record.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	ActorID       string         `json:"actor_id"`
	ActorType     ActorType      `json:"actor_type"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Status        Status         `json:"status"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// NewEvent fills ID, timestamp and actor type. An empty actor or the
// "system" actor is recorded as a system event.
func NewEvent(typ EventType, correlationID, actorID, resourceType, resourceID string, status Status, data map[string]any) Event {
	actorType := ActorTypeUser
	if actorID == "" || actorID == "system" {
		actorID = "system"
		actorType = ActorTypeSystem
	}
	return Event{
		ID:            uuid.New(),
		Type:          typ,
		CorrelationID: correlationID,
		ActorID:       actorID,
		ActorType:     actorType,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Status:        status,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
}

// Validate checks the fields every sink requires.
func (e Event) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return errors.New("audit event id is required")
	case e.Type == "":
		return errors.New("audit event type is required")
	case e.ActorID == "":
		return errors.New("audit event actor is required")
	case e.OccurredAt.IsZero():
		return errors.New("audit event timestamp is required")
	}
	return nil
}

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// MultiSink fans an event out to several sinks. Every sink is attempted;
// the joined error reports the ones that failed.
type MultiSink struct {
	sinks []Sink
	log   *logger.Logger
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(log *logger.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, log: log.WithComponent("audit")}
}

// Emit writes event to every sink.
func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Emit(ctx, event); err != nil {
			m.log.ErrorContext(ctx, "audit sink failed",
				"sink", i,
				"event_type", event.Type,
				"event_id", event.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in process. Used by tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends event.
func (m *MemorySink) Emit(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// FailWith makes subsequent Emit calls return err. Pass nil to recover.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Events returns a copy of every recorded event.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of one type.
func (m *MemorySink) ByType(typ EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
