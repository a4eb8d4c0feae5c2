package core

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a single normalized security event ingested into the
// correlation engine. Events are immutable after creation; the engine never
// writes back into an event it received.
type Event struct {
	EventID    string                 `json:"event_id" bson:"event_id"`
	Type       string                 `json:"type" bson:"type"`
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	EntityID   string                 `json:"entity_id,omitempty" bson:"entity_id,omitempty"`
	SourceAddr string                 `json:"source_addr,omitempty" bson:"source_addr,omitempty"`
	DestAddr   string                 `json:"dest_addr,omitempty" bson:"dest_addr,omitempty"`
	Severity   string                 `json:"severity,omitempty" bson:"severity,omitempty"`
	Attributes map[string]interface{} `json:"attributes" bson:"attributes"`
	RawData    string                 `json:"raw_data,omitempty" bson:"raw_data,omitempty"`
}

// NewEvent creates a new Event with a generated UUID and an empty attribute bag.
func NewEvent(eventType string) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Attributes: make(map[string]interface{}),
	}
}

// CorrelationEvent is the engine's own archived copy of an ingested event,
// kept only to serve windowed context lookups. It has an independent
// lifecycle: created when the event is processed, deleted by garbage
// collection once it ages past the retention window.
type CorrelationEvent struct {
	EventID    string                 `json:"event_id" bson:"event_id"`
	Type       string                 `json:"type" bson:"type"`
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	EntityID   string                 `json:"entity_id,omitempty" bson:"entity_id,omitempty"`
	SourceAddr string                 `json:"source_addr,omitempty" bson:"source_addr,omitempty"`
	DestAddr   string                 `json:"dest_addr,omitempty" bson:"dest_addr,omitempty"`
	Severity   string                 `json:"severity,omitempty" bson:"severity,omitempty"`
	RawPayload map[string]interface{} `json:"raw_payload" bson:"raw_payload"`
	ArchivedAt time.Time              `json:"archived_at" bson:"archived_at"`
}

// NewCorrelationEvent builds the archive record for an event.
func NewCorrelationEvent(event *Event) *CorrelationEvent {
	return &CorrelationEvent{
		EventID:    event.EventID,
		Type:       event.Type,
		Timestamp:  event.Timestamp,
		EntityID:   event.EntityID,
		SourceAddr: event.SourceAddr,
		DestAddr:   event.DestAddr,
		Severity:   event.Severity,
		RawPayload: event.Attributes,
		ArchivedAt: time.Now().UTC(),
	}
}

// ToEvent reconstructs an Event view of the archived record for evaluation.
func (ce *CorrelationEvent) ToEvent() *Event {
	attrs := ce.RawPayload
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	return &Event{
		EventID:    ce.EventID,
		Type:       ce.Type,
		Timestamp:  ce.Timestamp,
		EntityID:   ce.EntityID,
		SourceAddr: ce.SourceAddr,
		DestAddr:   ce.DestAddr,
		Severity:   ce.Severity,
		Attributes: attrs,
	}
}
