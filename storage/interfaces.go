package storage

import (
	"context"
	"errors"
	"time"

	"vigil/core"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on unique-key violations.
	ErrDuplicate = errors.New("duplicate document")
)

// RuleStorage persists rule definitions. The engine only reads enabled rules
// at startup and writes trigger bookkeeping; full CRUD belongs to the rule
// management surface.
type RuleStorage interface {
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	GetEnabledRules(ctx context.Context) ([]*core.Rule, error)
	SaveRule(ctx context.Context, rule *core.Rule) error
	DeleteRule(ctx context.Context, id string) error
	// RecordTrigger increments the rule's trigger counter and stamps
	// last-triggered.
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// EventArchive persists correlation events and serves the related-event
// window used by the context builder.
type EventArchive interface {
	Insert(ctx context.Context, event *core.CorrelationEvent) error
	InsertBatch(ctx context.Context, events []*core.CorrelationEvent) error
	// FindRelated returns archived events since the given time that share
	// the entity id, source address, or destination address. Empty selector
	// values are ignored.
	FindRelated(ctx context.Context, entityID, sourceAddr, destAddr string, since time.Time) ([]*core.CorrelationEvent, error)
	// DeleteOlderThan removes archived events with timestamps before the
	// cutoff and reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
