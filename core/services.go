package core

import (
	"context"
	"time"
)

// AlertSink receives alerts produced by matched rules. Delivery is
// fire-and-forget from the engine's perspective; failures are logged by the
// caller, never retried.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert *Alert) error
}

// EntityPatch carries the mutations an update_entity action applies.
type EntityPatch struct {
	RiskScoreDelta float64  `json:"risk_score_delta,omitempty"`
	Status         string   `json:"status,omitempty"`
	AddTags        []string `json:"add_tags,omitempty"`
}

// EntityService applies risk and tagging changes to entities implicated in a
// match.
type EntityService interface {
	UpdateEntity(ctx context.Context, entityID string, patch EntityPatch) error
	AddTag(ctx context.Context, entityID, tag string) error
}

// Notification is a structured notice broadcast when a send_notification
// action runs.
type Notification struct {
	RuleID    string                 `json:"rule_id"`
	RuleName  string                 `json:"rule_name"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	EntityID  string                 `json:"entity_id,omitempty"`
	EventIDs  []string               `json:"event_ids,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationChannel broadcasts notifications to an external surface
// (webhook, message bus). Implementations decide their own filtering.
type NotificationChannel interface {
	Name() string
	Broadcast(ctx context.Context, n *Notification) error
}
