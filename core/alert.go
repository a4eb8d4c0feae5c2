package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus tracks an alert through its triage lifecycle.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// Severity levels ordered from least to most urgent.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank maps a severity name to its ordering; unknown severities rank
// below info so they never outrank a real level.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// Alert is the record produced when a rule matches.
type Alert struct {
	ID          string      `json:"id" bson:"_id"`
	RuleID      string      `json:"rule_id" bson:"rule_id"`
	RuleName    string      `json:"rule_name" bson:"rule_name"`
	Title       string      `json:"title" bson:"title"`
	Description string      `json:"description,omitempty" bson:"description,omitempty"`
	Severity    string      `json:"severity" bson:"severity"`
	Status      AlertStatus `json:"status" bson:"status"`
	EntityID    string      `json:"entity_id,omitempty" bson:"entity_id,omitempty"`
	// EventIDs lists every event that contributed to the match, trigger first.
	EventIDs []string               `json:"event_ids" bson:"event_ids"`
	Details  map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`

	MitreTactics    []string `json:"mitre_tactics,omitempty" bson:"mitre_tactics,omitempty"`
	MitreTechniques []string `json:"mitre_techniques,omitempty" bson:"mitre_techniques,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewAlert builds an alert for a rule match with a fresh identifier and the
// new status.
func NewAlert(rule *Rule, triggerEvent *Event) *Alert {
	now := time.Now().UTC()
	alert := &Alert{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Title:           fmt.Sprintf("%s: %s", rule.Name, triggerEvent.Type),
		Description:     rule.Description,
		Severity:        rule.Severity,
		Status:          AlertStatusNew,
		EntityID:        triggerEvent.EntityID,
		EventIDs:        []string{triggerEvent.EventID},
		MitreTactics:    rule.MitreTactics,
		MitreTechniques: rule.MitreTechniques,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if alert.Severity == "" {
		alert.Severity = SeverityMedium
	}
	return alert
}

// Transition moves the alert to a new status if the transition is allowed.
// Resolved and false-positive alerts are terminal.
func (a *Alert) Transition(to AlertStatus) error {
	switch a.Status {
	case AlertStatusResolved, AlertStatusFalsePositive:
		return fmt.Errorf("alert %s is closed (%s)", a.ID, a.Status)
	}
	switch to {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusInvestigating,
		AlertStatusResolved, AlertStatusFalsePositive:
	default:
		return fmt.Errorf("unknown alert status: %s", to)
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}
