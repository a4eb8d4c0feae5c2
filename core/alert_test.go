package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlert(t *testing.T) {
	rule := &Rule{ID: "r1", Name: "Brute Force", Type: RuleTypeThreshold, Severity: SeverityHigh}
	event := NewEvent("login_failure")
	event.EntityID = "host-1"

	alert := NewAlert(rule, event)
	require.NotEmpty(t, alert.ID)
	assert.Equal(t, "r1", alert.RuleID)
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Equal(t, AlertStatusNew, alert.Status)
	assert.Equal(t, "host-1", alert.EntityID)
	assert.Equal(t, []string{event.EventID}, alert.EventIDs)
}

func TestNewAlertDefaultsSeverity(t *testing.T) {
	rule := &Rule{ID: "r1", Type: RuleTypeSimple}
	alert := NewAlert(rule, NewEvent("port_scan"))
	assert.Equal(t, SeverityMedium, alert.Severity)
}

func TestAlertTransition(t *testing.T) {
	alert := NewAlert(&Rule{ID: "r1", Type: RuleTypeSimple}, NewEvent("port_scan"))

	require.NoError(t, alert.Transition(AlertStatusAcknowledged))
	require.NoError(t, alert.Transition(AlertStatusResolved))

	// Closed alerts stay closed.
	assert.Error(t, alert.Transition(AlertStatusInvestigating))
}

func TestAlertTransitionRejectsUnknownStatus(t *testing.T) {
	alert := NewAlert(&Rule{ID: "r1", Type: RuleTypeSimple}, NewEvent("port_scan"))
	assert.Error(t, alert.Transition("snoozed"))
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityRank(SeverityCritical), SeverityRank(SeverityHigh))
	assert.Greater(t, SeverityRank(SeverityHigh), SeverityRank(SeverityMedium))
	assert.Greater(t, SeverityRank(SeverityLow), SeverityRank(SeverityInfo))
	assert.Equal(t, 0, SeverityRank("bogus"))
}
