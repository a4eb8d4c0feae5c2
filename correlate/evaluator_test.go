package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/core"
)

func newRuleEvaluator() *RuleEvaluator {
	conditions := newConditionEvaluator()
	patterns := NewPatternMatcher(conditions, 100, 10, zap.NewNop().Sugar())
	return NewRuleEvaluator(conditions, patterns, zap.NewNop().Sugar())
}

func mustCompile(t *testing.T, rule *core.Rule) *CompiledRule {
	t.Helper()
	compiled, err := CompileRule(rule)
	require.NoError(t, err)
	return compiled
}

func typedEvent(eventType, entityID string, at time.Time) *core.Event {
	ev := core.NewEvent(eventType)
	ev.EntityID = entityID
	ev.Timestamp = at
	return ev
}

func typeCondition(eventType string) map[string]interface{} {
	return map[string]interface{}{"field": "type", "operator": "eq", "value": eventType}
}

func TestEvaluateSimpleRule(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:         "simple-1",
		Type:       core.RuleTypeSimple,
		Conditions: typeCondition("login_failure"),
	})

	match := re.Evaluate(rule, NewEvalContext(core.NewEvent("login_failure"), nil))
	assert.True(t, match.Matched)
	require.Len(t, match.EventIDs, 1)

	miss := re.Evaluate(rule, NewEvalContext(core.NewEvent("login_success"), nil))
	assert.False(t, miss.Matched)
}

func TestEvaluateBehavioralRuleActsLikeSimple(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:         "beh-1",
		Type:       core.RuleTypeBehavioral,
		Conditions: typeCondition("login_failure"),
	})

	result := re.Evaluate(rule, NewEvalContext(core.NewEvent("login_failure"), nil))
	assert.True(t, result.Matched)
}

func TestEvaluateThresholdGrouped(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "thr-1",
		Type:          core.RuleTypeThreshold,
		Conditions:    typeCondition("login_failure"),
		WindowSeconds: 60,
		Threshold:     5,
		GroupBy:       "entity_id",
	})

	now := time.Now().UTC()
	trigger := typedEvent("login_failure", "E1", now)

	var related []*core.Event
	for i := 1; i < 5; i++ {
		related = append(related, typedEvent("login_failure", "E1", now.Add(-time.Duration(i)*time.Second)))
	}

	// 5 matching events for E1 within the window match the group.
	ctx := NewEvalContext(trigger, related)
	result := re.Evaluate(rule, ctx)
	require.True(t, result.Matched)
	assert.Len(t, result.EventIDs, 5)
	assert.Equal(t, "E1", ctx.Variables["threshold_group"])
	assert.Equal(t, 5, ctx.Variables["threshold_count"])

	// 4 events do not.
	result = re.Evaluate(rule, NewEvalContext(trigger, related[:3]))
	assert.False(t, result.Matched)

	// A 5th event for another entity does not count toward E1's group.
	withStranger := make([]*core.Event, 0, 4)
	withStranger = append(withStranger, related[:3]...)
	withStranger = append(withStranger, typedEvent("login_failure", "E2", now.Add(-10*time.Second)))
	result = re.Evaluate(rule, NewEvalContext(trigger, withStranger))
	assert.False(t, result.Matched)
}

func TestEvaluateThresholdWindowExcludesOldEvents(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "thr-2",
		Type:          core.RuleTypeThreshold,
		Conditions:    typeCondition("login_failure"),
		WindowSeconds: 60,
		Threshold:     3,
	})

	now := time.Now().UTC()
	trigger := typedEvent("login_failure", "E1", now)
	related := []*core.Event{
		typedEvent("login_failure", "E1", now.Add(-30*time.Second)),
		// Outside the 60s window.
		typedEvent("login_failure", "E1", now.Add(-2*time.Minute)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	assert.False(t, result.Matched)
}

func TestEvaluateThresholdRequiresTriggerMatch(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "thr-3",
		Type:          core.RuleTypeThreshold,
		Conditions:    typeCondition("login_failure"),
		WindowSeconds: 60,
		Threshold:     1,
	})

	result := re.Evaluate(rule, NewEvalContext(core.NewEvent("login_success"), nil))
	assert.False(t, result.Matched)
}

func sequenceRule(t *testing.T) *CompiledRule {
	return mustCompile(t, &core.Rule{
		ID:            "seq-1",
		Type:          core.RuleTypeSequence,
		WindowSeconds: 300,
		Stages: []core.SequenceStage{
			{Name: "login_failure", Conditions: typeCondition("login_failure")},
			{Name: "login_success", Conditions: typeCondition("login_success")},
		},
	})
}

func TestEvaluateSequenceOrdered(t *testing.T) {
	re := newRuleEvaluator()
	rule := sequenceRule(t)

	t0 := time.Now().UTC().Add(-time.Minute)
	failure := typedEvent("login_failure", "E1", t0)
	success := typedEvent("login_success", "E1", t0.Add(10*time.Second))

	result := re.Evaluate(rule, NewEvalContext(success, []*core.Event{failure}))
	require.True(t, result.Matched)
	assert.Equal(t, []string{failure.EventID, success.EventID}, result.EventIDs)
}

func TestEvaluateSequenceOrderViolated(t *testing.T) {
	re := newRuleEvaluator()
	rule := sequenceRule(t)

	t0 := time.Now().UTC().Add(-time.Minute)
	success := typedEvent("login_success", "E1", t0)
	failure := typedEvent("login_failure", "E1", t0.Add(10*time.Second))

	// The trigger is the later event and must match the last stage.
	result := re.Evaluate(rule, NewEvalContext(failure, []*core.Event{success}))
	assert.False(t, result.Matched)
}

func TestEvaluateSequencePartialReportsStages(t *testing.T) {
	re := newRuleEvaluator()
	rule := sequenceRule(t)

	// Last stage matches the trigger, but no failure event precedes it.
	trigger := typedEvent("login_success", "E1", time.Now().UTC())
	result := re.Evaluate(rule, NewEvalContext(trigger, nil))
	require.False(t, result.Matched)

	flags, ok := result.Details["stages_matched"].(map[string]bool)
	require.True(t, ok)
	assert.True(t, flags["login_success"])
	assert.False(t, flags["login_failure"])
	assert.Equal(t, "login_failure", result.Details["failed_stage"])
}

func TestEvaluateSequenceEventNotReused(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "seq-2",
		Type:          core.RuleTypeSequence,
		WindowSeconds: 300,
		Stages: []core.SequenceStage{
			{Name: "first", Conditions: typeCondition("port_scan")},
			{Name: "second", Conditions: typeCondition("port_scan")},
		},
	})

	// One scan event cannot satisfy both stages.
	trigger := typedEvent("port_scan", "E1", time.Now().UTC())
	result := re.Evaluate(rule, NewEvalContext(trigger, nil))
	assert.False(t, result.Matched)

	earlier := typedEvent("port_scan", "E1", trigger.Timestamp.Add(-time.Second))
	result = re.Evaluate(rule, NewEvalContext(trigger, []*core.Event{earlier}))
	assert.True(t, result.Matched)
}

func TestEvaluateSequenceSingleStageClaimsClosestMatch(t *testing.T) {
	re := newRuleEvaluator()
	rule := sequenceRule(t)

	now := time.Now().UTC()
	trigger := typedEvent("login_success", "E1", now)
	far := typedEvent("login_failure", "E1", now.Add(-3*time.Minute))
	near := typedEvent("login_failure", "E1", now.Add(-time.Minute))

	result := re.Evaluate(rule, NewEvalContext(trigger, []*core.Event{far, near}))
	require.True(t, result.Matched)
	// Without allow_multiple the stage takes only the closest preceding event.
	assert.Equal(t, []string{near.EventID, trigger.EventID}, result.EventIDs)
}

func TestEvaluateSequenceAllowMultipleClaimsEveryMatch(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "seq-3",
		Type:          core.RuleTypeSequence,
		WindowSeconds: 600,
		Stages: []core.SequenceStage{
			{Name: "failures", Conditions: typeCondition("login_failure"), AllowMultiple: true},
			{Name: "success", Conditions: typeCondition("login_success")},
		},
	})

	now := time.Now().UTC()
	trigger := typedEvent("login_success", "E1", now)
	related := []*core.Event{
		typedEvent("login_failure", "E1", now.Add(-3*time.Minute)),
		typedEvent("login_failure", "E1", now.Add(-2*time.Minute)),
		typedEvent("login_failure", "E1", now.Add(-time.Minute)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)
	// The stage consumes all three failures, oldest first, then the trigger.
	assert.Equal(t, []string{
		related[0].EventID, related[1].EventID, related[2].EventID, trigger.EventID,
	}, result.EventIDs)
}

func TestEvaluateAggregation(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "agg-1",
		Type:          core.RuleTypeAggregation,
		Conditions:    typeCondition("transfer"),
		WindowSeconds: 600,
		Aggregations: []core.AggregationSpec{
			{Type: core.AggSum, Field: "bytes_out", Operator: "gt", Threshold: 1000},
			{Type: core.AggDistinct, Field: "dest", Operator: "gte", Threshold: 2},
		},
	})

	now := time.Now().UTC()
	mk := func(bytes int, dest string, offset time.Duration) *core.Event {
		ev := typedEvent("transfer", "E1", now.Add(offset))
		ev.Attributes["bytes_out"] = bytes
		ev.Attributes["dest"] = dest
		return ev
	}

	trigger := mk(600, "10.0.0.1", 0)
	related := []*core.Event{mk(700, "10.0.0.2", -time.Minute)}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)
	assert.EqualValues(t, 1300.0, result.Details["sum(bytes_out)"])
	assert.EqualValues(t, 2.0, result.Details["distinct(dest)"])

	// AND semantics: the distinct aggregation failing fails the rule.
	sameDest := []*core.Event{mk(700, "10.0.0.1", -time.Minute)}
	result = re.Evaluate(rule, NewEvalContext(trigger, sameDest))
	require.False(t, result.Matched)
	assert.Equal(t, "distinct(dest)", result.Details["failed"])
}

func TestEvaluateAggregationGroupedCountAnyGroupPasses(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:            "agg-2",
		Type:          core.RuleTypeAggregation,
		Conditions:    typeCondition("login_failure"),
		WindowSeconds: 600,
		Aggregations: []core.AggregationSpec{
			{Type: core.AggCount, Operator: "gte", Threshold: 3, GroupBy: "entity_id"},
		},
	})

	now := time.Now().UTC()
	trigger := typedEvent("login_failure", "E1", now)
	related := []*core.Event{
		typedEvent("login_failure", "E1", now.Add(-time.Second)),
		typedEvent("login_failure", "E1", now.Add(-2*time.Second)),
		typedEvent("login_failure", "E2", now.Add(-3*time.Second)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	assert.True(t, result.Matched)
}

func TestEvaluateRespectsEventTypeAllowList(t *testing.T) {
	re := newRuleEvaluator()
	rule := mustCompile(t, &core.Rule{
		ID:         "scoped-1",
		Type:       core.RuleTypeSimple,
		EventTypes: []string{"dns_query"},
	})

	result := re.Evaluate(rule, NewEvalContext(core.NewEvent("http_request"), nil))
	assert.False(t, result.Matched)
}

func TestEvaluateUnknownTypeIsErrorResult(t *testing.T) {
	re := newRuleEvaluator()
	broken := &CompiledRule{Rule: &core.Rule{ID: "bad-1", Type: "mystery"}}

	result := re.Evaluate(broken, NewEvalContext(core.NewEvent("anything"), nil))
	assert.False(t, result.Matched)
	assert.NotEmpty(t, result.Error)
}
