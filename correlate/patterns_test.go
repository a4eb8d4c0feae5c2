package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/core"
)

func patternRule(t *testing.T, pattern map[string]interface{}) *CompiledRule {
	t.Helper()
	return mustCompile(t, &core.Rule{
		ID:      "pat-1",
		Type:    core.RuleTypePattern,
		Pattern: pattern,
	})
}

func flowEvent(src, dst string, at time.Time) *core.Event {
	ev := core.NewEvent("net_flow")
	ev.SourceAddr = src
	ev.DestAddr = dst
	ev.Timestamp = at
	return ev
}

func TestMatchFrequencyQualifyingGroups(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":      "frequency",
		"group_by":  "entity_id",
		"threshold": 3,
	})

	now := time.Now().UTC()
	trigger := typedEvent("port_scan", "E1", now)
	related := []*core.Event{
		typedEvent("port_scan", "E1", now.Add(-time.Second)),
		typedEvent("port_scan", "E1", now.Add(-2*time.Second)),
		typedEvent("port_scan", "E2", now.Add(-3*time.Second)),
		typedEvent("port_scan", "E2", now.Add(-4*time.Second)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)

	qualifying, ok := result.Details["qualifying_groups"].(map[string][]string)
	require.True(t, ok)
	assert.Contains(t, qualifying, "E1")
	assert.NotContains(t, qualifying, "E2")
	assert.Len(t, result.EventIDs, 3)
}

func TestMatchFrequencyBelowThreshold(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":      "frequency",
		"threshold": 5,
	})

	now := time.Now().UTC()
	trigger := typedEvent("port_scan", "E1", now)
	related := []*core.Event{typedEvent("port_scan", "E1", now.Add(-time.Second))}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	assert.False(t, result.Matched)
}

func TestMatchFlowChainFound(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "flow",
		"flow_length": 2,
	})

	now := time.Now().UTC()
	trigger := flowEvent("10.0.0.1", "10.0.0.2", now)
	hop1 := flowEvent("10.0.0.2", "10.0.0.3", now.Add(-time.Minute))
	hop2 := flowEvent("10.0.0.3", "10.0.0.4", now.Add(-30*time.Second))

	result := re.Evaluate(rule, NewEvalContext(trigger, []*core.Event{hop1, hop2}))
	require.True(t, result.Matched)
	assert.ElementsMatch(t, []string{trigger.EventID, hop1.EventID, hop2.EventID}, result.EventIDs)

	chains, ok := result.Details["chains"].([][]string)
	require.True(t, ok)
	require.Len(t, chains, 1)
	assert.Equal(t, []string{hop1.EventID, hop2.EventID}, chains[0])
}

func TestMatchFlowChainTooShort(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "flow",
		"flow_length": 3,
	})

	now := time.Now().UTC()
	trigger := flowEvent("10.0.0.1", "10.0.0.2", now)
	hop1 := flowEvent("10.0.0.2", "10.0.0.3", now.Add(-time.Minute))

	result := re.Evaluate(rule, NewEvalContext(trigger, []*core.Event{hop1}))
	assert.False(t, result.Matched)
}

func TestMatchFlowEventNotReusedWithinChain(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "flow",
		"flow_length": 3,
	})

	now := time.Now().UTC()
	trigger := flowEvent("10.0.0.1", "10.0.0.2", now)
	// A two-node loop; a chain of 3 would have to reuse one of these.
	back := flowEvent("10.0.0.2", "10.0.0.3", now.Add(-time.Minute))
	forth := flowEvent("10.0.0.3", "10.0.0.2", now.Add(-30*time.Second))

	result := re.Evaluate(rule, NewEvalContext(trigger, []*core.Event{back, forth}))
	assert.False(t, result.Matched)
}

func TestMatchTimeSeriesSpikeSingleOutlier(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "timeseries",
		"variant":     "spike",
		"value_field": "count",
		"sensitivity": 2.0,
	})

	now := time.Now().UTC()
	var related []*core.Event
	for i := 0; i < 10; i++ {
		ev := typedEvent("metric", "E1", now.Add(-time.Duration(11-i)*time.Minute))
		ev.Attributes["count"] = 10
		related = append(related, ev)
	}
	trigger := typedEvent("metric", "E1", now)
	trigger.Attributes["count"] = 100

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)

	outliers, ok := result.Details["outliers"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, outliers, 1)
	assert.Equal(t, trigger.EventID, outliers[0]["event_id"])
	assert.Equal(t, []string{trigger.EventID}, result.EventIDs)
}

func TestMatchTimeSeriesInsufficientData(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "timeseries",
		"variant":     "drop",
		"value_field": "count",
	})

	trigger := typedEvent("metric", "E1", time.Now().UTC())
	trigger.Attributes["count"] = 5

	result := re.Evaluate(rule, NewEvalContext(trigger, nil))
	require.False(t, result.Matched)
	assert.Equal(t, "insufficient data", result.Details["reason"])
}

func TestMatchTimeSeriesTrend(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "timeseries",
		"variant":     "trend",
		"value_field": "count",
		"sensitivity": 0.5,
	})

	now := time.Now().UTC()
	var related []*core.Event
	for i := 0; i < 7; i++ {
		ev := typedEvent("metric", "E1", now.Add(-time.Duration(8-i)*time.Minute))
		ev.Attributes["count"] = i + 1
		related = append(related, ev)
	}
	trigger := typedEvent("metric", "E1", now)
	trigger.Attributes["count"] = 8

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)
	assert.Equal(t, "increasing", result.Details["direction"])
	assert.InDelta(t, 1.0, result.Details["slope"].(float64), 0.001)
}

func TestMatchTimeSeriesTrendFlatSeries(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":        "timeseries",
		"variant":     "trend",
		"value_field": "count",
		"sensitivity": 0.5,
	})

	now := time.Now().UTC()
	var related []*core.Event
	for i := 0; i < 6; i++ {
		ev := typedEvent("metric", "E1", now.Add(-time.Duration(7-i)*time.Minute))
		ev.Attributes["count"] = 4
		related = append(related, ev)
	}
	trigger := typedEvent("metric", "E1", now)
	trigger.Attributes["count"] = 4

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	assert.False(t, result.Matched)
}

func TestMatchGraphStar(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":       "graph",
		"shape":      "star",
		"node_field": "source_addr",
	})

	now := time.Now().UTC()
	trigger := flowEvent("hub", "a", now)
	related := []*core.Event{
		flowEvent("hub", "b", now.Add(-time.Second)),
		flowEvent("c", "hub", now.Add(-2*time.Second)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)
	assert.Equal(t, "hub", result.Details["center"])
	assert.Equal(t, 3, result.Details["incident_edges"])

	// Two incident edges is below the star minimum.
	result = re.Evaluate(rule, NewEvalContext(trigger, related[:1]))
	assert.False(t, result.Matched)
}

func TestMatchGraphCycle(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":  "graph",
		"shape": "cycle",
	})

	now := time.Now().UTC()
	trigger := flowEvent("a", "b", now)
	cyclic := []*core.Event{
		flowEvent("b", "c", now.Add(-time.Second)),
		flowEvent("c", "a", now.Add(-2*time.Second)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, cyclic))
	require.True(t, result.Matched)
	assert.NotEmpty(t, result.Details["cycle_node"])
	assert.NotEmpty(t, result.EventIDs)

	acyclic := []*core.Event{flowEvent("b", "c", now.Add(-time.Second))}
	result = re.Evaluate(rule, NewEvalContext(trigger, acyclic))
	assert.False(t, result.Matched)
}

func TestMatchGraphBipartite(t *testing.T) {
	re := newRuleEvaluator()
	rule := patternRule(t, map[string]interface{}{
		"type":  "graph",
		"shape": "bipartite",
	})

	now := time.Now().UTC()
	trigger := flowEvent("a", "x", now)
	disjoint := []*core.Event{
		flowEvent("b", "y", now.Add(-time.Second)),
		flowEvent("c", "x", now.Add(-2*time.Second)),
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, disjoint))
	require.True(t, result.Matched)
	assert.Len(t, result.EventIDs, 3)

	// x appears as both a source and a target, so the partition fails.
	overlapping := []*core.Event{flowEvent("x", "y", now.Add(-time.Second))}
	result = re.Evaluate(rule, NewEvalContext(trigger, overlapping))
	require.False(t, result.Matched)
	assert.Equal(t, "x", result.Details["overlap_node"])
}

func TestMatchFlowChainCapRespected(t *testing.T) {
	conditions := newConditionEvaluator()
	pm := NewPatternMatcher(conditions, 5, 10, zap.NewNop().Sugar())
	re := NewRuleEvaluator(conditions, pm, zap.NewNop().Sugar())

	rule := patternRule(t, map[string]interface{}{
		"type":        "flow",
		"flow_length": 2,
	})

	// A dense fan-out: many parallel two-hop chains through distinct midpoints.
	now := time.Now().UTC()
	trigger := flowEvent("src", "mid0", now)
	var related []*core.Event
	for i := 1; i <= 20; i++ {
		mid := fmt.Sprintf("mid%d", i)
		related = append(related,
			flowEvent("mid0", mid, now.Add(-time.Duration(i+1)*time.Second)),
			flowEvent(mid, "sink", now.Add(-time.Duration(i+30)*time.Second)),
		)
	}

	result := re.Evaluate(rule, NewEvalContext(trigger, related))
	require.True(t, result.Matched)
	chains := result.Details["chains"].([][]string)
	assert.LessOrEqual(t, len(chains), 5)
}
