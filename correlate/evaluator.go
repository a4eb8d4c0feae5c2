package correlate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vigil/core"
)

// EvalContext is everything a rule evaluation may look at: the trigger event
// plus the related events retrieved for it, and a variable bag that
// evaluation branches write into for action execution to read.
type EvalContext struct {
	TriggerEvent  *core.Event
	RelatedEvents []*core.Event
	Variables     map[string]interface{}
}

// NewEvalContext creates a context with an empty variable bag.
func NewEvalContext(trigger *core.Event, related []*core.Event) *EvalContext {
	return &EvalContext{
		TriggerEvent:  trigger,
		RelatedEvents: related,
		Variables:     make(map[string]interface{}),
	}
}

// forRule returns a view of the context scoped to one rule evaluation: the
// same trigger and related events with a fresh variable bag. Rules evaluated
// against the same event must not see each other's variables, and async
// action dispatch reads the bag after the evaluation loop has moved on.
func (c *EvalContext) forRule() *EvalContext {
	return &EvalContext{
		TriggerEvent:  c.TriggerEvent,
		RelatedEvents: c.RelatedEvents,
		Variables:     make(map[string]interface{}),
	}
}

// windowed returns the trigger plus related events whose timestamps fall in
// [trigger - window, trigger], sorted ascending by time.
func (c *EvalContext) windowed(window time.Duration) []*core.Event {
	cutoff := c.TriggerEvent.Timestamp.Add(-window)
	events := make([]*core.Event, 0, len(c.RelatedEvents)+1)
	events = append(events, c.TriggerEvent)
	for _, ev := range c.RelatedEvents {
		if ev.Timestamp.Before(cutoff) || ev.Timestamp.After(c.TriggerEvent.Timestamp) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// EvalResult is the outcome of evaluating one rule against one context.
type EvalResult struct {
	RuleID  string                 `json:"rule_id"`
	Matched bool                   `json:"matched"`
	// EventIDs lists the events that contributed to the match.
	EventIDs []string               `json:"event_ids,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func unmatched(ruleID string) *EvalResult {
	return &EvalResult{RuleID: ruleID}
}

func errorResult(ruleID string, err error) *EvalResult {
	return &EvalResult{RuleID: ruleID, Error: err.Error()}
}

// RuleEvaluator dispatches a compiled rule to the algorithm its type names.
type RuleEvaluator struct {
	conditions *ConditionEvaluator
	patterns   *PatternMatcher
	logger     *zap.SugaredLogger
}

// NewRuleEvaluator wires the evaluator with its condition and pattern
// dependencies.
func NewRuleEvaluator(conditions *ConditionEvaluator, patterns *PatternMatcher, logger *zap.SugaredLogger) *RuleEvaluator {
	return &RuleEvaluator{
		conditions: conditions,
		patterns:   patterns,
		logger:     logger,
	}
}

// Evaluate runs one rule against one context. Panics and errors inside any
// branch become an unmatched result carrying the error; they never escape.
func (re *RuleEvaluator) Evaluate(rule *CompiledRule, ctx *EvalContext) (result *EvalResult) {
	defer func() {
		if r := recover(); r != nil {
			re.logger.Errorw("Rule evaluation panicked",
				"rule_id", rule.Rule.ID, "event_id", ctx.TriggerEvent.EventID, "panic", r)
			result = errorResult(rule.Rule.ID, fmt.Errorf("evaluation panic: %v", r))
		}
	}()

	if !rule.Rule.AppliesTo(ctx.TriggerEvent.Type) {
		return unmatched(rule.Rule.ID)
	}

	switch rule.Rule.Type {
	case core.RuleTypeSimple, core.RuleTypeBehavioral:
		// behavioral is an extension point; it currently evaluates like
		// simple until a learned-baseline comparison lands.
		return re.evaluateSimple(rule, ctx)
	case core.RuleTypeThreshold:
		return re.evaluateThreshold(rule, ctx)
	case core.RuleTypeSequence:
		return re.evaluateSequence(rule, ctx)
	case core.RuleTypeAggregation:
		return re.evaluateAggregation(rule, ctx)
	case core.RuleTypePattern:
		return re.patterns.Match(rule, ctx)
	default:
		return errorResult(rule.Rule.ID, fmt.Errorf("unknown rule type: %s", rule.Rule.Type))
	}
}

func (re *RuleEvaluator) evaluateSimple(rule *CompiledRule, ctx *EvalContext) *EvalResult {
	if !re.conditions.Evaluate(rule.Conditions, ctx.TriggerEvent) {
		return unmatched(rule.Rule.ID)
	}
	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: []string{ctx.TriggerEvent.EventID},
	}
}

func (re *RuleEvaluator) evaluateThreshold(rule *CompiledRule, ctx *EvalContext) *EvalResult {
	if !re.conditions.Evaluate(rule.Conditions, ctx.TriggerEvent) {
		return unmatched(rule.Rule.ID)
	}

	events := ctx.windowed(rule.Rule.Window())

	var matching []*core.Event
	for _, ev := range events {
		if re.conditions.Evaluate(rule.Conditions, ev) {
			matching = append(matching, ev)
		}
	}

	threshold := int(rule.Rule.Threshold)

	if rule.Rule.GroupBy == "" {
		if len(matching) < threshold {
			return &EvalResult{
				RuleID:  rule.Rule.ID,
				Details: map[string]interface{}{"count": len(matching), "threshold": threshold},
			}
		}
		ctx.Variables["threshold_count"] = len(matching)
		return &EvalResult{
			RuleID:   rule.Rule.ID,
			Matched:  true,
			EventIDs: eventIDs(matching),
			Details: map[string]interface{}{
				"count":     len(matching),
				"threshold": threshold,
			},
		}
	}

	groups := make(map[string][]*core.Event)
	for _, ev := range matching {
		key := groupKey(ev, rule.Rule.GroupBy)
		groups[key] = append(groups[key], ev)
	}

	for key, members := range groups {
		if len(members) >= threshold {
			ctx.Variables["threshold_group"] = key
			ctx.Variables["threshold_count"] = len(members)
			return &EvalResult{
				RuleID:   rule.Rule.ID,
				Matched:  true,
				EventIDs: eventIDs(members),
				Details: map[string]interface{}{
					"group":     key,
					"count":     len(members),
					"threshold": threshold,
				},
			}
		}
	}

	return &EvalResult{
		RuleID:  rule.Rule.ID,
		Details: map[string]interface{}{"groups": len(groups), "threshold": threshold},
	}
}

// evaluateSequence matches ordered stages against the windowed context. The
// last stage must match the trigger event; earlier stages are satisfied
// walking backwards in time, each consuming the first unused event that
// precedes the events claimed by the stage after it. A stage marked
// allow_multiple claims every unused matching event in its span instead of
// just the closest one.
func (re *RuleEvaluator) evaluateSequence(rule *CompiledRule, ctx *EvalContext) *EvalResult {
	lastStage := len(rule.StageConditions) - 1
	if !re.conditions.Evaluate(rule.StageConditions[lastStage], ctx.TriggerEvent) {
		return unmatched(rule.Rule.ID)
	}

	events := ctx.windowed(rule.Rule.Window())

	claimed := make([][]*core.Event, len(rule.StageConditions))
	claimed[lastStage] = []*core.Event{ctx.TriggerEvent}
	used := map[string]bool{ctx.TriggerEvent.EventID: true}

	stageMatched := make([]bool, len(rule.StageConditions))
	stageMatched[lastStage] = true

	upperBound := ctx.TriggerEvent.Timestamp
	for stage := lastStage - 1; stage >= 0; stage-- {
		var found []*core.Event
		// Walk newest-first so each stage claims the closest preceding events.
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if used[ev.EventID] || !ev.Timestamp.Before(upperBound) {
				continue
			}
			if re.conditions.Evaluate(rule.StageConditions[stage], ev) {
				found = append(found, ev)
				used[ev.EventID] = true
				if !rule.Rule.Stages[stage].AllowMultiple {
					break
				}
			}
		}
		if len(found) == 0 {
			return &EvalResult{
				RuleID: rule.Rule.ID,
				Details: map[string]interface{}{
					"stages_total":   len(rule.StageConditions),
					"stages_matched": stageFlags(rule, stageMatched),
					"failed_stage":   stageName(rule, stage),
				},
			}
		}
		claimed[stage] = found
		stageMatched[stage] = true
		// found is newest-first; the earliest claim bounds the earlier stages.
		upperBound = found[len(found)-1].Timestamp
	}

	var ids []string
	for _, stageEvents := range claimed {
		for i := len(stageEvents) - 1; i >= 0; i-- {
			ids = append(ids, stageEvents[i].EventID)
		}
	}
	ctx.Variables["sequence_events"] = ids

	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details: map[string]interface{}{
			"stages_total":   len(rule.StageConditions),
			"stages_matched": stageFlags(rule, stageMatched),
		},
	}
}

func (re *RuleEvaluator) evaluateAggregation(rule *CompiledRule, ctx *EvalContext) *EvalResult {
	if !re.conditions.Evaluate(rule.Conditions, ctx.TriggerEvent) {
		return unmatched(rule.Rule.ID)
	}

	events := ctx.windowed(rule.Rule.Window())

	details := make(map[string]interface{})
	contributing := make(map[string]bool)

	for i := range rule.Rule.Aggregations {
		spec := &rule.Rule.Aggregations[i]
		filter := rule.AggConditions[i]
		if filter == nil {
			filter = rule.Conditions
		}

		var filtered []*core.Event
		for _, ev := range events {
			if re.conditions.Evaluate(filter, ev) {
				filtered = append(filtered, ev)
			}
		}

		passed, value, err := re.computeAggregation(spec, filtered, contributing)
		if err != nil {
			return errorResult(rule.Rule.ID, err)
		}

		key := spec.Type
		if spec.Field != "" {
			key = fmt.Sprintf("%s(%s)", spec.Type, spec.Field)
		}
		details[key] = value

		if !passed {
			details["failed"] = key
			return &EvalResult{RuleID: rule.Rule.ID, Details: details}
		}
	}

	ids := make([]string, 0, len(contributing))
	for _, ev := range events {
		if contributing[ev.EventID] {
			ids = append(ids, ev.EventID)
		}
	}

	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details:  details,
	}
}

// computeAggregation evaluates one spec over the filtered events, grouping
// when configured. Grouped count passes if at least one group does; every
// other grouped aggregate requires all groups to pass, matching ungrouped
// AND semantics.
func (re *RuleEvaluator) computeAggregation(spec *core.AggregationSpec, events []*core.Event, contributing map[string]bool) (bool, interface{}, error) {
	if spec.GroupBy == "" {
		value, err := aggregate(spec, events)
		if err != nil {
			return false, nil, err
		}
		if spec.CompareThreshold(value) {
			for _, ev := range events {
				contributing[ev.EventID] = true
			}
			return true, value, nil
		}
		return false, value, nil
	}

	groups := make(map[string][]*core.Event)
	for _, ev := range events {
		groups[groupKey(ev, spec.GroupBy)] = append(groups[groupKey(ev, spec.GroupBy)], ev)
	}

	values := make(map[string]float64, len(groups))
	anyPassed := false
	allPassed := true
	for key, members := range groups {
		value, err := aggregate(spec, members)
		if err != nil {
			return false, nil, err
		}
		values[key] = value
		if spec.CompareThreshold(value) {
			anyPassed = true
			for _, ev := range members {
				contributing[ev.EventID] = true
			}
		} else {
			allPassed = false
		}
	}

	if spec.Type == core.AggCount {
		return anyPassed, values, nil
	}
	return allPassed && len(groups) > 0, values, nil
}

func aggregate(spec *core.AggregationSpec, events []*core.Event) (float64, error) {
	if spec.Type == core.AggCount {
		return float64(len(events)), nil
	}

	var values []float64
	distinct := make(map[string]bool)
	for _, ev := range events {
		raw, defined := resolveField(ev, spec.Field)
		if !defined {
			continue
		}
		if spec.Type == core.AggDistinct {
			distinct[toString(raw)] = true
			continue
		}
		if v, ok := asNumber(raw); ok {
			values = append(values, v)
		}
	}

	switch spec.Type {
	case core.AggDistinct:
		return float64(len(distinct)), nil
	case core.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case core.AggAverage:
		if len(values) == 0 {
			return 0, nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case core.AggMax:
		if len(values) == 0 {
			return 0, nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	case core.AggMin:
		if len(values) == 0 {
			return 0, nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	default:
		return 0, fmt.Errorf("unknown aggregation type: %s", spec.Type)
	}
}

// asNumber converts a field value to float64, accepting numeric-looking
// strings.
func asNumber(v interface{}) (float64, bool) {
	if f, ok := asNativeNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func groupKey(ev *core.Event, field string) string {
	if field == "" || field == "entity_id" {
		return ev.EntityID
	}
	value, defined := resolveField(ev, field)
	if !defined {
		return ""
	}
	return toString(value)
}

func eventIDs(events []*core.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}

func stageName(rule *CompiledRule, i int) string {
	if name := rule.Rule.Stages[i].Name; name != "" {
		return name
	}
	return fmt.Sprintf("stage_%d", i)
}

func stageFlags(rule *CompiledRule, matched []bool) map[string]bool {
	flags := make(map[string]bool, len(matched))
	for i, ok := range matched {
		flags[stageName(rule, i)] = ok
	}
	return flags
}
