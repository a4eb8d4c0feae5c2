package correlate

import (
	"fmt"

	"go.uber.org/zap"

	"vigil/core"
)

// PatternMatcher dispatches a pattern rule to its detector. All detectors
// are pure functions of (rule, trigger, candidates); errors inside any of
// them come back as unmatched results, never as panics to the caller.
type PatternMatcher struct {
	conditions *ConditionEvaluator
	// maxFlowPaths caps how many hop-chains the flow search accumulates.
	maxFlowPaths int
	// maxFlowDepth bounds the flow search regardless of configured length.
	maxFlowDepth int
	logger       *zap.SugaredLogger
}

// NewPatternMatcher creates the matcher with its search bounds.
func NewPatternMatcher(conditions *ConditionEvaluator, maxFlowPaths, maxFlowDepth int, logger *zap.SugaredLogger) *PatternMatcher {
	if maxFlowPaths <= 0 {
		maxFlowPaths = 1000
	}
	if maxFlowDepth < 2 {
		maxFlowDepth = 10
	}
	return &PatternMatcher{
		conditions:   conditions,
		maxFlowPaths: maxFlowPaths,
		maxFlowDepth: maxFlowDepth,
		logger:       logger,
	}
}

// Match runs the detector named by the rule's pattern type.
func (pm *PatternMatcher) Match(rule *CompiledRule, ctx *EvalContext) (result *EvalResult) {
	defer func() {
		if r := recover(); r != nil {
			pm.logger.Errorw("Pattern detector panicked",
				"rule_id", rule.Rule.ID, "pattern", rule.Pattern.Type, "panic", r)
			result = errorResult(rule.Rule.ID, fmt.Errorf("pattern detector panic: %v", r))
		}
	}()

	// Candidates are the windowed context events that pass the rule's own
	// conditions; every detector works from this set.
	var candidates []*core.Event
	for _, ev := range ctx.windowed(rule.Rule.Window()) {
		if pm.conditions.Evaluate(rule.Conditions, ev) {
			candidates = append(candidates, ev)
		}
	}

	switch rule.Pattern.Type {
	case core.PatternFrequency:
		return pm.matchFrequency(rule, candidates)
	case core.PatternFlow:
		return pm.matchFlow(rule, ctx.TriggerEvent, candidates)
	case core.PatternTimeSeries:
		return pm.matchTimeSeries(rule, candidates)
	case core.PatternGraph:
		return pm.matchGraph(rule, ctx.TriggerEvent, candidates)
	default:
		return errorResult(rule.Rule.ID, fmt.Errorf("unknown pattern type: %s", rule.Pattern.Type))
	}
}

// matchFrequency groups candidates and reports every group whose size meets
// the threshold.
func (pm *PatternMatcher) matchFrequency(rule *CompiledRule, candidates []*core.Event) *EvalResult {
	groupBy := rule.Pattern.GroupBy
	if groupBy == "" {
		groupBy = "entity_id"
	}

	groups := make(map[string][]*core.Event)
	for _, ev := range candidates {
		key := groupKey(ev, groupBy)
		groups[key] = append(groups[key], ev)
	}

	qualifying := make(map[string][]string)
	var ids []string
	for key, members := range groups {
		if len(members) >= rule.Pattern.Threshold {
			memberIDs := eventIDs(members)
			qualifying[key] = memberIDs
			ids = append(ids, memberIDs...)
		}
	}

	if len(qualifying) == 0 {
		return &EvalResult{
			RuleID: rule.Rule.ID,
			Details: map[string]interface{}{
				"groups":    len(groups),
				"threshold": rule.Pattern.Threshold,
			},
		}
	}

	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details: map[string]interface{}{
			"qualifying_groups": qualifying,
			"threshold":         rule.Pattern.Threshold,
		},
	}
}
