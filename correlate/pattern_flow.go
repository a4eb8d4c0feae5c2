package correlate

import (
	"vigil/core"
)

// flowStep is one frame of the flow search work list: the value the next
// hop's source field must equal, and the chain built so far.
type flowStep struct {
	value string
	chain []*core.Event
}

// matchFlow searches for multi-hop chains. Hop one starts from the trigger
// event's target-field value and claims candidates whose source field equals
// it; each further hop continues from the claimed event's target value. An
// event is used at most once per chain. The search is an explicit work list
// bounded by a depth limit and a cap on accumulated chains, so a dense edge
// set cannot blow the stack or run unbounded.
func (pm *PatternMatcher) matchFlow(rule *CompiledRule, trigger *core.Event, candidates []*core.Event) *EvalResult {
	cfg := rule.Pattern

	wantHops := cfg.FlowLength
	if wantHops > pm.maxFlowDepth {
		wantHops = pm.maxFlowDepth
	}

	startValue, defined := resolveField(trigger, cfg.TargetField)
	if !defined {
		return &EvalResult{
			RuleID:  rule.Rule.ID,
			Details: map[string]interface{}{"reason": "trigger has no target field value"},
		}
	}

	// Index candidates by source-field value; the trigger itself never
	// participates as a hop.
	bySource := make(map[string][]*core.Event)
	for _, ev := range candidates {
		if ev.EventID == trigger.EventID {
			continue
		}
		src, ok := resolveField(ev, cfg.SourceField)
		if !ok {
			continue
		}
		bySource[toString(src)] = append(bySource[toString(src)], ev)
	}

	var chains [][]string
	work := []flowStep{{value: toString(startValue)}}

	for len(work) > 0 && len(chains) < pm.maxFlowPaths {
		step := work[len(work)-1]
		work = work[:len(work)-1]

		if len(step.chain) == wantHops {
			chains = append(chains, eventIDs(step.chain))
			continue
		}

		for _, next := range bySource[step.value] {
			if chainContains(step.chain, next.EventID) {
				continue
			}
			target, ok := resolveField(next, cfg.TargetField)
			if !ok {
				continue
			}
			extended := make([]*core.Event, len(step.chain), len(step.chain)+1)
			copy(extended, step.chain)
			extended = append(extended, next)
			work = append(work, flowStep{value: toString(target), chain: extended})
		}
	}

	if len(chains) == 0 {
		return &EvalResult{
			RuleID: rule.Rule.ID,
			Details: map[string]interface{}{
				"flow_length": cfg.FlowLength,
				"chains":      0,
			},
		}
	}

	var ids []string
	seen := map[string]bool{trigger.EventID: true}
	ids = append(ids, trigger.EventID)
	for _, chain := range chains {
		for _, id := range chain {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details: map[string]interface{}{
			"flow_length": cfg.FlowLength,
			"chains":      chains,
		},
	}
}

func chainContains(chain []*core.Event, eventID string) bool {
	for _, ev := range chain {
		if ev.EventID == eventID {
			return true
		}
	}
	return false
}
