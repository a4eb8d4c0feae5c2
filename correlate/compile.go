package correlate

import (
	"fmt"

	"vigil/core"
)

// CompiledRule is the engine-internal form of a rule: the stored definition
// plus its condition trees and pattern config converted to typed structures.
// Compilation happens once when a rule enters the active-rule table; the
// evaluation path never touches the raw payloads.
type CompiledRule struct {
	Rule *core.Rule

	Conditions *core.ConditionNode
	// StageConditions holds one tree per sequence stage, in stage order.
	StageConditions []*core.ConditionNode
	// AggConditions holds one tree per aggregation spec; nil entries fall
	// back to the rule's own conditions.
	AggConditions []*core.ConditionNode
	Pattern       *core.PatternConfig
}

// CompileRule validates a rule and converts its open payloads into the typed
// form. Rules that fail to compile never enter the active-rule table.
func CompileRule(rule *core.Rule) (*CompiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	compiled := &CompiledRule{Rule: rule}

	conds, err := core.ParseConditions(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	compiled.Conditions = conds

	switch rule.Type {
	case core.RuleTypeSequence:
		compiled.StageConditions = make([]*core.ConditionNode, len(rule.Stages))
		for i, stage := range rule.Stages {
			tree, err := core.ParseConditions(stage.Conditions)
			if err != nil {
				return nil, fmt.Errorf("rule %s stage %d (%s): %w", rule.ID, i, stage.Name, err)
			}
			if tree == nil {
				return nil, fmt.Errorf("rule %s stage %d (%s) has no conditions", rule.ID, i, stage.Name)
			}
			compiled.StageConditions[i] = tree
		}

	case core.RuleTypeAggregation:
		compiled.AggConditions = make([]*core.ConditionNode, len(rule.Aggregations))
		for i, agg := range rule.Aggregations {
			if agg.Conditions == nil {
				continue
			}
			tree, err := core.ParseConditions(agg.Conditions)
			if err != nil {
				return nil, fmt.Errorf("rule %s aggregation %d: %w", rule.ID, i, err)
			}
			compiled.AggConditions[i] = tree
		}

	case core.RuleTypePattern:
		cfg, err := core.ParsePatternConfig(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		compiled.Pattern = cfg
	}

	return compiled, nil
}
