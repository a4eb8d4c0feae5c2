package correlate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/util"
)

const regexCacheSize = 512

// ConditionEvaluator evaluates a compiled condition tree against a single
// event. It holds only a compiled-regex cache; evaluation itself is pure.
type ConditionEvaluator struct {
	regexCache   *lru.Cache[string, *regexp2.Regexp]
	regexTimeout time.Duration
	validator    *util.RegexValidator
	logger       *zap.SugaredLogger
}

// NewConditionEvaluator creates an evaluator. regexTimeout bounds a single
// matches-operator attempt.
func NewConditionEvaluator(regexTimeout time.Duration, logger *zap.SugaredLogger) *ConditionEvaluator {
	if regexTimeout <= 0 || regexTimeout > util.MaxRegexTimeout {
		regexTimeout = util.DefaultRegexTimeout
	}
	cache, _ := lru.New[string, *regexp2.Regexp](regexCacheSize)
	return &ConditionEvaluator{
		regexCache:   cache,
		regexTimeout: regexTimeout,
		validator:    util.NewRegexValidator(),
		logger:       logger,
	}
}

// Evaluate walks the condition tree against the event. A nil tree matches
// everything.
func (e *ConditionEvaluator) Evaluate(node *core.ConditionNode, event *core.Event) bool {
	if node == nil {
		return true
	}

	if node.IsLeaf() {
		return e.evaluateLeaf(node, event)
	}

	switch node.Logic {
	case core.LogicAnd:
		for _, child := range node.Children {
			if !e.Evaluate(child, event) {
				return false
			}
		}
		return true
	case core.LogicOr:
		for _, child := range node.Children {
			if e.Evaluate(child, event) {
				return true
			}
		}
		return false
	case core.LogicNot:
		return !e.Evaluate(node.Children[0], event)
	default:
		return false
	}
}

func (e *ConditionEvaluator) evaluateLeaf(node *core.ConditionNode, event *core.Event) bool {
	value, defined := resolveField(event, node.Field)

	switch node.Operator {
	case core.OpExists:
		return defined
	case core.OpNotExists:
		return !defined
	}

	// Every other operator is false against an undefined field.
	if !defined {
		return false
	}

	switch node.Operator {
	case core.OpEq:
		return compareEqual(value, node.Value)
	case core.OpNeq:
		return !compareEqual(value, node.Value)
	case core.OpGt, core.OpGte, core.OpLt, core.OpLte:
		return compareOrdered(node.Operator, value, node.Value)
	case core.OpContains:
		return strings.Contains(toString(value), toString(node.Value))
	case core.OpNotContains:
		return !strings.Contains(toString(value), toString(node.Value))
	case core.OpStartsWith:
		return strings.HasPrefix(toString(value), toString(node.Value))
	case core.OpEndsWith:
		return strings.HasSuffix(toString(value), toString(node.Value))
	case core.OpMatches:
		return e.matchRegex(toString(node.Value), toString(value))
	case core.OpIn:
		return valueInList(value, node.Value)
	case core.OpNotIn:
		return !valueInList(value, node.Value)
	default:
		return false
	}
}

// matchRegex applies a rule-supplied pattern with a match timeout. Invalid
// or unsafe patterns are reported and treated as non-matching.
func (e *ConditionEvaluator) matchRegex(pattern, input string) bool {
	re, ok := e.regexCache.Get(pattern)
	if !ok {
		if err := e.validator.ValidatePattern(pattern); err != nil {
			e.logger.Warnw("Rejected unsafe regex in condition", "pattern", pattern, "error", err)
			return false
		}
		compiled, err := regexp2.Compile(pattern, regexp2.RE2)
		if err != nil {
			e.logger.Warnw("Invalid regex in condition", "pattern", pattern, "error", err)
			return false
		}
		compiled.MatchTimeout = e.regexTimeout
		e.regexCache.Add(pattern, compiled)
		re = compiled
	}

	matched, err := re.MatchString(input)
	if err != nil {
		e.logger.Warnw("Regex match aborted", "pattern", pattern, "error", err)
		return false
	}
	return matched
}

// resolveField looks up a dot-path field on the event. Well-known envelope
// fields resolve by name; everything else is addressed into the attribute
// bag. Missing intermediate segments yield undefined.
func resolveField(event *core.Event, field string) (interface{}, bool) {
	switch field {
	case "event_id":
		return event.EventID, true
	case "type":
		return event.Type, true
	case "timestamp":
		return event.Timestamp, true
	case "entity_id":
		return event.EntityID, true
	case "source_addr":
		return event.SourceAddr, true
	case "dest_addr":
		return event.DestAddr, true
	case "severity":
		return event.Severity, true
	}

	var current interface{} = event.Attributes
	for _, segment := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// compareEqual compares two values, coercing numeric-looking strings when
// the other side is numeric.
func compareEqual(a, b interface{}) bool {
	if af, bf, ok := coerceNumbers(a, b); ok {
		return af == bf
	}
	return toString(a) == toString(b)
}

func compareOrdered(op string, a, b interface{}) bool {
	af, bf, ok := coerceNumbers(a, b)
	if !ok {
		return false
	}
	switch op {
	case core.OpGt:
		return af > bf
	case core.OpGte:
		return af >= bf
	case core.OpLt:
		return af < bf
	case core.OpLte:
		return af <= bf
	default:
		return false
	}
}

// coerceNumbers converts both values to float64 when at least one side is a
// native number and the other is a number or a numeric-looking string.
func coerceNumbers(a, b interface{}) (float64, float64, bool) {
	af, aNative := asNativeNumber(a)
	bf, bNative := asNativeNumber(b)

	switch {
	case aNative && bNative:
		return af, bf, true
	case aNative:
		if bs, ok := b.(string); ok {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(bs), 64); err == nil {
				return af, parsed, true
			}
		}
	case bNative:
		if as, ok := a.(string); ok {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(as), 64); err == nil {
				return parsed, bf, true
			}
		}
	}
	return 0, 0, false
}

func asNativeNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func valueInList(value, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true
		}
	}
	return false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", s)
	}
}
