package core

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConditionLogic combines child condition nodes.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
	LogicNot ConditionLogic = "NOT"
)

// Comparison operators supported by condition leaves.
const (
	OpEq          = "eq"
	OpNeq         = "neq"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpMatches     = "matches"
	OpIn          = "in"
	OpNotIn       = "notIn"
	OpExists      = "exists"
	OpNotExists   = "notExists"
)

// ConditionNode is one node of a boolean expression tree. A node is either a
// logical group (Logic set, Children non-empty) or a leaf comparison (Field
// and Operator set). The zero value is neither and fails validation.
type ConditionNode struct {
	Logic    ConditionLogic   `json:"logic,omitempty"`
	Children []*ConditionNode `json:"children,omitempty"`

	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// IsLeaf reports whether the node is a field comparison rather than a group.
func (n *ConditionNode) IsLeaf() bool {
	return n.Logic == ""
}

// validOperator reports whether op is one of the supported leaf operators.
func validOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpMatches, OpIn, OpNotIn, OpExists, OpNotExists:
		return true
	default:
		return false
	}
}

// ParseConditions converts a raw condition payload into a typed tree. The
// payload is either a single node map, a list of node maps (implicitly
// AND-ed), or nil for rules without conditions. JSON decoding hands these
// back as map[string]interface{} / []interface{}; BSON-decoded payloads
// arrive as primitive.D / primitive.A and are normalized first.
func ParseConditions(raw interface{}) (*ConditionNode, error) {
	if raw == nil {
		return nil, nil
	}
	raw = normalizeDocument(raw)

	switch v := raw.(type) {
	case map[string]interface{}:
		return parseConditionNode(v)
	case []interface{}:
		if len(v) == 0 {
			return nil, nil
		}
		children := make([]*ConditionNode, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("condition list element %d is not an object", i)
			}
			child, err := parseConditionNode(m)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &ConditionNode{Logic: LogicAnd, Children: children}, nil
	default:
		return nil, fmt.Errorf("unsupported condition payload type %T", raw)
	}
}

// normalizeDocument rewrites the document types the BSON decoder produces
// (primitive.D, primitive.M, primitive.A) into plain maps and slices,
// recursively. Everything else passes through untouched.
func normalizeDocument(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, elem := range t {
			m[elem.Key] = normalizeDocument(elem.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalizeDocument(val)
		}
		return m
	case primitive.A:
		s := make([]interface{}, len(t))
		for i, item := range t {
			s[i] = normalizeDocument(item)
		}
		return s
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeDocument(val)
		}
		return t
	case []interface{}:
		for i, item := range t {
			t[i] = normalizeDocument(item)
		}
		return t
	default:
		return v
	}
}

func parseConditionNode(m map[string]interface{}) (*ConditionNode, error) {
	if rawLogic, ok := m["logic"]; ok {
		logicStr, ok := rawLogic.(string)
		if !ok {
			return nil, fmt.Errorf("condition logic is not a string")
		}
		logic := ConditionLogic(strings.ToUpper(logicStr))
		switch logic {
		case LogicAnd, LogicOr, LogicNot:
		default:
			return nil, fmt.Errorf("unknown condition logic: %s", logicStr)
		}

		rawChildren, ok := m["children"].([]interface{})
		if !ok || len(rawChildren) == 0 {
			return nil, fmt.Errorf("logic group %s has no children", logic)
		}
		if logic == LogicNot && len(rawChildren) != 1 {
			return nil, fmt.Errorf("NOT group must have exactly one child, got %d", len(rawChildren))
		}
		node := &ConditionNode{Logic: logic}
		for i, item := range rawChildren {
			cm, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("child %d of %s group is not an object", i, logic)
			}
			child, err := parseConditionNode(cm)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	field, _ := m["field"].(string)
	op, _ := m["operator"].(string)
	if field == "" {
		return nil, fmt.Errorf("condition leaf missing field")
	}
	if !validOperator(op) {
		return nil, fmt.Errorf("condition leaf for field %s has unknown operator %q", field, op)
	}
	return &ConditionNode{
		Field:    field,
		Operator: op,
		Value:    m["value"],
	}, nil
}
