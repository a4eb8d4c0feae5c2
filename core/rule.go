package core

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleType identifies the evaluation algorithm for a rule.
type RuleType string

const (
	RuleTypeSimple      RuleType = "simple"
	RuleTypeThreshold   RuleType = "threshold"
	RuleTypeSequence    RuleType = "sequence"
	RuleTypeAggregation RuleType = "aggregation"
	RuleTypePattern     RuleType = "pattern"
	RuleTypeBehavioral  RuleType = "behavioral"
)

// IsValid reports whether the rule type is one of the six known algorithms.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeSimple, RuleTypeThreshold, RuleTypeSequence,
		RuleTypeAggregation, RuleTypePattern, RuleTypeBehavioral:
		return true
	default:
		return false
	}
}

// Rule is a stored detection definition. The Conditions field and the
// per-stage / per-aggregation condition filters arrive from the rule API as
// open structures; they are converted to a typed representation exactly once
// when the rule is loaded into the engine (see correlate.CompileRule).
type Rule struct {
	ID          string   `json:"id" bson:"_id"`
	Name        string   `json:"name" bson:"name"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	Enabled     bool     `json:"enabled" bson:"enabled"`
	Type        RuleType `json:"type" bson:"type"`
	// EventTypes is an optional allow-list; empty means every event type.
	EventTypes []string `json:"event_types,omitempty" bson:"event_types,omitempty"`
	Severity   string   `json:"severity" bson:"severity"`
	Category   string   `json:"category,omitempty" bson:"category,omitempty"`
	Tags       []string `json:"tags,omitempty" bson:"tags,omitempty"`

	MitreTactics    []string `json:"mitre_tactics,omitempty" bson:"mitre_tactics,omitempty"`
	MitreTechniques []string `json:"mitre_techniques,omitempty" bson:"mitre_techniques,omitempty"`

	// Conditions is a boolean expression tree: either a logical group
	// {logic, children}, a single leaf {field, operator, value}, or a flat
	// list of leaves that is implicitly AND-ed.
	Conditions interface{} `json:"conditions,omitempty" bson:"conditions,omitempty"`

	WindowSeconds int     `json:"window_seconds,omitempty" bson:"window_seconds,omitempty"`
	Threshold     float64 `json:"threshold,omitempty" bson:"threshold,omitempty"`
	GroupBy       string  `json:"group_by,omitempty" bson:"group_by,omitempty"`

	Stages       []SequenceStage        `json:"stages,omitempty" bson:"stages,omitempty"`
	Aggregations []AggregationSpec      `json:"aggregations,omitempty" bson:"aggregations,omitempty"`
	Pattern      map[string]interface{} `json:"pattern,omitempty" bson:"pattern,omitempty"`

	Actions []Action `json:"actions,omitempty" bson:"actions,omitempty"`

	TriggerCount  int64     `json:"trigger_count" bson:"trigger_count"`
	LastTriggered time.Time `json:"last_triggered,omitempty" bson:"last_triggered,omitempty"`

	Version   int                `json:"version" bson:"version"`
	History   []RuleHistoryEntry `json:"history,omitempty" bson:"history,omitempty"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" bson:"updated_at"`
}

// HasAction reports whether the rule configures an action of the given type.
func (r *Rule) HasAction(actionType string) bool {
	for _, a := range r.Actions {
		if a.Type == actionType {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the rule's event-type allow-list admits the event.
func (r *Rule) AppliesTo(eventType string) bool {
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Window returns the rule's correlation window as a duration. Rules without
// an explicit window fall back to one hour.
func (r *Rule) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// AppendHistory records a lifecycle entry on the rule's append-only log.
func (r *Rule) AppendHistory(action, actor, note string) {
	r.History = append(r.History, RuleHistoryEntry{
		Action:    action,
		Actor:     actor,
		Note:      note,
		Timestamp: time.Now().UTC(),
	})
}

// SequenceStage is one step of an ordered sequence rule. Each stage carries
// its own condition tree; AllowMultiple marks stages that may consume more
// than one event.
type SequenceStage struct {
	Name          string      `json:"name" bson:"name"`
	Conditions    interface{} `json:"conditions" bson:"conditions"`
	AllowMultiple bool        `json:"allow_multiple,omitempty" bson:"allow_multiple,omitempty"`
}

// Aggregation types understood by the aggregation rule evaluator.
const (
	AggCount    = "count"
	AggSum      = "sum"
	AggAverage  = "average"
	AggMax      = "max"
	AggMin      = "min"
	AggDistinct = "distinct"
)

// AggregationSpec declares one aggregate computation and its pass condition.
type AggregationSpec struct {
	Type       string      `json:"type" bson:"type"`
	Field      string      `json:"field,omitempty" bson:"field,omitempty"`
	Conditions interface{} `json:"conditions,omitempty" bson:"conditions,omitempty"`
	Operator   string      `json:"operator" bson:"operator"`
	Threshold  float64     `json:"threshold" bson:"threshold"`
	GroupBy    string      `json:"group_by,omitempty" bson:"group_by,omitempty"`
}

// Validate checks the aggregation spec for a known type and operator.
func (a *AggregationSpec) Validate() error {
	switch a.Type {
	case AggCount, AggSum, AggAverage, AggMax, AggMin, AggDistinct:
	default:
		return fmt.Errorf("unknown aggregation type: %s", a.Type)
	}
	switch a.Operator {
	case "gt", "gte", "lt", "lte", "eq", "neq", "":
	default:
		return fmt.Errorf("unknown aggregation operator: %s", a.Operator)
	}
	if a.Type != AggCount && a.Field == "" {
		return fmt.Errorf("aggregation %s requires a field", a.Type)
	}
	return nil
}

// CompareThreshold applies the configured comparison operator to a computed
// aggregate value. An empty operator means gte.
func (a *AggregationSpec) CompareThreshold(value float64) bool {
	switch a.Operator {
	case "gt":
		return value > a.Threshold
	case "lt":
		return value < a.Threshold
	case "lte":
		return value <= a.Threshold
	case "eq":
		return value == a.Threshold
	case "neq":
		return value != a.Threshold
	default:
		return value >= a.Threshold
	}
}

// Pattern detector sub-types.
const (
	PatternFrequency  = "frequency"
	PatternFlow       = "flow"
	PatternTimeSeries = "timeseries"
	PatternGraph      = "graph"
)

// Time-series variants.
const (
	TimeSeriesSpike = "spike"
	TimeSeriesDrop  = "drop"
	TimeSeriesTrend = "trend"
)

// Graph shapes.
const (
	GraphStar      = "star"
	GraphCycle     = "cycle"
	GraphBipartite = "bipartite"
)

// PatternConfig is the typed form of a rule's pattern block. Only the fields
// relevant to the configured detector type are consulted.
type PatternConfig struct {
	Type string `yaml:"type" json:"type"`

	// frequency
	GroupBy   string `yaml:"group_by" json:"group_by,omitempty"`
	Threshold int    `yaml:"threshold" json:"threshold,omitempty"`

	// flow
	SourceField string `yaml:"source_field" json:"source_field,omitempty"`
	TargetField string `yaml:"target_field" json:"target_field,omitempty"`
	FlowLength  int    `yaml:"flow_length" json:"flow_length,omitempty"`

	// timeseries
	ValueField  string  `yaml:"value_field" json:"value_field,omitempty"`
	Variant     string  `yaml:"variant" json:"variant,omitempty"`
	Sensitivity float64 `yaml:"sensitivity" json:"sensitivity,omitempty"`

	// graph
	NodeField string `yaml:"node_field" json:"node_field,omitempty"`
	Shape     string `yaml:"shape" json:"shape,omitempty"`
}

// Validate checks the pattern config for a known detector type and fills in
// detector defaults.
func (p *PatternConfig) Validate() error {
	switch p.Type {
	case PatternFrequency:
		if p.Threshold <= 0 {
			return fmt.Errorf("frequency pattern requires a positive threshold")
		}
	case PatternFlow:
		if p.FlowLength < 2 {
			return fmt.Errorf("flow pattern requires flow_length >= 2")
		}
		if p.SourceField == "" {
			p.SourceField = "source_addr"
		}
		if p.TargetField == "" {
			p.TargetField = "dest_addr"
		}
	case PatternTimeSeries:
		switch p.Variant {
		case TimeSeriesSpike, TimeSeriesDrop, TimeSeriesTrend:
		default:
			return fmt.Errorf("unknown timeseries variant: %s", p.Variant)
		}
		if p.ValueField == "" {
			return fmt.Errorf("timeseries pattern requires a value_field")
		}
		if p.Sensitivity <= 0 {
			p.Sensitivity = 2.0
		}
	case PatternGraph:
		switch p.Shape {
		case GraphStar, GraphCycle, GraphBipartite:
		default:
			return fmt.Errorf("unknown graph shape: %s", p.Shape)
		}
		if p.SourceField == "" {
			p.SourceField = "source_addr"
		}
		if p.TargetField == "" {
			p.TargetField = "dest_addr"
		}
		if p.NodeField == "" {
			p.NodeField = "entity_id"
		}
	default:
		return fmt.Errorf("unknown pattern type: %s", p.Type)
	}
	return nil
}

// ParsePatternConfig converts the open pattern block stored on a rule into
// its typed form. The conversion goes through a YAML round trip so the
// loosely-typed map a document store hands back (string keys, interface
// values, numbers as int or float) lands in the struct without reflection
// gymnastics.
func ParsePatternConfig(raw map[string]interface{}) (*PatternConfig, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("pattern config is empty")
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pattern config: %w", err)
	}

	var cfg PatternConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Action is a side effect executed when a rule matches.
type Action struct {
	Type   string                 `json:"type" bson:"type"`
	Params map[string]interface{} `json:"params,omitempty" bson:"params,omitempty"`
}

// Known action types. Anything else is logged and skipped by the executor.
const (
	ActionCreateAlert      = "create_alert"
	ActionUpdateEntity     = "update_entity"
	ActionSendNotification = "send_notification"
)

// RuleHistoryEntry is one line of a rule's append-only change log.
type RuleHistoryEntry struct {
	Action    string    `json:"action" bson:"action"` // created, updated, enabled, disabled
	Actor     string    `json:"actor,omitempty" bson:"actor,omitempty"`
	Note      string    `json:"note,omitempty" bson:"note,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Validate performs the structural checks the engine relies on. Full
// validation of incoming definitions belongs to the rule-management API; the
// engine only refuses rules it cannot evaluate.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown rule type: %s", r.Type)
	}
	switch r.Type {
	case RuleTypeThreshold:
		if r.Threshold <= 0 {
			return fmt.Errorf("threshold rule %s requires a positive threshold", r.ID)
		}
	case RuleTypeSequence:
		if len(r.Stages) < 2 {
			return fmt.Errorf("sequence rule %s requires at least two stages", r.ID)
		}
	case RuleTypeAggregation:
		if len(r.Aggregations) == 0 {
			return fmt.Errorf("aggregation rule %s declares no aggregations", r.ID)
		}
		for i := range r.Aggregations {
			if err := r.Aggregations[i].Validate(); err != nil {
				return fmt.Errorf("aggregation rule %s: %w", r.ID, err)
			}
		}
	case RuleTypePattern:
		if len(r.Pattern) == 0 {
			return fmt.Errorf("pattern rule %s has no pattern config", r.ID)
		}
	}
	return nil
}
