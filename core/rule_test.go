package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name: "valid simple rule",
			rule: Rule{ID: "r1", Type: RuleTypeSimple},
		},
		{
			name:    "empty id",
			rule:    Rule{Type: RuleTypeSimple},
			wantErr: true,
		},
		{
			name:    "unknown type",
			rule:    Rule{ID: "r1", Type: "fancy"},
			wantErr: true,
		},
		{
			name:    "threshold rule without threshold",
			rule:    Rule{ID: "r1", Type: RuleTypeThreshold},
			wantErr: true,
		},
		{
			name: "threshold rule with threshold",
			rule: Rule{ID: "r1", Type: RuleTypeThreshold, Threshold: 5},
		},
		{
			name:    "sequence rule with one stage",
			rule:    Rule{ID: "r1", Type: RuleTypeSequence, Stages: []SequenceStage{{Name: "a"}}},
			wantErr: true,
		},
		{
			name:    "pattern rule without pattern",
			rule:    Rule{ID: "r1", Type: RuleTypePattern},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRuleAppliesTo(t *testing.T) {
	open := Rule{ID: "r1", Type: RuleTypeSimple}
	assert.True(t, open.AppliesTo("anything"))

	scoped := Rule{ID: "r2", Type: RuleTypeSimple, EventTypes: []string{"login_failure"}}
	assert.True(t, scoped.AppliesTo("login_failure"))
	assert.False(t, scoped.AppliesTo("login_success"))
}

func TestParsePatternConfigFrequency(t *testing.T) {
	cfg, err := ParsePatternConfig(map[string]interface{}{
		"type":      "frequency",
		"group_by":  "source_addr",
		"threshold": 10,
	})
	require.NoError(t, err)
	assert.Equal(t, PatternFrequency, cfg.Type)
	assert.Equal(t, "source_addr", cfg.GroupBy)
	assert.Equal(t, 10, cfg.Threshold)
}

func TestParsePatternConfigFlowDefaults(t *testing.T) {
	cfg, err := ParsePatternConfig(map[string]interface{}{
		"type":        "flow",
		"flow_length": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "source_addr", cfg.SourceField)
	assert.Equal(t, "dest_addr", cfg.TargetField)
}

func TestParsePatternConfigTimeSeriesDefaults(t *testing.T) {
	cfg, err := ParsePatternConfig(map[string]interface{}{
		"type":        "timeseries",
		"variant":     "spike",
		"value_field": "bytes_out",
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Sensitivity)
}

func TestParsePatternConfigRejectsUnknownType(t *testing.T) {
	_, err := ParsePatternConfig(map[string]interface{}{"type": "wavelet"})
	assert.Error(t, err)
}

func TestParsePatternConfigRejectsUnknownGraphShape(t *testing.T) {
	_, err := ParsePatternConfig(map[string]interface{}{
		"type":  "graph",
		"shape": "clique",
	})
	assert.Error(t, err)
}

func TestAggregationSpecCompareThreshold(t *testing.T) {
	spec := AggregationSpec{Type: AggCount, Operator: "gt", Threshold: 5}
	assert.True(t, spec.CompareThreshold(6))
	assert.False(t, spec.CompareThreshold(5))

	// Empty operator defaults to gte.
	spec.Operator = ""
	assert.True(t, spec.CompareThreshold(5))
	assert.False(t, spec.CompareThreshold(4))
}

func TestAppendHistory(t *testing.T) {
	rule := Rule{ID: "r1", Type: RuleTypeSimple}
	rule.AppendHistory("created", "admin", "")
	rule.AppendHistory("disabled", "admin", "noisy")
	require.Len(t, rule.History, 2)
	assert.Equal(t, "created", rule.History[0].Action)
	assert.Equal(t, "disabled", rule.History[1].Action)
	assert.False(t, rule.History[1].Timestamp.IsZero())
}
