package correlate

import (
	"sync"
	"time"
)

// RuleStats is the per-rule view served by the collector.
type RuleStats struct {
	RuleID          string        `json:"rule_id"`
	Evaluations     int64         `json:"evaluations"`
	Matches         int64         `json:"matches"`
	Triggers        int64         `json:"triggers"`
	TotalLatency    time.Duration `json:"total_latency"`
	AvgLatency      time.Duration `json:"avg_latency"`
	LastEvaluatedAt time.Time     `json:"last_evaluated_at"`
}

// EngineStats is the engine-wide aggregate view.
type EngineStats struct {
	TotalEvaluations int64   `json:"total_evaluations"`
	TotalMatches     int64   `json:"total_matches"`
	TotalTriggers    int64   `json:"total_triggers"`
	MatchRate        float64 `json:"match_rate_pct"`
	TriggerRate      float64 `json:"trigger_rate_pct"`
}

// Collector accumulates evaluation statistics. It is written by the
// processing loop and read by status surfaces; nothing else mutates it.
type Collector struct {
	mu    sync.RWMutex
	rules map[string]*RuleStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{rules: make(map[string]*RuleStats)}
}

// RecordEvaluation records one rule evaluation and its outcome. triggered
// means the match went on to execute actions.
func (c *Collector) RecordEvaluation(ruleID string, matched, triggered bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.rules[ruleID]
	if !ok {
		stats = &RuleStats{RuleID: ruleID}
		c.rules[ruleID] = stats
	}

	stats.Evaluations++
	if matched {
		stats.Matches++
	}
	if triggered {
		stats.Triggers++
	}
	stats.TotalLatency += latency
	stats.AvgLatency = stats.TotalLatency / time.Duration(stats.Evaluations)
	stats.LastEvaluatedAt = time.Now().UTC()
}

// RuleSnapshot returns a copy of one rule's stats, or ok=false if the rule
// has never been evaluated.
func (c *Collector) RuleSnapshot(ruleID string) (RuleStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats, ok := c.rules[ruleID]
	if !ok {
		return RuleStats{}, false
	}
	return *stats, true
}

// Snapshot returns the engine-wide aggregate.
func (c *Collector) Snapshot() EngineStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var agg EngineStats
	for _, stats := range c.rules {
		agg.TotalEvaluations += stats.Evaluations
		agg.TotalMatches += stats.Matches
		agg.TotalTriggers += stats.Triggers
	}
	if agg.TotalEvaluations > 0 {
		agg.MatchRate = 100 * float64(agg.TotalMatches) / float64(agg.TotalEvaluations)
		agg.TriggerRate = 100 * float64(agg.TotalTriggers) / float64(agg.TotalEvaluations)
	}
	return agg
}

// AllRuleSnapshots returns copies of every rule's stats.
func (c *Collector) AllRuleSnapshots() []RuleStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RuleStats, 0, len(c.rules))
	for _, stats := range c.rules {
		out = append(out, *stats)
	}
	return out
}

// Reset clears all recorded statistics. Intended for test isolation.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = make(map[string]*RuleStats)
}
