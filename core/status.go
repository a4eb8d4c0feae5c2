package core

import "time"

// EngineState is the lifecycle state of the correlation engine.
type EngineState string

const (
	EngineStateInitializing EngineState = "initializing"
	EngineStateRunning      EngineState = "running"
	EngineStateStopped      EngineState = "stopped"
)

// EngineStatus is a point-in-time snapshot of the engine, served to health
// and operational surfaces.
type EngineStatus struct {
	State          EngineState `json:"state"`
	ActiveRules    int         `json:"active_rules"`
	QueueDepth     int         `json:"queue_depth"`
	QueueCapacity  int         `json:"queue_capacity"`
	EventsEnqueued uint64      `json:"events_enqueued"`
	EventsDropped  uint64      `json:"events_dropped"`
	EventsSeen     uint64      `json:"events_processed"`
	AlertsRaised   uint64      `json:"alerts_raised"`
	// AvgLatencyMs is the rolling average time to evaluate one event against
	// every active rule.
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	ThroughputPS float64   `json:"throughput_per_second"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastBatchAt  time.Time `json:"last_batch_at,omitempty"`
	LastGCAt     time.Time `json:"last_gc_at,omitempty"`
}
