package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
	"vigil/storage"
	"vigil/util/goroutine"
)

// EngineConfig carries the tunables of the correlation engine.
type EngineConfig struct {
	QueueCapacity         int
	EvaluationConcurrency int
	ActionWorkerCount     int
	Retention             time.Duration
	GCInterval            time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.EvaluationConcurrency <= 0 {
		c.EvaluationConcurrency = 8
	}
	if c.ActionWorkerCount <= 0 {
		c.ActionWorkerCount = 4
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Hour
	}
}

// queuedEvent is one ingestion queue item.
type queuedEvent struct {
	event      *core.Event
	receivedAt time.Time
}

// Engine is the correlation pipeline: a bounded ingestion queue feeding a
// batch processing loop that evaluates every active rule against every
// event, archives events, executes actions for matches, and garbage-collects
// aged state.
type Engine struct {
	cfg       EngineConfig
	rules     storage.RuleStorage
	archive   storage.EventArchive
	contexts  *ContextBuilder
	evaluator *RuleEvaluator
	tracker   *StateTracker
	collector *Collector
	executor  *ActionExecutor
	logger    *zap.SugaredLogger

	queue      chan queuedEvent
	evalPool   *core.WorkerPool
	actionPool *core.WorkerPool

	// active is the rule table: replaced-by-identifier under tableMu, never
	// mutated in place, so concurrent readers always see whole rules.
	tableMu sync.RWMutex
	active  map[string]*CompiledRule

	stateMu sync.RWMutex
	state   core.EngineState

	statsMu      sync.Mutex
	enqueued     uint64
	dropped      uint64
	processed    uint64
	alertsRaised uint64
	avgLatencyMs float64
	startedAt    time.Time
	lastBatchAt  time.Time
	lastGCAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

// NewEngine assembles an engine. Start must be called before Enqueue has any
// effect.
func NewEngine(
	cfg EngineConfig,
	rules storage.RuleStorage,
	archive storage.EventArchive,
	contexts *ContextBuilder,
	evaluator *RuleEvaluator,
	tracker *StateTracker,
	collector *Collector,
	executor *ActionExecutor,
	logger *zap.SugaredLogger,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		rules:     rules,
		archive:   archive,
		contexts:  contexts,
		evaluator: evaluator,
		tracker:   tracker,
		collector: collector,
		executor:  executor,
		logger:    logger,
		queue:     make(chan queuedEvent, cfg.QueueCapacity),
		active:    make(map[string]*CompiledRule),
		state:     core.EngineStateInitializing,
	}
}

// Start loads enabled rules into the active-rule table and launches the
// processing loop. Starting a stopped engine is an error; there is no
// recovery from the stopped state.
func (e *Engine) Start(parentCtx context.Context) error {
	e.stateMu.Lock()
	switch e.state {
	case core.EngineStateRunning:
		e.stateMu.Unlock()
		return nil
	case core.EngineStateStopped:
		e.stateMu.Unlock()
		return fmt.Errorf("engine is stopped and cannot be restarted")
	}
	e.stateMu.Unlock()

	e.ctx, e.cancel = context.WithCancel(parentCtx)

	rules, err := e.rules.GetEnabledRules(e.ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled rules: %w", err)
	}
	loaded := 0
	for _, rule := range rules {
		compiled, err := CompileRule(rule)
		if err != nil {
			e.logger.Warnw("Skipping rule that failed to compile", "rule_id", rule.ID, "error", err)
			continue
		}
		e.active[rule.ID] = compiled
		loaded++
	}

	e.evalPool = core.NewWorkerPool(e.ctx, e.cfg.EvaluationConcurrency, e.cfg.EvaluationConcurrency*2, "evaluation", e.logger)
	e.actionPool = core.NewWorkerPool(e.ctx, e.cfg.ActionWorkerCount, e.cfg.ActionWorkerCount*4, "actions", e.logger)
	if err := e.evalPool.Start(); err != nil {
		return err
	}
	if err := e.actionPool.Start(); err != nil {
		return err
	}

	e.statsMu.Lock()
	e.startedAt = time.Now().UTC()
	e.lastGCAt = e.startedAt
	e.statsMu.Unlock()

	e.stateMu.Lock()
	e.state = core.EngineStateRunning
	e.stateMu.Unlock()

	e.loopWG.Add(1)
	go e.processLoop()

	e.logger.Infow("Correlation engine started",
		"active_rules", loaded,
		"queue_capacity", e.cfg.QueueCapacity,
		"evaluation_concurrency", e.cfg.EvaluationConcurrency)
	return nil
}

// Stop shuts the engine down. The queue stops accepting events, in-flight
// batches finish, and the state becomes stopped for good.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if e.state != core.EngineStateRunning {
		e.stateMu.Unlock()
		return
	}
	e.state = core.EngineStateStopped
	e.stateMu.Unlock()

	e.cancel()
	e.loopWG.Wait()
	e.evalPool.Stop()
	e.actionPool.Stop()
	e.logger.Infow("Correlation engine stopped")
}

// Enqueue offers an event to the ingestion queue. It never blocks: when the
// queue is at capacity the event is dropped and a warning recorded. Events
// offered while the engine is not running are dropped the same way.
func (e *Engine) Enqueue(event *core.Event) bool {
	e.stateMu.RLock()
	running := e.state == core.EngineStateRunning
	e.stateMu.RUnlock()
	if !running {
		e.noteDrop(event, "engine not running")
		return false
	}

	select {
	case e.queue <- queuedEvent{event: event, receivedAt: time.Now().UTC()}:
		e.statsMu.Lock()
		e.enqueued++
		e.statsMu.Unlock()
		metrics.EventsEnqueued.Inc()
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		e.noteDrop(event, "queue full")
		return false
	}
}

func (e *Engine) noteDrop(event *core.Event, reason string) {
	e.statsMu.Lock()
	e.dropped++
	e.statsMu.Unlock()
	metrics.EventsDropped.Inc()
	e.logger.Warnw("Dropping event", "event_id", event.EventID, "reason", reason)
}

// UpsertRule applies a rule-created/updated/enabled/disabled push. Enabled
// rules replace their table entry wholesale; disabled ones are removed along
// with their tracking state.
func (e *Engine) UpsertRule(rule *core.Rule) error {
	if !rule.Enabled {
		e.removeRule(rule.ID)
		return nil
	}

	compiled, err := CompileRule(rule)
	if err != nil {
		// A rule the engine cannot evaluate is a no-op, not a crash.
		e.removeRule(rule.ID)
		e.logger.Warnw("Rule failed to compile, treating as no-op", "rule_id", rule.ID, "error", err)
		return err
	}

	e.tableMu.Lock()
	e.active[rule.ID] = compiled
	e.tableMu.Unlock()
	return nil
}

// RemoveRule applies a rule-deleted push.
func (e *Engine) RemoveRule(ruleID string) {
	e.removeRule(ruleID)
}

func (e *Engine) removeRule(ruleID string) {
	e.tableMu.Lock()
	delete(e.active, ruleID)
	e.tableMu.Unlock()
	e.tracker.RemoveRule(ruleID)
}

// ActiveRuleIDs returns the identifiers currently in the rule table.
func (e *Engine) ActiveRuleIDs() []string {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) snapshotRules() []*CompiledRule {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	rules := make([]*CompiledRule, 0, len(e.active))
	for _, rule := range e.active {
		rules = append(rules, rule)
	}
	return rules
}

// processLoop is the single consumer of the queue. It blocks on an empty
// queue, drains up to the batch size once an event arrives, and runs one
// batch to completion before re-arming. Nothing that happens inside a batch
// may kill the loop.
func (e *Engine) processLoop() {
	defer e.loopWG.Done()
	defer goroutine.Recover("correlation-loop", e.logger)

	for {
		select {
		case <-e.ctx.Done():
			return
		case first := <-e.queue:
			batch := e.drainBatch(first)
			e.processBatch(batch)
			e.maybeRunGC()
		}
	}
}

func (e *Engine) drainBatch(first queuedEvent) []queuedEvent {
	batch := make([]queuedEvent, 1, e.cfg.EvaluationConcurrency)
	batch[0] = first
	for len(batch) < e.cfg.EvaluationConcurrency {
		select {
		case item := <-e.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

// processBatch evaluates every batched event concurrently and waits for all
// of them before returning.
func (e *Engine) processBatch(batch []queuedEvent) {
	rules := e.snapshotRules()

	var wg sync.WaitGroup
	for _, item := range batch {
		wg.Add(1)
		item := item
		task := func() {
			defer wg.Done()
			e.processEvent(item.event, rules)
		}
		if err := e.evalPool.Submit(task); err != nil {
			// Pool saturated; run on the loop goroutine instead of dropping.
			task()
		}
	}
	wg.Wait()

	e.statsMu.Lock()
	e.lastBatchAt = time.Now().UTC()
	e.statsMu.Unlock()
	metrics.QueueDepth.Set(float64(len(e.queue)))
}

// processEvent runs one event through context building, every active rule,
// archival, and action dispatch.
func (e *Engine) processEvent(event *core.Event, rules []*CompiledRule) {
	defer goroutine.Recover("process-event", e.logger)

	started := time.Now()
	evalCtx := e.contexts.Build(e.ctx, event)

	for _, rule := range rules {
		ruleStart := time.Now()
		ruleCtx := evalCtx.forRule()
		result := e.evaluator.Evaluate(rule, ruleCtx)
		latency := time.Since(ruleStart)

		metrics.RuleEvaluations.WithLabelValues(string(rule.Rule.Type)).Inc()
		if result.Error != "" {
			e.logger.Warnw("Rule evaluation error",
				"rule_id", rule.Rule.ID, "event_id", event.EventID, "error", result.Error)
		}

		triggered := result.Matched && len(rule.Rule.Actions) > 0
		e.collector.RecordEvaluation(rule.Rule.ID, result.Matched, triggered, latency)

		if !result.Matched {
			continue
		}
		metrics.RuleMatches.WithLabelValues(string(rule.Rule.Type)).Inc()
		e.trackMatch(rule, ruleCtx, event)

		if rule.Rule.HasAction(core.ActionCreateAlert) {
			e.statsMu.Lock()
			e.alertsRaised++
			e.statsMu.Unlock()
		}

		// ruleCtx is not written past this point, so the dispatch goroutine
		// reads a stable variable bag.
		rule, result := rule, result
		dispatch := func() {
			e.executor.Execute(e.ctx, rule, result, event, ruleCtx.Variables)
		}
		if err := e.actionPool.Submit(dispatch); err != nil {
			dispatch()
		}
	}

	// Best-effort archival; a storage failure costs future context, not the
	// batch.
	if err := e.archive.Insert(e.ctx, core.NewCorrelationEvent(event)); err != nil {
		e.logger.Warnw("Failed to archive event", "event_id", event.EventID, "error", err)
	}

	elapsed := time.Since(started)
	metrics.EventsProcessed.Inc()
	metrics.EvaluationDuration.Observe(elapsed.Seconds())

	e.statsMu.Lock()
	e.processed++
	// Rolling average over all processed events.
	n := float64(e.processed)
	e.avgLatencyMs = e.avgLatencyMs + (float64(elapsed.Milliseconds())-e.avgLatencyMs)/n
	e.statsMu.Unlock()
}

// trackMatch feeds the per-rule tracking state that GC later prunes.
func (e *Engine) trackMatch(rule *CompiledRule, ruleCtx *EvalContext, event *core.Event) {
	switch rule.Rule.Type {
	case core.RuleTypeThreshold:
		key, _ := ruleCtx.Variables["threshold_group"].(string)
		if key == "" {
			key = event.EntityID
		}
		e.tracker.Observe(rule.Rule.ID, key, event.Timestamp)
	case core.RuleTypeSequence:
		e.tracker.Observe(rule.Rule.ID, event.EntityID, event.Timestamp)
	}
}

// maybeRunGC runs garbage collection when the GC interval has elapsed since
// the last sweep.
func (e *Engine) maybeRunGC() {
	e.statsMu.Lock()
	due := time.Since(e.lastGCAt) >= e.cfg.GCInterval
	if due {
		e.lastGCAt = time.Now().UTC()
	}
	e.statsMu.Unlock()
	if !due {
		return
	}
	e.RunGC()
}

// RunGC deletes archived events older than the retention window and prunes
// per-rule tracking state past the same cutoff.
func (e *Engine) RunGC() {
	cutoff := time.Now().UTC().Add(-e.cfg.Retention)

	deleted, err := e.archive.DeleteOlderThan(e.ctx, cutoff)
	if err != nil {
		e.logger.Warnw("GC failed to delete expired events", "error", err)
	} else {
		metrics.GCEventsDeleted.Add(float64(deleted))
	}

	pruned := e.tracker.Prune(cutoff)
	metrics.GCRuns.Inc()

	e.statsMu.Lock()
	e.lastGCAt = time.Now().UTC()
	e.statsMu.Unlock()

	e.logger.Infow("Garbage collection complete",
		"events_deleted", deleted, "tracking_entries_pruned", pruned)
}

// Status returns a point-in-time snapshot of the engine.
func (e *Engine) Status() core.EngineStatus {
	e.stateMu.RLock()
	state := e.state
	e.stateMu.RUnlock()

	e.tableMu.RLock()
	activeRules := len(e.active)
	e.tableMu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	throughput := 0.0
	if !e.startedAt.IsZero() {
		if uptime := time.Since(e.startedAt).Seconds(); uptime > 0 {
			throughput = float64(e.processed) / uptime
		}
	}

	return core.EngineStatus{
		State:          state,
		ActiveRules:    activeRules,
		QueueDepth:     len(e.queue),
		QueueCapacity:  e.cfg.QueueCapacity,
		EventsEnqueued: e.enqueued,
		EventsDropped:  e.dropped,
		EventsSeen:     e.processed,
		AlertsRaised:   e.alertsRaised,
		AvgLatencyMs:   e.avgLatencyMs,
		ThroughputPS:   throughput,
		StartedAt:      e.startedAt,
		LastBatchAt:    e.lastBatchAt,
		LastGCAt:       e.lastGCAt,
	}
}

// Metrics returns the engine-wide evaluation aggregate.
func (e *Engine) Metrics() EngineStats {
	return e.collector.Snapshot()
}

// RuleMetrics returns the per-rule stats snapshot for one rule.
func (e *Engine) RuleMetrics(ruleID string) (RuleStats, bool) {
	return e.collector.RuleSnapshot(ruleID)
}
