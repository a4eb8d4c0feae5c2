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
)

// ActionExecutor runs the side effects of a matched rule. Each external sink
// sits behind its own circuit breaker; one failing action never blocks or
// rolls back its siblings.
type ActionExecutor struct {
	rules         storage.RuleStorage
	alerts        core.AlertSink
	entities      core.EntityService
	channels      []core.NotificationChannel
	actionTimeout time.Duration
	cbConfig      core.CircuitBreakerConfig
	logger        *zap.SugaredLogger

	cbMu     sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

// NewActionExecutor wires the executor to its external sinks. Any of alerts,
// entities, or channels may be nil/empty; the corresponding action types then
// log and skip.
func NewActionExecutor(
	rules storage.RuleStorage,
	alerts core.AlertSink,
	entities core.EntityService,
	channels []core.NotificationChannel,
	actionTimeout time.Duration,
	cbConfig core.CircuitBreakerConfig,
	logger *zap.SugaredLogger,
) *ActionExecutor {
	if actionTimeout <= 0 {
		actionTimeout = 10 * time.Second
	}
	if cbConfig.MaxFailures == 0 {
		cbConfig = core.DefaultCircuitBreakerConfig()
	}
	return &ActionExecutor{
		rules:         rules,
		alerts:        alerts,
		entities:      entities,
		channels:      channels,
		actionTimeout: actionTimeout,
		cbConfig:      cbConfig,
		logger:        logger,
		breakers:      make(map[string]*core.CircuitBreaker),
	}
}

func (ae *ActionExecutor) breakerFor(target string) *core.CircuitBreaker {
	ae.cbMu.Lock()
	defer ae.cbMu.Unlock()
	cb, ok := ae.breakers[target]
	if !ok {
		cb = core.MustNewCircuitBreaker(ae.cbConfig)
		ae.breakers[target] = cb
	}
	return cb
}

// Execute records the rule trigger and runs every configured action for a
// matched result. Failures are logged per action and never abort the rest.
func (ae *ActionExecutor) Execute(ctx context.Context, rule *CompiledRule, result *EvalResult, trigger *core.Event, variables map[string]interface{}) {
	now := time.Now().UTC()
	if err := ae.rules.RecordTrigger(ctx, rule.Rule.ID, now); err != nil {
		ae.logger.Warnw("Failed to record rule trigger", "rule_id", rule.Rule.ID, "error", err)
	}

	for _, action := range rule.Rule.Actions {
		actionCtx, cancel := context.WithTimeout(ctx, ae.actionTimeout)
		ae.executeAction(actionCtx, action, rule, result, trigger, variables)
		cancel()
	}
}

func (ae *ActionExecutor) executeAction(ctx context.Context, action core.Action, rule *CompiledRule, result *EvalResult, trigger *core.Event, variables map[string]interface{}) {
	var err error
	switch action.Type {
	case core.ActionCreateAlert:
		err = ae.createAlert(ctx, rule, result, trigger, variables)
	case core.ActionUpdateEntity:
		err = ae.updateEntity(ctx, action, trigger)
	case core.ActionSendNotification:
		err = ae.sendNotification(ctx, action, rule, result, trigger, variables)
	default:
		ae.logger.Warnw("Unknown action type, skipping",
			"rule_id", rule.Rule.ID, "action_type", action.Type)
		return
	}

	if err != nil {
		metrics.ActionFailures.WithLabelValues(action.Type).Inc()
		ae.logger.Errorw("Action failed",
			"rule_id", rule.Rule.ID, "action_type", action.Type, "error", err)
		return
	}
	metrics.ActionsExecuted.WithLabelValues(action.Type).Inc()
}

func (ae *ActionExecutor) createAlert(ctx context.Context, rule *CompiledRule, result *EvalResult, trigger *core.Event, variables map[string]interface{}) error {
	if ae.alerts == nil {
		ae.logger.Warnw("No alert sink configured, skipping create_alert", "rule_id", rule.Rule.ID)
		return nil
	}

	cb := ae.breakerFor("alert_sink")
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("alert sink unavailable: %w", err)
	}

	alert := core.NewAlert(rule.Rule, trigger)
	if len(result.EventIDs) > 0 {
		alert.EventIDs = result.EventIDs
	}
	alert.Details = mergeDetails(result.Details, variables)

	if err := ae.alerts.CreateAlert(ctx, alert); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	metrics.AlertsGenerated.WithLabelValues(alert.Severity).Inc()
	return nil
}

func (ae *ActionExecutor) updateEntity(ctx context.Context, action core.Action, trigger *core.Event) error {
	if ae.entities == nil {
		ae.logger.Warnw("No entity service configured, skipping update_entity")
		return nil
	}

	entityID := trigger.EntityID
	if override, ok := action.Params["entity_id"].(string); ok && override != "" {
		entityID = override
	}
	if entityID == "" {
		return fmt.Errorf("update_entity action has no entity to update")
	}

	cb := ae.breakerFor("entity_service")
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("entity service unavailable: %w", err)
	}

	var patch core.EntityPatch
	if delta, ok := asNumber(action.Params["risk_score_delta"]); ok {
		patch.RiskScoreDelta = delta
	}
	if status, ok := action.Params["status"].(string); ok {
		patch.Status = status
	}
	if rawTags, ok := action.Params["add_tags"].([]interface{}); ok {
		for _, t := range rawTags {
			patch.AddTags = append(patch.AddTags, toString(t))
		}
	}

	if err := ae.entities.UpdateEntity(ctx, entityID, patch); err != nil {
		cb.RecordFailure()
		return err
	}

	if tag, ok := action.Params["tag"].(string); ok && tag != "" {
		if err := ae.entities.AddTag(ctx, entityID, tag); err != nil {
			cb.RecordFailure()
			return err
		}
	}

	cb.RecordSuccess()
	return nil
}

func (ae *ActionExecutor) sendNotification(ctx context.Context, action core.Action, rule *CompiledRule, result *EvalResult, trigger *core.Event, variables map[string]interface{}) error {
	if len(ae.channels) == 0 {
		ae.logger.Warnw("No notification channels configured, skipping send_notification", "rule_id", rule.Rule.ID)
		return nil
	}

	message, _ := action.Params["message"].(string)
	if message == "" {
		message = fmt.Sprintf("Rule %s matched", rule.Rule.Name)
	}

	n := &core.Notification{
		RuleID:    rule.Rule.ID,
		RuleName:  rule.Rule.Name,
		Severity:  rule.Rule.Severity,
		Message:   message,
		EntityID:  trigger.EntityID,
		EventIDs:  result.EventIDs,
		Details:   mergeDetails(result.Details, variables),
		Timestamp: time.Now().UTC(),
	}

	var lastErr error
	for _, ch := range ae.channels {
		cb := ae.breakerFor("channel:" + ch.Name())
		if err := cb.Allow(); err != nil {
			ae.logger.Warnw("Notification channel unavailable", "channel", ch.Name(), "error", err)
			lastErr = err
			continue
		}
		if err := ch.Broadcast(ctx, n); err != nil {
			cb.RecordFailure()
			ae.logger.Errorw("Notification broadcast failed", "channel", ch.Name(), "error", err)
			lastErr = err
			continue
		}
		cb.RecordSuccess()
	}
	return lastErr
}

func mergeDetails(details, variables map[string]interface{}) map[string]interface{} {
	if len(details) == 0 && len(variables) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(details)+len(variables))
	for k, v := range details {
		merged[k] = v
	}
	for k, v := range variables {
		merged[k] = v
	}
	return merged
}
