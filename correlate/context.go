package correlate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/storage"
)

// ContextBuilder assembles the evaluation context for a trigger event:
// archived events from the trailing window that share its entity id, source
// address, or destination address.
type ContextBuilder struct {
	archive storage.EventArchive
	window  time.Duration
	logger  *zap.SugaredLogger
}

// NewContextBuilder creates a builder over the archive. window is the
// trailing lookup span.
func NewContextBuilder(archive storage.EventArchive, window time.Duration, logger *zap.SugaredLogger) *ContextBuilder {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ContextBuilder{
		archive: archive,
		window:  window,
		logger:  logger,
	}
}

// Build retrieves the related-event window for the trigger. Retrieval
// failure degrades to an empty related set; correlation then falls back to
// single-event evaluation instead of halting the batch.
func (b *ContextBuilder) Build(ctx context.Context, trigger *core.Event) *EvalContext {
	since := trigger.Timestamp.Add(-b.window)

	archived, err := b.archive.FindRelated(ctx, trigger.EntityID, trigger.SourceAddr, trigger.DestAddr, since)
	if err != nil {
		b.logger.Warnw("Related-event lookup failed, evaluating without context",
			"event_id", trigger.EventID, "error", err)
		return NewEvalContext(trigger, nil)
	}

	seen := map[string]bool{trigger.EventID: true}
	related := make([]*core.Event, 0, len(archived))
	for _, ce := range archived {
		if seen[ce.EventID] {
			continue
		}
		seen[ce.EventID] = true
		related = append(related, ce.ToEvent())
	}

	return NewEvalContext(trigger, related)
}
