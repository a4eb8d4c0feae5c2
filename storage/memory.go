package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/core"
)

// MemoryRuleStorage is an in-process RuleStorage used by tests and by hosts
// that manage rules entirely through the engine API.
type MemoryRuleStorage struct {
	mu    sync.RWMutex
	rules map[string]*core.Rule
}

func NewMemoryRuleStorage() *MemoryRuleStorage {
	return &MemoryRuleStorage{rules: make(map[string]*core.Rule)}
}

func (s *MemoryRuleStorage) GetRule(_ context.Context, id string) (*core.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (s *MemoryRuleStorage) GetEnabledRules(_ context.Context) ([]*core.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Rule
	for _, rule := range s.rules {
		if rule.Enabled {
			cp := *rule
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryRuleStorage) SaveRule(_ context.Context, rule *core.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.UpdatedAt = time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = rule.UpdatedAt
		rule.AppendHistory("created", "", "")
	} else {
		rule.AppendHistory("updated", "", "")
	}
	rule.Version++
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryRuleStorage) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStorage) RecordTrigger(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.TriggerCount++
	rule.LastTriggered = at
	return nil
}

// MemoryEventArchive is an in-process EventArchive keyed by event id.
type MemoryEventArchive struct {
	mu     sync.RWMutex
	events map[string]*core.CorrelationEvent
}

func NewMemoryEventArchive() *MemoryEventArchive {
	return &MemoryEventArchive{events: make(map[string]*core.CorrelationEvent)}
}

func (a *MemoryEventArchive) Insert(_ context.Context, event *core.CorrelationEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.events[event.EventID]; ok {
		return nil
	}
	cp := *event
	a.events[event.EventID] = &cp
	return nil
}

func (a *MemoryEventArchive) InsertBatch(ctx context.Context, events []*core.CorrelationEvent) error {
	for _, ev := range events {
		if err := a.Insert(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (a *MemoryEventArchive) FindRelated(_ context.Context, entityID, sourceAddr, destAddr string, since time.Time) ([]*core.CorrelationEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*core.CorrelationEvent
	for _, ev := range a.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		related := (entityID != "" && ev.EntityID == entityID) ||
			(sourceAddr != "" && ev.SourceAddr == sourceAddr) ||
			(destAddr != "" && ev.DestAddr == destAddr)
		if !related {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (a *MemoryEventArchive) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var deleted int64
	for id, ev := range a.events {
		if ev.Timestamp.Before(cutoff) {
			delete(a.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of archived events.
func (a *MemoryEventArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.events)
}
