package correlate

import (
	"sync"
	"time"
)

// maxGroupsPerRule caps the tracked groups of a single rule so one noisy
// rule cannot grow memory without bound between GC sweeps.
const maxGroupsPerRule = 1000

// trackEntry is activity bookkeeping for one (rule, group) pair.
type trackEntry struct {
	Count    int64
	LastSeen time.Time
}

// StateTracker records per-rule activity observed during threshold and
// sequence evaluation. It is shared between the evaluation path and the GC
// sweep.
type StateTracker struct {
	mu    sync.RWMutex
	rules map[string]map[string]*trackEntry
}

// NewStateTracker creates an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{rules: make(map[string]map[string]*trackEntry)}
}

// Observe records activity for a rule's group at the given time. Observations
// past the per-rule group cap are dropped.
func (t *StateTracker) Observe(ruleID, groupKey string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	groups, ok := t.rules[ruleID]
	if !ok {
		groups = make(map[string]*trackEntry)
		t.rules[ruleID] = groups
	}

	entry, ok := groups[groupKey]
	if !ok {
		if len(groups) >= maxGroupsPerRule {
			return
		}
		entry = &trackEntry{}
		groups[groupKey] = entry
	}
	entry.Count++
	if at.After(entry.LastSeen) {
		entry.LastSeen = at
	}
}

// Get returns the entry for a (rule, group) pair, or ok=false.
func (t *StateTracker) Get(ruleID, groupKey string) (trackEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	groups, ok := t.rules[ruleID]
	if !ok {
		return trackEntry{}, false
	}
	entry, ok := groups[groupKey]
	if !ok {
		return trackEntry{}, false
	}
	return *entry, true
}

// Prune removes entries whose last activity is older than the cutoff and
// drops rules left with no entries. Returns the number of removed entries.
func (t *StateTracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ruleID, groups := range t.rules {
		for key, entry := range groups {
			if entry.LastSeen.Before(cutoff) {
				delete(groups, key)
				removed++
			}
		}
		if len(groups) == 0 {
			delete(t.rules, ruleID)
		}
	}
	return removed
}

// RemoveRule drops all tracking state for a rule. Called when the rule
// leaves the active-rule table.
func (t *StateTracker) RemoveRule(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rules, ruleID)
}

// Len reports how many (rule, group) entries are tracked.
func (t *StateTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, groups := range t.rules {
		total += len(groups)
	}
	return total
}
