package notify

import (
	"context"
	"sync"

	"vigil/core"
)

// MockChannel records broadcasts for tests.
type MockChannel struct {
	mu       sync.Mutex
	Received []*core.Notification
	FailWith error
}

func (m *MockChannel) Name() string { return "mock" }

func (m *MockChannel) Broadcast(_ context.Context, n *core.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Received = append(m.Received, n)
	return nil
}

// Count returns the number of delivered notifications.
func (m *MockChannel) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Received)
}

// MockAlertSink records created alerts for tests.
type MockAlertSink struct {
	mu       sync.Mutex
	Alerts   []*core.Alert
	FailWith error
}

func (m *MockAlertSink) CreateAlert(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Alerts = append(m.Alerts, alert)
	return nil
}

// Count returns the number of created alerts.
func (m *MockAlertSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// MockEntityService records entity mutations for tests.
type MockEntityService struct {
	mu      sync.Mutex
	Patches map[string][]core.EntityPatch
	Tags    map[string][]string
}

func NewMockEntityService() *MockEntityService {
	return &MockEntityService{
		Patches: make(map[string][]core.EntityPatch),
		Tags:    make(map[string][]string),
	}
}

func (m *MockEntityService) UpdateEntity(_ context.Context, entityID string, patch core.EntityPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Patches[entityID] = append(m.Patches[entityID], patch)
	return nil
}

func (m *MockEntityService) AddTag(_ context.Context, entityID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tags[entityID] = append(m.Tags[entityID], tag)
	return nil
}
