package websocket

import (
	"context"
	"sync"
)

// Bindings maps subscription ids to the socket that should receive their
// notifications.
type Bindings interface {
	Bind(ctx context.Context, subscriptionID, socketID string) error
	// Lookup returns the bound socket id and false when there is no binding.
	Lookup(ctx context.Context, subscriptionID string) (string, bool, error)
	// Unbind removes the bindings of the given subscriptions, but only where
	// they still point at socketID.
	Unbind(ctx context.Context, socketID string, subscriptionIDs []string) error
}

// MemoryBindings keeps bindings in process memory.
type MemoryBindings struct {
	mu      sync.RWMutex
	bySubID map[string]string
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{bySubID: make(map[string]string)}
}

func (m *MemoryBindings) Bind(_ context.Context, subscriptionID, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySubID[subscriptionID] = socketID
	return nil
}

func (m *MemoryBindings) Lookup(_ context.Context, subscriptionID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	socketID, ok := m.bySubID[subscriptionID]
	return socketID, ok, nil
}

func (m *MemoryBindings) Unbind(_ context.Context, socketID string, subscriptionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range subscriptionIDs {
		if m.bySubID[id] == socketID {
			delete(m.bySubID, id)
		}
	}
	return nil
}
