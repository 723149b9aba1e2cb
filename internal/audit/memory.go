package audit

import (
	"context"
	"sort"
	"sync"
)

type memChain struct {
	mu     sync.Mutex
	events []Event
}

// MemoryChain keeps chains in process memory. Appends to different keys
// proceed in parallel; appends to one key are serialized.
type MemoryChain struct {
	mu     sync.Mutex
	chains map[string]*memChain
}

// NewMemoryChain creates an empty in-memory store.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{chains: make(map[string]*memChain)}
}

func (m *MemoryChain) chain(key string) *memChain {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[key]
	if !ok {
		c = &memChain{}
		m.chains[key] = c
	}
	return c
}

// Append links and stores e at the head of key.
func (m *MemoryChain) Append(ctx context.Context, key string, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	c := m.chain(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := GenesisHash
	if n := len(c.events); n > 0 {
		prev = c.events[n-1].Hash
	}
	linked, err := link(e, key, prev)
	if err != nil {
		return Event{}, err
	}
	c.events = append(c.events, linked)
	return linked, nil
}

// Events returns a copy of the chain.
func (m *MemoryChain) Events(_ context.Context, key string) ([]Event, error) {
	m.mu.Lock()
	c, ok := m.chains[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...), nil
}

// Keys lists chain keys in sorted order.
func (m *MemoryChain) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.chains))
	for k := range m.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *MemoryChain) Close() error { return nil }

// Tamper replaces the stored event at index i. Test helper for integrity checks.
func (m *MemoryChain) Tamper(key string, i int, fn func(*Event)) {
	c := m.chain(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.events) {
		fn(&c.events[i])
	}
}
