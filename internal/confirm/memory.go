package confirm

import (
	"context"
	"sort"
	"sync"
)

// MemoryLedger keeps tokens in process memory.
type MemoryLedger struct {
	opts    options
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{opts: buildOptions(opts), records: make(map[string]Record)}
}

func (m *MemoryLedger) Issue(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[rec.Token]
	if ok && prev.Status != StatusPending {
		return nil
	}
	var p *Record
	if ok {
		p = &prev
	}
	m.records[rec.Token] = m.opts.issued(rec, p)
	return nil
}

func (m *MemoryLedger) Claim(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[token]
	if ok && rec.Status != StatusPending {
		return ErrTokenUsed
	}
	if !ok {
		rec = Record{Token: token, CreatedAt: m.opts.now().UTC()}
	}
	rec.Status = StatusClaimed
	rec.UpdatedAt = m.opts.now().UTC()
	m.records[token] = rec
	return nil
}

func (m *MemoryLedger) Release(_ context.Context, token string) error {
	return m.transition(token, StatusPending)
}

func (m *MemoryLedger) Consume(_ context.Context, token string) error {
	return m.transition(token, StatusConsumed)
}

func (m *MemoryLedger) transition(token string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[token]
	if !ok || rec.Status != StatusClaimed {
		return ErrNotFound
	}
	rec.Status = to
	rec.UpdatedAt = m.opts.now().UTC()
	m.records[token] = rec
	return nil
}

func (m *MemoryLedger) List(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusPending && !rec.expired(now) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Token < recs[j].Token
	})
}
