package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func benchEvent() Event {
	return Event{
		TenantID:     "acme",
		ActorUserID:  "u-bench",
		Action:       "payments.refund",
		InputSummary: map[string]any{"invoice_id": "inv_1001", "amount": 25},
		Outcome:      OutcomeSuccess,
		PolicyHash:   "sha256:bench",
	}
}

func BenchmarkHash(b *testing.B) {
	e := benchEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Hash(e, GenesisHash)
	}
}

func BenchmarkAppend_Memory(b *testing.B) {
	m := NewMemoryChain()
	e := benchEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Append(context.Background(), testKey, e)
	}
}

func BenchmarkAppend_File(b *testing.B) {
	c, err := OpenFileChain(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	e := benchEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Append(context.Background(), testKey, e)
	}
}

func BenchmarkAppend_SQLite(b *testing.B) {
	c, err := OpenSQLite(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	e := benchEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Append(context.Background(), testKey, e)
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	m := NewMemoryChain()
	for i := 0; i < 1000; i++ {
		e := benchEvent()
		e.ID = fmt.Sprintf("evt-%d", i)
		m.Append(context.Background(), testKey, e)
	}
	events, _ := m.Events(context.Background(), testKey)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Verify(events)
	}
}
