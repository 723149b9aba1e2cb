package payments

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/tool"
)

// Invoice is one billable record.
type Invoice struct {
	ID       string  `json:"id"`
	Customer string  `json:"customer"`
	Total    float64 `json:"total"`
	Refunded float64 `json:"refunded"`
}

// Book is a concurrency-safe in-memory invoice book.
type Book struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	seq      int
}

// NewBook seeds a book with invoices.
func NewBook(invoices ...Invoice) *Book {
	b := &Book{invoices: make(map[string]*Invoice, len(invoices))}
	for _, inv := range invoices {
		inv := inv
		b.invoices[inv.ID] = &inv
	}
	return b
}

// DemoBook returns the invoices used by the CLI demo.
func DemoBook() *Book {
	return NewBook(
		Invoice{ID: "inv_1001", Customer: "acme", Total: 250},
		Invoice{ID: "inv_1002", Customer: "globex", Total: 1200},
		Invoice{ID: "inv_1003", Customer: "initech", Total: 75.5},
		Invoice{ID: "invoice_test123", Customer: "test", Total: 500},
	)
}

const refundSchema = `{
  "type": "object",
  "required": ["invoice_id", "amount"],
  "properties": {
    "invoice_id": {"type": "string", "pattern": "^(inv|invoice)_[a-z0-9]+$"},
    "amount": {"type": "number", "exclusiveMinimum": 0}
  }
}`

const lookupSchema = `{
  "type": "object",
  "required": ["invoice_id"],
  "properties": {"invoice_id": {"type": "string", "pattern": "^(inv|invoice)_[a-z0-9]+$"}}
}`

// Register installs the refund and invoice_lookup tools.
func (b *Book) Register(reg *tool.Registry) error {
	if err := reg.Register("refund", b.refund,
		tool.WithSchema(refundSchema),
		tool.WithDescription("Refund part or all of an invoice")); err != nil {
		return err
	}
	return reg.Register("invoice_lookup", b.lookup,
		tool.WithSchema(lookupSchema),
		tool.WithDescription("Show an invoice"))
}

func (b *Book) refund(_ context.Context, call tool.Call) model.ToolResult {
	id, _ := call.Input["invoice_id"].(string)
	amount, ok := toFloat(call.Input["amount"])
	if !ok {
		return model.Failed("amount must be a number")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inv, found := b.invoices[id]
	if !found {
		return model.Failed(fmt.Sprintf("invoice %s not found", id))
	}
	remaining := inv.Total - inv.Refunded
	if amount > remaining+1e-9 {
		return model.Failed(fmt.Sprintf("refund %.2f exceeds refundable balance %.2f", amount, remaining))
	}
	inv.Refunded = math.Round((inv.Refunded+amount)*100) / 100
	b.seq++

	return model.Succeeded(map[string]any{
		"message":    fmt.Sprintf("Refunded %.2f on %s.", amount, id),
		"refund_id":  fmt.Sprintf("rf_%04d", b.seq),
		"invoice_id": id,
		"amount":     amount,
		"remaining":  inv.Total - inv.Refunded,
	})
}

func (b *Book) lookup(_ context.Context, call tool.Call) model.ToolResult {
	id, _ := call.Input["invoice_id"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	inv, found := b.invoices[id]
	if !found {
		return model.Failed(fmt.Sprintf("invoice %s not found", id))
	}
	return model.Succeeded(map[string]any{
		"message": fmt.Sprintf("Invoice %s for %s: total %.2f, refunded %.2f.", inv.ID, inv.Customer, inv.Total, inv.Refunded),
		"invoice": *inv,
	})
}

// Invoice returns a copy of an invoice.
func (b *Book) Invoice(id string) (Invoice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[id]
	if !ok {
		return Invoice{}, false
	}
	return *inv, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
