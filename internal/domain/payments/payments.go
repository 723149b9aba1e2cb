// Package payments is a demo domain: refunds and invoice lookups against an
// in-memory invoice book.
package payments

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ppiankov/spinegate/internal/flow"
	"github.com/ppiankov/spinegate/internal/model"
)

// Spine is the domain name used in patterns and intents.
const Spine = "payments"

// Intent names.
const (
	IntentRefund        = "refund"
	IntentInvoiceLookup = "invoice_lookup"
)

// Actions evaluated by the policy engine.
const (
	ActionRefund        = "payments.refund"
	ActionInvoiceLookup = "payments.invoice_lookup"
)

var (
	invoiceRe = regexp.MustCompile(`(?i)\b(?:inv|invoice)_[a-z0-9]+\b`)
	amountRe  = regexp.MustCompile(`(?i)\$\s?(\d+(?:\.\d{1,2})?)|\b(\d+(?:\.\d{1,2})?)\s?(?:usd|dollars?)\b`)
)

// Patterns is the built-in pattern pack.
func Patterns() []model.Pattern {
	return []model.Pattern{
		{SpineID: Spine, IntentName: IntentRefund, Rule: model.Rule{Kind: model.RuleKeyword, Value: "refund"}, BaseConfidence: 0.7},
		{SpineID: Spine, IntentName: IntentRefund, Rule: model.Rule{Kind: model.RulePhrase, Value: "money back"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentRefund, Rule: model.Rule{Kind: model.RuleKeyword, Value: "reimburse"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentInvoiceLookup, Rule: model.Rule{Kind: model.RulePhrase, Value: "look up invoice"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentInvoiceLookup, Rule: model.Rule{Kind: model.RuleKeyword, Value: "invoice"}, BaseConfidence: 0.4},
		{SpineID: Spine, IntentName: IntentInvoiceLookup, Rule: model.Rule{Kind: model.RuleRegex, Value: `\b(?:inv|invoice)_[a-z0-9]+\b`}, BaseConfidence: 0.3},
	}
}

// Builder extracts invoice ids and amounts.
type Builder struct{}

// Extract pulls entities from the raw text.
func (Builder) Extract(in model.Intent, text string) model.Extraction {
	entities := map[string]any{}
	if id := invoiceRe.FindString(text); id != "" {
		entities["invoice_id"] = strings.ToLower(id)
	}

	switch in.Name {
	case IntentRefund:
		if amount, ok := parseAmount(text); ok {
			entities["amount"] = amount
		}
		return model.Extraction{Entities: entities, Missing: flow.Missing(entities, "invoice_id", "amount")}
	case IntentInvoiceLookup:
		return model.Extraction{Entities: entities, Missing: flow.Missing(entities, "invoice_id")}
	default:
		return model.Extraction{Entities: entities}
	}
}

// Build emits the flow for an intent.
func (Builder) Build(in model.Intent, ex model.Extraction) []model.Step {
	if len(ex.Missing) > 0 {
		return flow.AskFor(ex.Missing)
	}

	switch in.Name {
	case IntentRefund:
		return []model.Step{model.Execute{
			Action:      ActionRefund,
			Sensitivity: model.SensHigh,
			ToolName:    "refund",
			Input: map[string]any{
				"invoice_id": ex.Entities["invoice_id"],
				"amount":     ex.Entities["amount"],
			},
		}}
	case IntentInvoiceLookup:
		return []model.Step{model.Execute{
			Action:      ActionInvoiceLookup,
			Sensitivity: model.SensLow,
			ToolName:    "invoice_lookup",
			Input:       map[string]any{"invoice_id": ex.Entities["invoice_id"]},
		}}
	default:
		return []model.Step{model.Respond{Message: "No payments flow for intent " + in.Name + "."}}
	}
}

func parseAmount(text string) (float64, bool) {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Domain wires the builder, patterns and tools backed by book.
func Domain(book *Book) flow.Domain {
	return flow.Domain{
		Name:          Spine,
		Patterns:      Patterns(),
		Builder:       Builder{},
		RegisterTools: book.Register,
	}
}
