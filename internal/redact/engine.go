// Package redact masks sensitive values before they reach the audit chain.
package redact

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DefaultKeys are the keys automatically redacted.
var DefaultKeys = []string{
	"name", "email", "phone", "ssn", "social_security",
	"address", "date_of_birth", "dob", "passport",
	"credit_card", "card_number", "cvv", "password",
	"secret", "token", "api_key", "authorization", "iban",
}

// Mask is the replacement for redacted scalar values.
const Mask = "***"

// MaskValue replaces any non-nil value with "***". Containers are masked
// wholesale.
func MaskValue(v any) any {
	if v == nil {
		return nil
	}
	return Mask
}

// numericCard reports whether a number spells a card number.
func numericCard(v any) bool {
	var digits string
	switch n := v.(type) {
	case int:
		digits = strconv.FormatInt(int64(n), 10)
	case int64:
		digits = strconv.FormatInt(n, 10)
	case uint64:
		digits = strconv.FormatUint(n, 10)
	case float64:
		if n < 0 || n != math.Trunc(n) || n > 1e19 {
			return false
		}
		digits = strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		digits = n.String()
	default:
		return false
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return luhn(digits)
}

// Redactor masks denylisted keys at any depth and scrubs sensitive patterns
// out of remaining string values. Safe for concurrent use.
type Redactor struct {
	keys     map[string]bool
	scanText bool
}

// New creates a Redactor over DefaultKeys plus extraKeys.
func New(extraKeys []string, scanText bool) *Redactor {
	r := &Redactor{keys: make(map[string]bool), scanText: scanText}
	for _, k := range DefaultKeys {
		r.keys[strings.ToLower(k)] = true
	}
	for _, k := range extraKeys {
		if k = strings.TrimSpace(k); k != "" {
			r.keys[strings.ToLower(k)] = true
		}
	}
	return r
}

// Map returns a redacted deep copy of data. The input is never mutated.
func (r *Redactor) Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	result := make(map[string]any, len(data))
	for k, v := range data {
		if r.keys[strings.ToLower(k)] {
			result[k] = MaskValue(v)
			continue
		}
		result[k] = r.value(v)
	}
	return result
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Map(item)
		}
		return out
	case string:
		if r.scanText {
			return MaskText(t)
		}
		return t
	default:
		if numericCard(v) {
			return "<<" + string(PatternCard) + ">>"
		}
		return v
	}
}
