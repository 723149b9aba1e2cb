package audit

import (
	"context"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Chain  string `json:"chain,omitempty"`
	Valid  bool   `json:"valid"`
	Events int    `json:"events"`
	Head   string `json:"head,omitempty"`
	Error  string `json:"error,omitempty"`
	// ErrorIndex is the zero-based index of the first broken event, -1 when valid.
	ErrorIndex int `json:"error_index"`
}

// Verify recomputes the chain from genesis. It reports the first event whose
// prev_hash does not match its predecessor or whose stored hash differs from
// the recomputed one.
func Verify(events []Event) VerifyResult {
	prev := GenesisHash
	for i, e := range events {
		if e.PrevHash != prev {
			return VerifyResult{
				Events:     len(events),
				Error:      fmt.Sprintf("prev_hash mismatch: expected %s, got %s", prev, e.PrevHash),
				ErrorIndex: i,
			}
		}
		want, err := Hash(e, prev)
		if err != nil {
			return VerifyResult{Events: len(events), Error: err.Error(), ErrorIndex: i}
		}
		if e.Hash != want {
			return VerifyResult{
				Events:     len(events),
				Error:      fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.Hash),
				ErrorIndex: i,
			}
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, Events: len(events), Head: prev, ErrorIndex: -1}
}

// VerifyChain loads and verifies one chain from a store.
func VerifyChain(ctx context.Context, c Chain, key string) (VerifyResult, error) {
	events, err := c.Events(ctx, key)
	if err != nil {
		return VerifyResult{}, err
	}
	res := Verify(events)
	res.Chain = key
	for i, e := range events {
		if e.Chain != key && res.Valid {
			res.Valid = false
			res.Error = fmt.Sprintf("event %s belongs to chain %q", e.ID, e.Chain)
			res.ErrorIndex = i
			break
		}
	}
	return res, nil
}

// VerifyAll verifies every chain in a store.
func VerifyAll(ctx context.Context, c Chain) ([]VerifyResult, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]VerifyResult, 0, len(keys))
	for _, key := range keys {
		res, err := VerifyChain(ctx, c, key)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", key, err)
		}
		results = append(results, res)
	}
	return results, nil
}
