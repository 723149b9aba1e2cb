// Package audit records every terminal policy decision as a hash-chained
// event. Each event's hash covers its canonical JSON and the previous hash,
// so editing, deleting or reordering any stored event breaks the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first event in every chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Outcome is the terminal result of an EXECUTE step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// Event is one record in an audit chain.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"ts"`
	TenantID     string         `json:"tenant_id,omitempty"`
	ActorUserID  string         `json:"actor_user_id,omitempty"`
	ActorRole    string         `json:"actor_role,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Action       string         `json:"action"`
	Sensitivity  string         `json:"sensitivity,omitempty"`
	InputSummary map[string]any `json:"input_summary,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	Reason       string         `json:"reason,omitempty"`
	PolicyID     string         `json:"policy_id,omitempty"`
	PolicyHash   string         `json:"policy_hash,omitempty"`
	Chain        string         `json:"chain"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
}

// ErrChainConflict is returned when a chain head moved underneath an append
// and retries were exhausted.
var ErrChainConflict = errors.New("audit: chain head conflict")

// Chain is an append-only store of hash-linked events, partitioned by key.
// Append reads the head, links the event and stores it as one atomic step.
type Chain interface {
	Append(ctx context.Context, key string, e Event) (Event, error)
	Events(ctx context.Context, key string) ([]Event, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Canonical returns the RFC 8785 canonical JSON of the event with PrevHash
// and Hash cleared.
func Canonical(e Event) ([]byte, error) {
	e.PrevHash = ""
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal event: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize event: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" of canonical(e) followed by prev.
func Hash(e Event, prev string) (string, error) {
	canonical, err := Canonical(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prev))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// link sets Chain, PrevHash and Hash on e.
func link(e Event, key, prev string) (Event, error) {
	e.Chain = key
	e.PrevHash = prev
	hash, err := Hash(e, prev)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash
	return e, nil
}
