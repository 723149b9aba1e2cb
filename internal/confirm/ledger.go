// Package confirm tracks issued confirmation tokens and makes each
// confirmation cycle execute at most once.
//
// A token moves pending -> claimed -> consumed. Claim happens before the
// confirmed tool runs; a clean failure releases the claim back to pending so
// the caller can retry, any other outcome consumes it. Consumed is terminal:
// issuing the same token again leaves it consumed, so repeating an identical
// action needs a fresh request id.
package confirm

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a confirmation token.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusConsumed Status = "consumed"
)

// IsTerminal reports whether the token can no longer be claimed.
func (s Status) IsTerminal() bool {
	return s == StatusConsumed
}

var (
	// ErrTokenUsed is returned when a token is already claimed or consumed.
	ErrTokenUsed = errors.New("confirm: token already used")
	// ErrNotFound is returned when releasing or consuming an unknown or unclaimed token.
	ErrNotFound = errors.New("confirm: token not claimed")
)

// Record is one issued confirmation.
type Record struct {
	Token       string     `json:"token"`
	Status      Status     `json:"status"`
	TenantID    string     `json:"tenant_id,omitempty"`
	ActorUserID string     `json:"actor_user_id,omitempty"`
	Action      string     `json:"action,omitempty"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (r Record) expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Ledger records issued tokens and enforces single use.
//
// Claim on a token the ledger has never seen succeeds: tokens are
// authenticated by the policy engine, the ledger only guards reuse.
type Ledger interface {
	Issue(ctx context.Context, rec Record) error
	Claim(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
	Consume(ctx context.Context, token string) error
	// List returns unexpired pending records, oldest first.
	List(ctx context.Context) ([]Record, error)
}

// Option configures a ledger.
type Option func(*options)

type options struct {
	window    time.Duration
	retention time.Duration
	now       func() time.Time
}

// DefaultRetention is how long a shared ledger remembers consumed tokens.
const DefaultRetention = 30 * 24 * time.Hour

func buildOptions(opts []Option) options {
	o := options{window: 15 * time.Minute, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithWindow sets how long a pending token is listed. Zero keeps it forever.
func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithRetention sets how long a consumed token is remembered by ledgers that
// expire keys. Zero keeps consumed tokens forever.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// issued builds the pending form of rec at now.
func (o options) issued(rec Record, prev *Record) Record {
	now := o.now().UTC()
	rec.Status = StatusPending
	rec.CreatedAt = now
	if prev != nil && prev.Status == StatusPending && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = nil
	if o.window > 0 {
		exp := now.Add(o.window)
		rec.ExpiresAt = &exp
	}
	return rec
}
