package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/redact"
)

// ChainMode selects how events are partitioned into chains.
type ChainMode string

const (
	ChainPerTenant ChainMode = "per_tenant"
	ChainGlobal    ChainMode = "global"
)

// GlobalKey is the chain used in global mode and for events without a tenant.
const GlobalKey = "global"

// ParseChainMode accepts "per_tenant" or "global"; anything else is an error.
func ParseChainMode(s string) (ChainMode, error) {
	switch ChainMode(s) {
	case ChainPerTenant, "":
		return ChainPerTenant, nil
	case ChainGlobal:
		return ChainGlobal, nil
	default:
		return "", fmt.Errorf("audit: unknown chain mode %q", s)
	}
}

// ChainKey returns the chain an event for tenant belongs to.
func ChainKey(mode ChainMode, tenant string) string {
	if mode == ChainGlobal || tenant == "" {
		return GlobalKey
	}
	return "tenant:" + tenant
}

// Writer stamps, redacts and appends events to a Chain.
type Writer struct {
	chain    Chain
	mode     ChainMode
	redactor *redact.Redactor
	now      func() time.Time
	logger   *zap.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithChainMode sets the partitioning mode. Default is per tenant.
func WithChainMode(mode ChainMode) WriterOption {
	return func(w *Writer) { w.mode = mode }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *redact.Redactor) WriterOption {
	return func(w *Writer) { w.redactor = r }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter creates a Writer over chain.
func NewWriter(chain Chain, opts ...WriterOption) *Writer {
	w := &Writer{
		chain:    chain,
		mode:     ChainPerTenant,
		redactor: redact.New(nil, true),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Mode returns the partitioning mode.
func (w *Writer) Mode() ChainMode { return w.mode }

// Write fills in id and timestamp when absent, redacts the input summary and
// appends the event. The returned event carries its chain, prev_hash and hash.
func (w *Writer) Write(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = w.now().UTC().Format(TimestampFormat)
	}
	e.InputSummary = w.redactor.Map(e.InputSummary)

	key := ChainKey(w.mode, e.TenantID)
	stored, err := w.chain.Append(ctx, key, e)
	if err != nil {
		w.logger.Error("audit append failed",
			zap.String("chain", key),
			zap.String("action", e.Action),
			zap.String("outcome", string(e.Outcome)),
			zap.Error(err))
		return Event{}, fmt.Errorf("audit: append to %s: %w", key, err)
	}
	w.logger.Debug("audit event recorded",
		zap.String("chain", key),
		zap.String("id", stored.ID),
		zap.String("outcome", string(stored.Outcome)),
		zap.String("hash", stored.Hash))
	return stored, nil
}
