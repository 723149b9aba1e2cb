// Package tool maps tool names to side-effecting functions and normalizes
// their outcomes into model.ToolResult.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/model"
)

// Failure strings carried in ToolResult.Error.
const (
	ErrNotFound     = "tool_not_found"
	ErrTimeout      = "tool_timeout"
	ErrInvalidInput = "invalid_input"
	ErrPanic        = "panic"
)

// DefaultTimeout bounds a tool call when neither the tool nor the registry
// sets one.
const DefaultTimeout = 10 * time.Second

// Call is the input handed to a tool.
type Call struct {
	Actor model.Actor
	Input map[string]any
}

// Func performs the side effect. Returning a failed result is the normal
// way to report errors; panics are recovered by the registry.
type Func func(ctx context.Context, call Call) model.ToolResult

// Info describes a registered tool.
type Info struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	HasSchema   bool          `json:"hasSchema"`
}

type entry struct {
	fn          Func
	description string
	timeout     time.Duration
	schema      *jsonschema.Schema
	schemaSrc   string
}

// Option configures a single registration.
type Option func(*entry)

// WithTimeout overrides the registry default for one tool.
func WithTimeout(d time.Duration) Option {
	return func(e *entry) { e.timeout = d }
}

// WithSchema attaches a JSON Schema (draft 2020-12) the input must satisfy.
func WithSchema(schema string) Option {
	return func(e *entry) { e.schemaSrc = schema }
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) Option {
	return func(e *entry) { e.description = desc }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*entry
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewRegistry creates an empty registry. A zero timeout selects DefaultTimeout.
func NewRegistry(defaultTimeout time.Duration, logger *zap.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:          make(map[string]*entry),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(name string, fn Func, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return fmt.Errorf("tool %q: nil function", name)
	}

	e := &entry{fn: fn}
	for _, opt := range opts {
		opt(e)
	}
	if e.schemaSrc != "" {
		compiled, err := compileSchema(name, e.schemaSrc)
		if err != nil {
			return err
		}
		e.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = e
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://spinegate.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("tool %q schema load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q schema compile failed: %w", name, err)
	}
	return compiled, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tools))
	for name, e := range r.tools {
		timeout := e.timeout
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		out = append(out, Info{
			Name:        name,
			Description: e.description,
			Timeout:     timeout,
			HasSchema:   e.schema != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run invokes the named tool. It never panics and never returns an error:
// every failure is a ToolResult with OK=false.
func (r *Registry) Run(ctx context.Context, name string, call Call) model.ToolResult {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return model.Failed(ErrNotFound)
	}

	if e.schema != nil {
		if err := validate(e.schema, call.Input); err != nil {
			return model.Failed(fmt.Sprintf("%s: %v", ErrInvalidInput, err))
		}
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan model.ToolResult, 1)
	go func() {
		done <- r.invoke(ctx, name, e.fn, call)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		r.logger.Warn("tool timed out", zap.String("tool", name), zap.Duration("timeout", timeout))
		return model.Failed(ErrTimeout)
	}
}

func (r *Registry) invoke(ctx context.Context, name string, fn Func, call Call) (res model.ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", p))
			res = model.Failed(fmt.Sprintf("%s: %v", ErrPanic, p))
		}
	}()
	res = fn(ctx, call)
	if !res.OK && res.Error == "" {
		res.Error = "tool reported failure"
	}
	return res
}

// validate checks input against a schema using its JSON form so Go-typed
// values (ints, structs) validate the same way decoded JSON does.
func validate(schema *jsonschema.Schema, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("input is not JSON-encodable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// Retryable reports whether a failed call ended cleanly: the tool was never
// started or returned its own failure. Timeouts and panics are not
// retryable because the tool may still be running or may have stopped
// half way through a side effect.
func Retryable(res model.ToolResult) bool {
	if res.OK {
		return false
	}
	return res.Error != ErrTimeout && !strings.HasPrefix(res.Error, ErrPanic+": ")
}

// ErrorCode maps a failed ToolResult to a response error code.
func ErrorCode(res model.ToolResult) string {
	switch {
	case res.OK:
		return ""
	case res.Error == ErrNotFound:
		return model.CodeToolNotFound
	case res.Error == ErrTimeout:
		return model.CodeToolTimeout
	case strings.HasPrefix(res.Error, ErrInvalidInput):
		return model.CodeInvalidInput
	default:
		return model.CodeToolFailed
	}
}
