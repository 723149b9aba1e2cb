// Package command handles one inbound text command end to end: detect the
// intent, build the domain flow, check the builder contract and run it.
package command

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/flow"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/runner"
)

// Context is the caller identity carried by a request.
type Context struct {
	UserID    string            `json:"userId,omitempty"`
	Role      string            `json:"role,omitempty"`
	TenantID  string            `json:"tenantId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Actor converts the request context into the runner's actor.
func (c Context) Actor() model.Actor {
	return model.Actor{
		UserID:    c.UserID,
		Role:      c.Role,
		TenantID:  c.TenantID,
		RequestID: c.RequestID,
		Attrs:     c.Attrs,
	}
}

// Request is the inbound envelope.
type Request struct {
	Text              string  `json:"text"`
	Context           Context `json:"context"`
	ConfirmationToken string  `json:"confirmationToken,omitempty"`
}

// Data is the transcript of a handled command.
type Data struct {
	Intent *model.Intent     `json:"intent,omitempty"`
	Steps  []model.StepView  `json:"steps"`
	Final  model.Final       `json:"final"`
	Halt   runner.HaltReason `json:"halt,omitempty"`
}

// Response is the outbound envelope. Success is false whenever Error is set;
// Data is still present when the runner processed any steps.
type Response struct {
	Success bool         `json:"success"`
	Data    *Data        `json:"data,omitempty"`
	Error   *model.Error `json:"error,omitempty"`
}

// Runner is the subset of *runner.Runner the handler needs.
type Runner interface {
	Run(ctx context.Context, inv runner.Invocation) runner.Result
}

// Handler turns requests into runner invocations.
type Handler struct {
	catalog atomic.Pointer[flow.Catalog]
	runner  Runner
	logger  *zap.Logger
}

// NewHandler builds a Handler over an immutable catalog.
func NewHandler(catalog *flow.Catalog, r Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{runner: r, logger: logger}
	h.catalog.Store(catalog)
	return h
}

// Catalog returns the catalog currently in use.
func (h *Handler) Catalog() *flow.Catalog { return h.catalog.Load() }

// SetCatalog swaps the catalog, e.g. after a pattern file reload. In-flight
// requests keep the catalog they started with.
func (h *Handler) SetCatalog(c *flow.Catalog) { h.catalog.Store(c) }

// Detect ranks intents for text without running anything.
func (h *Handler) Detect(text string) []model.Intent {
	return h.catalog.Load().Detect(text)
}

// Handle processes one request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return failure(model.CodeBadRequest, "text is required")
	}

	catalog := h.catalog.Load()
	intents := catalog.Detect(text)
	if len(intents) == 0 {
		return failure(model.CodeNoIntent, "no matching intent for the request")
	}
	top := intents[0]

	domain, ok := catalog.Domain(top.SpineID)
	if !ok {
		return failure(model.CodeInvalidFlow, "no flow builder for spine "+top.SpineID)
	}
	ex := domain.Builder.Extract(top, text)
	steps := domain.Builder.Build(top, ex)
	if err := flow.Validate(ex, steps); err != nil {
		h.logger.Error("builder broke the flow contract",
			zap.String("spine", top.SpineID),
			zap.String("intent", top.Name),
			zap.Error(err))
		return failure(model.CodeInvalidFlow, err.Error())
	}

	h.logger.Debug("running flow",
		zap.String("spine", top.SpineID),
		zap.String("intent", top.Name),
		zap.Float64("confidence", top.Confidence),
		zap.Int("steps", len(steps)))

	res := h.runner.Run(ctx, runner.Invocation{
		Actor:             req.Context.Actor(),
		Steps:             steps,
		ConfirmationToken: req.ConfirmationToken,
	})

	return Response{
		Success: res.Err == nil,
		Data: &Data{
			Intent: &top,
			Steps:  model.Views(res.Steps),
			Final:  res.Final,
			Halt:   res.Halt,
		},
		Error: res.Err,
	}
}

func failure(code, msg string) Response {
	return Response{Success: false, Error: &model.Error{Code: code, Message: msg}}
}
