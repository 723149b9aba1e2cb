package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/model"
)

// --- Input/Output types ---

// CommandInput defines parameters for the spinegate_command tool.
type CommandInput struct {
	Text              string `json:"text" jsonschema:"the command, e.g. refund inv_1001 $20"`
	UserID            string `json:"user_id,omitempty" jsonschema:"acting user id"`
	Role              string `json:"role,omitempty" jsonschema:"acting user role"`
	TenantID          string `json:"tenant_id,omitempty" jsonschema:"tenant id"`
	RequestID         string `json:"request_id,omitempty" jsonschema:"request id; must match between the confirming calls"`
	ConfirmationToken string `json:"confirmation_token,omitempty" jsonschema:"token from a previous confirm step"`
}

// CommandOutput is the transcript of a handled command.
type CommandOutput struct {
	Success      bool             `json:"success"`
	Intent       string           `json:"intent,omitempty"`
	Halt         string           `json:"halt,omitempty"`
	Steps        []model.StepView `json:"steps"`
	Message      string           `json:"message,omitempty"`
	Token        string           `json:"token,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// DetectInput defines parameters for the spinegate_detect tool.
type DetectInput struct {
	Text string `json:"text" jsonschema:"text to classify"`
}

// DetectOutput lists ranked intents.
type DetectOutput struct {
	Intents []model.Intent `json:"intents"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists pending confirmations.
type PendingOutput struct {
	Pending []PendingItem `json:"pending"`
}

// PendingItem describes a single pending confirmation.
type PendingItem struct {
	Token     string `json:"token"`
	Action    string `json:"action"`
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"created_at"`
}

// VerifyInput selects a chain.
type VerifyInput struct {
	Chain string `json:"chain,omitempty" jsonschema:"chain key, e.g. tenant:acme; empty verifies all"`
}

// VerifyOutput reports chain integrity.
type VerifyOutput struct {
	Valid  bool                 `json:"valid"`
	Chains []audit.VerifyResult `json:"chains"`
}

// --- Handlers ---

func (s *Server) handleCommand(ctx context.Context, req *mcpsdk.CallToolRequest, input CommandInput) (*mcpsdk.CallToolResult, CommandOutput, error) {
	actor := s.actor
	if input.UserID != "" {
		actor.UserID = input.UserID
	}
	if input.Role != "" {
		actor.Role = input.Role
	}
	if input.TenantID != "" {
		actor.TenantID = input.TenantID
	}
	if input.RequestID != "" {
		actor.RequestID = input.RequestID
	}

	resp := s.app.Handler.Handle(ctx, command.Request{
		Text:              input.Text,
		Context:           actor,
		ConfirmationToken: input.ConfirmationToken,
	})

	out := CommandOutput{Success: resp.Success, Steps: []model.StepView{}}
	if resp.Data != nil {
		if resp.Data.Intent != nil {
			out.Intent = resp.Data.Intent.Name
		}
		out.Halt = string(resp.Data.Halt)
		out.Steps = resp.Data.Steps
		out.Message = resp.Data.Final.Message
		if payload, ok := resp.Data.Final.Payload.(map[string]any); ok {
			out.Token, _ = payload["token"].(string)
		}
	}
	if resp.Error != nil {
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleDetect(ctx context.Context, req *mcpsdk.CallToolRequest, input DetectInput) (*mcpsdk.CallToolResult, DetectOutput, error) {
	intents := s.app.Handler.Detect(input.Text)
	if intents == nil {
		intents = []model.Intent{}
	}
	return nil, DetectOutput{Intents: intents}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.app.Ledger.List(ctx)
	if err != nil {
		return nil, PendingOutput{}, fmt.Errorf("list pending confirmations: %w", err)
	}

	items := make([]PendingItem, len(list))
	for i, r := range list {
		items[i] = PendingItem{
			Token:     r.Token,
			Action:    r.Action,
			TenantID:  r.TenantID,
			UserID:    r.ActorUserID,
			Message:   r.Message,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, PendingOutput{Pending: items}, nil
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	var results []audit.VerifyResult
	if input.Chain != "" {
		res, err := audit.VerifyChain(ctx, s.app.Chain, input.Chain)
		if err != nil {
			return nil, VerifyOutput{}, err
		}
		results = []audit.VerifyResult{res}
	} else {
		all, err := audit.VerifyAll(ctx, s.app.Chain)
		if err != nil {
			return nil, VerifyOutput{}, err
		}
		results = all
	}

	out := VerifyOutput{Valid: true, Chains: append([]audit.VerifyResult{}, results...)}
	for _, r := range results {
		if !r.Valid {
			out.Valid = false
		}
	}
	if !out.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
