package spinegate

import (
	"fmt"
	"time"

	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/confirm"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/runner"
)

// Wire types shared with the server.
type (
	Request      = command.Request
	Context      = command.Context
	Response     = command.Response
	Data         = command.Data
	Intent       = model.Intent
	StepView     = model.StepView
	Final        = model.Final
	Error        = model.Error
	Record       = confirm.Record
	VerifyResult = audit.VerifyResult
)

// Halt reasons reported in Data.Halt.
const (
	HaltAsk       = runner.HaltAsk
	HaltConfirm   = runner.HaltConfirm
	HaltDenied    = runner.HaltDenied
	HaltFailed    = runner.HaltFailed
	HaltCancelled = runner.HaltCancelled
)

// Verification is the result of GET /v1/audit/verify.
type Verification struct {
	Valid  bool           `json:"valid"`
	Chains []VerifyResult `json:"chains"`
}

// StatusError is a non-envelope HTTP failure.
type StatusError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("spinegate: http %d", e.Status)
	}
	return fmt.Sprintf("spinegate: http %d: %s: %s", e.Status, e.Code, e.Message)
}

// ConfirmationToken returns the token of a response halted for confirmation.
func ConfirmationToken(resp Response) (string, bool) {
	if resp.Data == nil || resp.Data.Halt != HaltConfirm {
		return "", false
	}
	payload, ok := resp.Data.Final.Payload.(map[string]any)
	if !ok {
		return "", false
	}
	token, ok := payload["token"].(string)
	return token, ok && token != ""
}
