// Package runner drives a flow's step list through the ask, confirm,
// execute and respond states. It is the only place where a policy decision
// turns into a tool call and where every executed step is audited.
package runner

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/alert"
	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/confirm"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/tool"
)

const tracerName = "github.com/ppiankov/spinegate/internal/runner"

// Policy decides whether an action may run. Implementations must be pure.
type Policy interface {
	Decide(actor model.Actor, action string, sens model.Sensitivity, input map[string]any) model.Decision
}

// Tools invokes a registered tool and never panics.
type Tools interface {
	Run(ctx context.Context, name string, call tool.Call) model.ToolResult
}

// Auditor persists one event per executed step.
type Auditor interface {
	Write(ctx context.Context, e audit.Event) (audit.Event, error)
}

// Alerter receives operator-facing events.
type Alerter interface {
	Dispatch(event alert.AlertEvent)
}

// hasher is implemented by policies that can report the hash of their config.
type hasher interface {
	Hash() string
}

// HaltReason says why a run stopped. Empty means every step ran.
type HaltReason string

const (
	HaltNone      HaltReason = ""
	HaltAsk       HaltReason = "ask"
	HaltConfirm   HaltReason = "confirm"
	HaltDenied    HaltReason = "denied"
	HaltFailed    HaltReason = "failed"
	HaltCancelled HaltReason = "cancelled"
)

// Invocation is one pass over a step list.
type Invocation struct {
	Actor             model.Actor
	Steps             []model.Step
	ConfirmationToken string
}

// Result is the ordered trace of processed steps plus a final summary.
type Result struct {
	Steps []model.Step
	Final model.Final
	Halt  HaltReason
	Err   *model.Error
}

// Config wires a Runner. Policy, Tools and Audit are required.
type Config struct {
	Policy  Policy
	Tools   Tools
	Audit   Auditor
	Ledger  confirm.Ledger
	Alerter Alerter
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Runner executes flows. It holds no per-request state and is safe for
// concurrent use.
type Runner struct {
	policy  Policy
	tools   Tools
	audit   Auditor
	ledger  confirm.Ledger
	alerter Alerter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New validates cfg and builds a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Policy == nil {
		return nil, errors.New("runner: policy is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("runner: tools are required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("runner: audit writer is required")
	}
	r := &Runner{
		policy:  cfg.Policy,
		tools:   cfg.Tools,
		audit:   cfg.Audit,
		ledger:  cfg.Ledger,
		alerter: cfg.Alerter,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r, nil
}

// run carries the state of one invocation.
type run struct {
	*Runner
	inv   Invocation
	trace []model.Step
}

// Run processes inv.Steps in order until one halts or all complete.
func (r *Runner) Run(ctx context.Context, inv Invocation) Result {
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("actor.tenant_id", inv.Actor.TenantID),
		attribute.String("actor.role", inv.Actor.Role),
		attribute.Int("flow.steps", len(inv.Steps)),
		attribute.Bool("flow.confirmation_token", inv.ConfirmationToken != ""),
	))
	defer span.End()

	st := &run{Runner: r, inv: inv, trace: make([]model.Step, 0, len(inv.Steps)+1)}
	res := st.steps(ctx)

	span.SetAttributes(attribute.String("flow.halt", string(res.Halt)))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Code)
	}
	return res
}

func (st *run) steps(ctx context.Context) Result {
	for i, step := range st.inv.Steps {
		switch s := step.(type) {
		case model.Ask:
			st.trace = append(st.trace, s)
			return st.halt(HaltAsk, model.Final{
				Message: s.Prompt,
				Payload: map[string]any{"missing": s.Missing},
			}, nil)

		case model.Confirm:
			st.trace = append(st.trace, s)
			if !tokenMatches(st.inv.ConfirmationToken, s.Token) {
				return st.halt(HaltConfirm, confirmFinal(s), nil)
			}

		case model.Execute:
			if err := ctx.Err(); err != nil {
				st.logger.Info("run cancelled before execute",
					zap.Int("step", i), zap.String("action", s.Action))
				return st.halt(HaltCancelled, model.Final{Message: "cancelled"},
					&model.Error{Code: model.CodeCancelled, Message: err.Error()})
			}
			if res, halted := st.execute(ctx, s); halted {
				return res
			}

		case model.Respond:
			st.trace = append(st.trace, s)

		default:
			return st.halt(HaltFailed, model.Final{Message: "invalid step"},
				&model.Error{Code: model.CodeInvalidFlow, Message: fmt.Sprintf("step %d has unknown type %T", i, step)})
		}
	}
	return st.complete()
}

// tokenMatches is exact, case-sensitive equality. An empty token never matches.
func tokenMatches(supplied, want string) bool {
	return want != "" && supplied == want
}

func confirmFinal(s model.Confirm) model.Final {
	return model.Final{Message: s.Prompt, Payload: map[string]any{"token": s.Token}}
}

func (st *run) halt(reason HaltReason, final model.Final, err *model.Error) Result {
	final.OK = false
	return Result{Steps: st.trace, Final: final, Halt: reason, Err: err}
}

// complete derives the final summary from the last Respond step.
func (st *run) complete() Result {
	final := model.Final{OK: true, Message: "Done."}
	for i := len(st.trace) - 1; i >= 0; i-- {
		if r, ok := st.trace[i].(model.Respond); ok {
			final.Message = r.Message
			final.Payload = r.Payload
			break
		}
	}
	return Result{Steps: st.trace, Final: final, Halt: HaltNone}
}

// execute runs one Execute step. It reports halted=true with the result to
// return when the flow must stop.
func (st *run) execute(ctx context.Context, s model.Execute) (Result, bool) {
	sens := model.ParseSensitivity(string(s.Sensitivity))
	ctx, span := st.tracer.Start(ctx, "runner.execute", trace.WithAttributes(
		attribute.String("action", s.Action),
		attribute.String("tool", s.ToolName),
		attribute.String("sensitivity", string(sens)),
	))
	defer span.End()

	actor := st.inv.Actor
	dec := st.policy.Decide(actor, s.Action, sens, s.Input)
	span.SetAttributes(
		attribute.Bool("policy.allow", dec.Allow),
		attribute.String("policy.id", dec.PolicyID),
	)

	if !dec.Allow {
		st.logger.Info("execute blocked by policy",
			zap.String("action", s.Action),
			zap.String("policy_id", dec.PolicyID),
			zap.String("reason", dec.Reason))
		st.record(ctx, s, sens, audit.OutcomeBlocked, dec.Reason, dec.PolicyID, "")
		span.SetStatus(codes.Error, "policy denied")
		return st.halt(HaltDenied, model.Final{Message: dec.Reason},
			&model.Error{Code: model.CodePolicyDenied, Message: dec.Reason}), true
	}

	confirmed := ""
	if rc := dec.RequireConfirmation; rc != nil {
		step := model.Confirm{Prompt: rc.Message, Token: rc.Token}
		st.trace = append(st.trace, step)
		if !tokenMatches(st.inv.ConfirmationToken, rc.Token) {
			st.issue(ctx, s, rc)
			span.AddEvent("confirmation requested")
			return st.halt(HaltConfirm, confirmFinal(step), nil), true
		}
		if err := st.claim(ctx, rc.Token); err != nil {
			reason, code := "confirmation token already used", model.CodeConfirmationUsed
			if !errors.Is(err, confirm.ErrTokenUsed) {
				reason, code = "confirmation ledger unavailable: "+err.Error(), model.CodePolicyDenied
			}
			st.logger.Warn("confirmation rejected", zap.String("action", s.Action), zap.Error(err))
			st.record(ctx, s, sens, audit.OutcomeBlocked, reason, dec.PolicyID, code)
			span.SetStatus(codes.Error, code)
			return st.halt(HaltDenied, model.Final{Message: reason},
				&model.Error{Code: code, Message: reason}), true
		}
		confirmed = rc.Token
	}

	// A dispatched tool runs to completion and is audited even if the
	// caller goes away.
	detached := context.WithoutCancel(ctx)
	res := st.tools.Run(detached, s.ToolName, tool.Call{Actor: actor, Input: s.Input})
	st.trace = append(st.trace, s)

	outcome, reason := audit.OutcomeSuccess, ""
	if !res.OK {
		outcome, reason = audit.OutcomeFailure, res.Error
	}
	st.settle(detached, confirmed, res)

	auditErr := st.record(detached, s, sens, outcome, reason, dec.PolicyID, tool.ErrorCode(res))
	if auditErr != nil && sens == model.SensHigh {
		msg := "audit record could not be persisted: " + auditErr.Error()
		span.SetStatus(codes.Error, model.CodeAuditFailed)
		return st.halt(HaltFailed, model.Final{Message: msg},
			&model.Error{Code: model.CodeAuditFailed, Message: msg}), true
	}

	if !res.OK {
		code := tool.ErrorCode(res)
		span.SetStatus(codes.Error, code)
		st.logger.Warn("tool failed",
			zap.String("tool", s.ToolName),
			zap.String("code", code),
			zap.String("error", res.Error))
		return st.halt(HaltFailed, model.Final{Message: res.Error},
			&model.Error{Code: code, Message: res.Error}), true
	}

	st.trace = append(st.trace, model.Respond{Message: respondMessage(s, res.Data), Payload: res.Data})
	return Result{}, false
}

func respondMessage(s model.Execute, data any) string {
	if m, ok := data.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("Completed %s.", s.Action)
}

// issue records a pending confirmation. Failures only cost the pending list.
func (st *run) issue(ctx context.Context, s model.Execute, rc *model.Confirmation) {
	if st.ledger == nil {
		return
	}
	err := st.ledger.Issue(ctx, confirm.Record{
		Token:       rc.Token,
		TenantID:    st.inv.Actor.TenantID,
		ActorUserID: st.inv.Actor.UserID,
		Action:      s.Action,
		Message:     rc.Message,
	})
	if err != nil {
		st.logger.Warn("confirmation issue failed", zap.String("action", s.Action), zap.Error(err))
	}
}

func (st *run) claim(ctx context.Context, token string) error {
	if st.ledger == nil {
		return nil
	}
	return st.ledger.Claim(ctx, token)
}

// settle releases a claimed token after a clean failure so the caller can
// retry. Success, timeouts and panics consume it.
func (st *run) settle(ctx context.Context, token string, res model.ToolResult) {
	if st.ledger == nil || token == "" {
		return
	}
	consume := !tool.Retryable(res)
	var err error
	if consume {
		err = st.ledger.Consume(ctx, token)
	} else {
		err = st.ledger.Release(ctx, token)
	}
	if err != nil {
		st.logger.Error("confirmation settle failed", zap.Bool("consume", consume), zap.Error(err))
	}
}

// record writes the audit event for an executed step and raises alerts for
// blocked and failed outcomes. The write is detached from caller
// cancellation; its error is returned so high-sensitivity steps fail closed.
func (st *run) record(ctx context.Context, s model.Execute, sens model.Sensitivity, outcome audit.Outcome, reason, policyID, code string) error {
	actor := st.inv.Actor
	e := audit.Event{
		TenantID:     actor.TenantID,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		RequestID:    actor.RequestID,
		Action:       s.Action,
		Sensitivity:  string(sens),
		InputSummary: s.Input,
		Outcome:      outcome,
		Reason:       reason,
		PolicyID:     policyID,
	}
	if h, ok := st.policy.(hasher); ok {
		e.PolicyHash = h.Hash()
	}

	stored, err := st.audit.Write(context.WithoutCancel(ctx), e)
	if err != nil {
		st.logger.Error("audit write failed",
			zap.String("action", s.Action),
			zap.String("outcome", string(outcome)),
			zap.String("sensitivity", string(sens)),
			zap.Error(err))
		st.alert(e, model.CodeAuditFailed, err.Error())
		return err
	}

	if outcome != audit.OutcomeSuccess {
		st.alert(stored, code, reason)
	}
	return nil
}

func (st *run) alert(e audit.Event, code, reason string) {
	if st.alerter == nil {
		return
	}
	st.alerter.Dispatch(alert.AlertEvent{
		Timestamp:   e.Timestamp,
		RequestID:   e.RequestID,
		TenantID:    e.TenantID,
		ActorUserID: e.ActorUserID,
		Action:      e.Action,
		Sensitivity: e.Sensitivity,
		Outcome:     string(e.Outcome),
		Code:        code,
		Reason:      reason,
		PolicyID:    e.PolicyID,
		PolicyHash:  e.PolicyHash,
	})
}
