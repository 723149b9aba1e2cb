package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	"github.com/ppiankov/spinegate/internal/model"
)

// TokenPrefix marks confirmation tokens.
const TokenPrefix = "ct_"

type compiledRule struct {
	rule     Rule
	decision string
	program  cel.Program
}

type snapshot struct {
	cfg      *PolicyConfig
	hash     string
	rules    []compiledRule
	stepUp   map[model.Sensitivity]bool
	tenants  []string
	fallback string
}

// Engine evaluates actions against a policy snapshot. Decide is pure and
// safe for concurrent use; Reload swaps the snapshot atomically.
type Engine struct {
	path   string
	secret []byte
	env    *cel.Env
	state  atomic.Pointer[snapshot]
}

// NewEngine builds an engine from an in-memory config.
func NewEngine(cfg *PolicyConfig, secret []byte) (*Engine, error) {
	e, err := newEngine("", secret)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	snap, err := e.compile(cfg, "")
	if err != nil {
		return nil, err
	}
	e.state.Store(snap)
	return e, nil
}

// Load builds an engine from a YAML file. A missing file yields defaults.
func Load(path string, secret []byte) (*Engine, error) {
	e, err := newEngine(path, secret)
	if err != nil {
		return nil, err
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

func newEngine(path string, secret []byte) (*Engine, error) {
	if len(secret) == 0 {
		return nil, errors.New("confirmation secret is required")
	}
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("sensitivity", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{path: path, secret: append([]byte(nil), secret...), env: env}, nil
}

// Reload re-reads the policy file. On error the previous snapshot stays active.
func (e *Engine) Reload() error {
	cfg, hash, err := LoadConfigWithHash(e.path)
	if err != nil {
		return err
	}
	snap, err := e.compile(cfg, hash)
	if err != nil {
		return err
	}
	e.state.Store(snap)
	return nil
}

// Path returns the policy file path, empty for in-memory engines.
func (e *Engine) Path() string { return e.path }

// Hash returns the SHA-256 of the active policy file.
func (e *Engine) Hash() string { return e.state.Load().hash }

// Config returns the active configuration. Callers must not mutate it.
func (e *Engine) Config() *PolicyConfig { return e.state.Load().cfg }

func (e *Engine) compile(cfg *PolicyConfig, hash string) (*snapshot, error) {
	snap := &snapshot{
		cfg:      cfg,
		hash:     hash,
		stepUp:   make(map[model.Sensitivity]bool),
		tenants:  cfg.AllowedTenants,
		fallback: parseDecision(cfg.Default),
	}
	if snap.fallback == DecisionRequireConfirmation {
		snap.fallback = DecisionDeny
	}
	for _, s := range cfg.StepUp.Sensitivities {
		snap.stepUp[model.ParseSensitivity(s)] = true
	}

	for i, rule := range cfg.Rules {
		cr := compiledRule{rule: rule, decision: parseDecision(rule.Decision)}
		if rule.When != "" {
			ast, issues := e.env.Compile(rule.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rule %s: compile: %w", rulePolicyID(rule, i), issues.Err())
			}
			prg, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("rule %s: program: %w", rulePolicyID(rule, i), err)
			}
			cr.program = prg
		}
		snap.rules = append(snap.rules, cr)
	}
	return snap, nil
}

// Decide evaluates an action.
//
// Evaluation order (must not be changed):
//  1. Tenant allowlist -> deny
//  2. Rules, first match wins; a failing CEL condition denies
//  3. Step-up sensitivities -> require confirmation
//  4. Default decision
func (e *Engine) Decide(actor model.Actor, action string, sens model.Sensitivity, input map[string]any) model.Decision {
	snap := e.state.Load()

	// Step 1: tenant allowlist
	if len(snap.tenants) > 0 && !containsFold(snap.tenants, actor.TenantID) {
		return model.Decision{
			Allow:    false,
			Reason:   fmt.Sprintf("tenant %q is not allowed", actor.TenantID),
			PolicyID: "tenant.allowlist",
		}
	}

	// Step 2: rules
	for i, cr := range snap.rules {
		if !matchRule(cr.rule, actor, action) {
			continue
		}
		id := rulePolicyID(cr.rule, i)
		if cr.program != nil {
			ok, err := evalCondition(cr.program, actor, action, sens, input)
			if err != nil {
				return model.Decision{
					Allow:    false,
					Reason:   fmt.Sprintf("policy condition failed: %v", err),
					PolicyID: id,
				}
			}
			if !ok {
				continue
			}
		}
		return e.decision(cr.decision, cr.rule.Reason, cr.rule.Message, id, actor, action, input)
	}

	// Step 3: sensitivity step-up
	if snap.stepUp[sens] {
		return e.decision(DecisionRequireConfirmation, "", snap.cfg.StepUp.Message,
			"step_up."+string(sens), actor, action, input)
	}

	// Step 4: default
	return e.decision(snap.fallback, "", "", "default", actor, action, input)
}

func (e *Engine) decision(kind, reason, message, id string, actor model.Actor, action string, input map[string]any) model.Decision {
	switch kind {
	case DecisionAllow:
		if reason == "" {
			reason = "allowed by " + id
		}
		return model.Decision{Allow: true, Reason: reason, PolicyID: id}
	case DecisionRequireConfirmation:
		token, err := e.Token(actor, action, input)
		if err != nil {
			return model.Decision{Allow: false, Reason: err.Error(), PolicyID: id}
		}
		if message == "" {
			message = fmt.Sprintf("Confirm %s to proceed.", action)
		}
		if reason == "" {
			reason = "confirmation required by " + id
		}
		return model.Decision{
			Allow:               true,
			Reason:              reason,
			RequireConfirmation: &model.Confirmation{Message: message, Token: token},
			PolicyID:            id,
		}
	default:
		if reason == "" {
			reason = fmt.Sprintf("%s denied by %s", action, id)
		}
		return model.Decision{Allow: false, Reason: reason, PolicyID: id}
	}
}

func evalCondition(prg cel.Program, actor model.Actor, action string, sens model.Sensitivity, input map[string]any) (bool, error) {
	if input == nil {
		input = map[string]any{}
	}
	attrs := map[string]any{}
	for k, v := range actor.Attrs {
		attrs[k] = v
	}
	out, _, err := prg.Eval(map[string]any{
		"actor": map[string]any{
			"user_id":   actor.UserID,
			"role":      actor.Role,
			"tenant_id": actor.TenantID,
			"attrs":     attrs,
		},
		"action":      action,
		"sensitivity": string(sens),
		"input":       input,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

type tokenSubject struct {
	Tenant  string         `json:"tenant"`
	Actor   string         `json:"actor"`
	Role    string         `json:"role"`
	Request string         `json:"request,omitempty"`
	Action  string         `json:"action"`
	Input   map[string]any `json:"input"`
}

// Token derives the confirmation token for an action: a keyed hash over the
// canonical JSON of tenant, actor, role, request id, action and input. The
// same logical action always yields the same token.
func (e *Engine) Token(actor model.Actor, action string, input map[string]any) (string, error) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(tokenSubject{
		Tenant:  actor.TenantID,
		Actor:   actor.UserID,
		Role:    actor.Role,
		Request: actor.RequestID,
		Action:  action,
		Input:   input,
	})
	if err != nil {
		return "", fmt.Errorf("cannot canonicalize input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("cannot canonicalize input: %w", err)
	}
	mac := hmac.New(sha256.New, e.secret)
	mac.Write(canonical)
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
