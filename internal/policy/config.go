package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/spinegate/internal/model"
)

// Decision strings accepted in policy files.
const (
	DecisionAllow               = "allow"
	DecisionDeny                = "deny"
	DecisionRequireConfirmation = "require_confirmation"
)

// Rule is evaluated in order (first match wins).
type Rule struct {
	ID       string   `yaml:"id"`
	Action   string   `yaml:"action"`
	Roles    []string `yaml:"roles,omitempty"`
	Tenants  []string `yaml:"tenants,omitempty"`
	When     string   `yaml:"when,omitempty"`
	Decision string   `yaml:"decision"`
	Reason   string   `yaml:"reason,omitempty"`
	Message  string   `yaml:"message,omitempty"`
}

// StepUp lists sensitivities that require explicit confirmation.
type StepUp struct {
	Sensitivities []string `yaml:"sensitivities"`
	Message       string   `yaml:"message"`
}

// PolicyConfig holds all configurable policy parameters.
type PolicyConfig struct {
	Default        string   `yaml:"default"`
	AllowedTenants []string `yaml:"allowed_tenants,omitempty"`
	Rules          []Rule   `yaml:"rules"`
	StepUp         StepUp   `yaml:"step_up"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *PolicyConfig {
	return &PolicyConfig{
		Default: DecisionAllow,
		Rules: []Rule{
			{
				ID:       "viewer.read_only",
				Action:   "*",
				Roles:    []string{"viewer"},
				When:     `sensitivity != "low"`,
				Decision: DecisionDeny,
				Reason:   "viewers may only run read-only actions",
			},
			{
				ID:       "support.refund_limit",
				Action:   "payments.refund",
				Roles:    []string{"support"},
				When:     `double(input.amount) > 100.0`,
				Decision: DecisionDeny,
				Reason:   "support agents may refund at most 100",
			},
			{
				ID:       "ops.force_logout.step_up",
				Action:   "ops.force_logout",
				Decision: DecisionRequireConfirmation,
				Message:  "Forcing a logout ends every active session for this user. Confirm to proceed.",
			},
		},
		StepUp: StepUp{
			Sensitivities: []string{string(model.SensHigh)},
			Message:       "This action is high-risk. Confirm to proceed.",
		},
	}
}

// LoadConfig loads policy configuration from a YAML file.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*PolicyConfig, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*PolicyConfig, string, error) {
	if path == "" {
		return DefaultConfig(), emptyHash(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

// ParseConfig decodes YAML over the defaults. Fields absent from the
// document keep their default values.
func ParseConfig(data []byte) (*PolicyConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	return cfg, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// matchGlob matches an action against a rule pattern.
// "*" or empty matches anything, *x* is contains, *x is suffix, x* is prefix,
// exact otherwise. Matching is case-insensitive.
func matchGlob(pattern, action string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerAction := strings.ToLower(action)
	lowerPattern := strings.ToLower(pattern)

	if strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		return strings.Contains(lowerAction, lowerPattern[1:len(lowerPattern)-1])
	}
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerAction, lowerPattern[1:])
	}
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerAction, lowerPattern[:len(lowerPattern)-1])
	}
	return lowerAction == lowerPattern
}

// matchRule checks the static part of a rule: action glob, role and tenant
// membership. The CEL condition is evaluated separately.
func matchRule(rule Rule, actor model.Actor, action string) bool {
	if !matchGlob(rule.Action, action) {
		return false
	}
	if len(rule.Roles) > 0 && !containsFold(rule.Roles, actor.Role) {
		return false
	}
	if len(rule.Tenants) > 0 && !containsFold(rule.Tenants, actor.TenantID) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// parseDecision normalizes a decision string. Fail-closed: unknown -> deny.
func parseDecision(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case DecisionAllow:
		return DecisionAllow
	case DecisionRequireConfirmation:
		return DecisionRequireConfirmation
	default:
		return DecisionDeny
	}
}

// rulePolicyID returns the rule id or a positional fallback.
func rulePolicyID(rule Rule, index int) string {
	if rule.ID != "" {
		return rule.ID
	}
	pattern := strings.Trim(rule.Action, "*.")
	if pattern == "" {
		pattern = "all"
	}
	return fmt.Sprintf("rule.%d.%s", index, pattern)
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# spinegate policy configuration
# Generated by: spinegate init-policy
#
# Evaluation order (cannot be changed):
#   1. Tenant allowlist -> deny when the actor's tenant is not listed
#   2. Rules, first match wins
#   3. Step-up: listed sensitivities require confirmation
#   4. Default decision

# allow | deny. Anything else is treated as deny.
default: allow

# Tenants allowed to run commands. Empty means every tenant.
# allowed_tenants: [acme, globex]

# Rules evaluated in order. First match wins.
# Fields:
#   id: stable identifier reported as policyId
#   action: glob (payments.* = prefix, *refund* = contains, * = any)
#   roles / tenants: optional membership filters (case-insensitive)
#   when: optional CEL expression over actor, action, sensitivity, input
#   decision: allow | deny | require_confirmation
#   reason: message surfaced on deny
#   message: confirmation prompt on require_confirmation
rules:
  - id: viewer.read_only
    action: "*"
    roles: [viewer]
    when: 'sensitivity != "low"'
    decision: deny
    reason: "viewers may only run read-only actions"
  - id: support.refund_limit
    action: payments.refund
    roles: [support]
    when: 'double(input.amount) > 100.0'
    decision: deny
    reason: "support agents may refund at most 100"
  - id: ops.force_logout.step_up
    action: ops.force_logout
    decision: require_confirmation
    message: "Forcing a logout ends every active session for this user. Confirm to proceed."

# Sensitivities that always require explicit confirmation.
step_up:
  sensitivities: [high]
  message: "This action is high-risk. Confirm to proceed."
`
}
