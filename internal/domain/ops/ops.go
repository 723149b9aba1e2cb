// Package ops is a demo domain for operator actions: forcing user logouts
// and flipping feature kill switches.
package ops

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/spinegate/internal/flow"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/tool"
)

// Spine is the domain name.
const Spine = "ops"

// Intent names.
const (
	IntentForceLogout = "force_logout"
	IntentKillSwitch  = "kill_switch"
)

// Actions evaluated by the policy engine.
const (
	ActionForceLogout = "ops.force_logout"
	ActionKillSwitch  = "ops.kill_switch"
)

var (
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	userRe    = regexp.MustCompile(`(?i)\buser\s+([a-z0-9._-]+)`)
	featureRe = regexp.MustCompile(`(?i)\b(?:feature|flag)\s+([a-z0-9_.-]+)`)
	stateRe   = regexp.MustCompile(`(?i)\b(on|off|enable|disable|enabled|disabled)\b`)
)

// Patterns is the built-in pattern pack.
func Patterns() []model.Pattern {
	return []model.Pattern{
		{SpineID: Spine, IntentName: IntentForceLogout, Rule: model.Rule{Kind: model.RulePhrase, Value: "force logout"}, BaseConfidence: 0.7},
		{SpineID: Spine, IntentName: IntentForceLogout, Rule: model.Rule{Kind: model.RulePhrase, Value: "log out"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentForceLogout, Rule: model.Rule{Kind: model.RuleKeyword, Value: "logout"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentForceLogout, Rule: model.Rule{Kind: model.RulePhrase, Value: "revoke sessions"}, BaseConfidence: 0.6},
		{SpineID: Spine, IntentName: IntentKillSwitch, Rule: model.Rule{Kind: model.RulePhrase, Value: "kill switch"}, BaseConfidence: 0.75},
		{SpineID: Spine, IntentName: IntentKillSwitch, Rule: model.Rule{Kind: model.RuleRegex, Value: `\b(?:disable|enable) (?:feature|flag)\b`}, BaseConfidence: 0.6},
	}
}

// Builder extracts users, features and switch states.
type Builder struct{}

// Extract pulls entities from the raw text.
func (Builder) Extract(in model.Intent, text string) model.Extraction {
	entities := map[string]any{}
	switch in.Name {
	case IntentForceLogout:
		if email := emailRe.FindString(text); email != "" {
			entities["user"] = strings.ToLower(email)
		} else if m := userRe.FindStringSubmatch(text); m != nil {
			entities["user"] = strings.ToLower(m[1])
		}
		return model.Extraction{Entities: entities, Missing: flow.Missing(entities, "user")}
	case IntentKillSwitch:
		if m := featureRe.FindStringSubmatch(text); m != nil {
			entities["feature"] = strings.ToLower(m[1])
		}
		if m := stateRe.FindStringSubmatch(text); m != nil {
			entities["state"] = normalizeState(m[1])
		}
		return model.Extraction{Entities: entities, Missing: flow.Missing(entities, "feature", "state")}
	default:
		return model.Extraction{Entities: entities}
	}
}

func normalizeState(s string) string {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled":
		return "on"
	default:
		return "off"
	}
}

// Build emits the flow for an intent.
func (Builder) Build(in model.Intent, ex model.Extraction) []model.Step {
	if len(ex.Missing) > 0 {
		return flow.AskFor(ex.Missing)
	}
	switch in.Name {
	case IntentForceLogout:
		return []model.Step{model.Execute{
			Action:      ActionForceLogout,
			Sensitivity: model.SensMedium,
			ToolName:    "force_logout",
			Input:       map[string]any{"user": ex.Entities["user"]},
		}}
	case IntentKillSwitch:
		return []model.Step{
			model.Execute{
				Action:      ActionKillSwitch,
				Sensitivity: model.SensHigh,
				ToolName:    "kill_switch",
				Input: map[string]any{
					"feature": ex.Entities["feature"],
					"state":   ex.Entities["state"],
				},
			},
			model.Respond{Message: "Kill switch change recorded; propagation may take up to a minute."},
		}
	default:
		return []model.Step{model.Respond{Message: "No ops flow for intent " + in.Name + "."}}
	}
}

// Console holds session and feature flag state for the demo tools.
type Console struct {
	mu       sync.Mutex
	sessions map[string]int
	flags    map[string]bool
}

// NewConsole seeds active session counts per user and flag states.
func NewConsole(sessions map[string]int, flags map[string]bool) *Console {
	c := &Console{sessions: map[string]int{}, flags: map[string]bool{}}
	for k, v := range sessions {
		c.sessions[k] = v
	}
	for k, v := range flags {
		c.flags[k] = v
	}
	return c
}

// DemoConsole returns the state used by the CLI demo.
func DemoConsole() *Console {
	return NewConsole(
		map[string]int{"alice@example.com": 3, "bob@example.com": 1},
		map[string]bool{"checkout": true, "search": true},
	)
}

// Register installs the force_logout and kill_switch tools.
func (c *Console) Register(reg *tool.Registry) error {
	if err := reg.Register("force_logout", c.forceLogout,
		tool.WithSchema(`{"type":"object","required":["user"],"properties":{"user":{"type":"string","minLength":1}}}`),
		tool.WithDescription("Revoke every session of a user")); err != nil {
		return err
	}
	return reg.Register("kill_switch", c.killSwitch,
		tool.WithSchema(`{"type":"object","required":["feature","state"],"properties":{"feature":{"type":"string","minLength":1},"state":{"enum":["on","off"]}}}`),
		tool.WithDescription("Turn a feature on or off"))
}

func (c *Console) forceLogout(_ context.Context, call tool.Call) model.ToolResult {
	user, _ := call.Input["user"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.sessions[user]
	if !ok {
		return model.Failed(fmt.Sprintf("user %s has no sessions", user))
	}
	c.sessions[user] = 0
	return model.Succeeded(map[string]any{
		"message":          fmt.Sprintf("Revoked %d session(s) for %s.", n, user),
		"user":             user,
		"revoked_sessions": n,
	})
}

func (c *Console) killSwitch(_ context.Context, call tool.Call) model.ToolResult {
	feature, _ := call.Input["feature"].(string)
	state, _ := call.Input["state"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.flags[feature]; !ok {
		return model.Failed(fmt.Sprintf("unknown feature %s", feature))
	}
	c.flags[feature] = state == "on"
	return model.Succeeded(map[string]any{
		"message": fmt.Sprintf("Feature %s is now %s.", feature, state),
		"feature": feature,
		"state":   state,
	})
}

// Flags returns a sorted snapshot of flag names that are on.
func (c *Console) Flags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var on []string
	for k, v := range c.flags {
		if v {
			on = append(on, k)
		}
	}
	sort.Strings(on)
	return on
}

// Domain wires the builder, patterns and tools backed by console.
func Domain(console *Console) flow.Domain {
	return flow.Domain{
		Name:          Spine,
		Patterns:      Patterns(),
		Builder:       Builder{},
		RegisterTools: console.Register,
	}
}
