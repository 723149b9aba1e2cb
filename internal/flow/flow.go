// Package flow is the seam between detected intents and the runner: each
// domain supplies a Builder that extracts entities and emits an ordered
// step list.
package flow

import (
	"fmt"
	"strings"

	"github.com/ppiankov/spinegate/internal/model"
)

// Builder turns an intent into a flow. Implementations are pure.
type Builder interface {
	Extract(in model.Intent, text string) model.Extraction
	Build(in model.Intent, ex model.Extraction) []model.Step
}

// Missing returns the names in required that have no usable value in entities.
func Missing(entities map[string]any, required ...string) []string {
	var out []string
	for _, name := range required {
		v, ok := entities[name]
		if !ok || v == nil {
			out = append(out, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			out = append(out, name)
		}
	}
	return out
}

// AskFor builds the single Ask step emitted when entities are missing.
func AskFor(missing []string) []model.Step {
	return []model.Step{model.Ask{
		Prompt:  fmt.Sprintf("Please provide: %s.", strings.Join(missing, ", ")),
		Missing: append([]string(nil), missing...),
	}}
}

// Validate enforces the builder contract: missing entities yield exactly one
// Ask step; otherwise the flow is non-empty, contains no Ask, ends in Execute
// or Respond, and every Execute names an action and a tool.
func Validate(ex model.Extraction, steps []model.Step) error {
	if len(ex.Missing) > 0 {
		if len(steps) != 1 || steps[0].Kind() != model.KindAsk {
			return fmt.Errorf("missing entities %v must produce exactly one ask step", ex.Missing)
		}
		return nil
	}

	if len(steps) == 0 {
		return fmt.Errorf("flow is empty")
	}
	for i, s := range steps {
		switch s := s.(type) {
		case nil:
			return fmt.Errorf("step %d is nil", i)
		case model.Ask:
			return fmt.Errorf("step %d: ask without missing entities", i)
		case model.Execute:
			if s.Action == "" || s.ToolName == "" {
				return fmt.Errorf("step %d: execute requires action and tool", i)
			}
			if _, ok := model.SensRank[s.Sensitivity]; !ok {
				return fmt.Errorf("step %d: unknown sensitivity %q", i, s.Sensitivity)
			}
		case model.Confirm:
			if s.Token == "" {
				return fmt.Errorf("step %d: confirm without token", i)
			}
		}
	}
	last := steps[len(steps)-1].Kind()
	if last != model.KindExecute && last != model.KindRespond {
		return fmt.Errorf("flow must end in execute or respond, ends in %s", last)
	}
	return nil
}
