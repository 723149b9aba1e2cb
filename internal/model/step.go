package model

import "encoding/json"

// StepKind names the runner state a step drives.
type StepKind string

const (
	KindAsk     StepKind = "ask"
	KindConfirm StepKind = "confirm"
	KindExecute StepKind = "execute"
	KindRespond StepKind = "respond"
)

// IsTerminal reports whether a step of this kind always ends the current call.
func (k StepKind) IsTerminal() bool {
	return k == KindAsk
}

// AllowsSideEffects reports whether the step may invoke a tool.
func (k StepKind) AllowsSideEffects() bool {
	return k == KindExecute
}

// Step is one node of a flow. The set of implementations is closed:
// Ask, Confirm, Execute and Respond.
type Step interface {
	Kind() StepKind
	step()
}

// Ask halts the flow and requests missing input.
type Ask struct {
	Prompt  string   `json:"prompt"`
	Missing []string `json:"missing"`
}

// Confirm halts the flow unless the caller echoes Token exactly.
type Confirm struct {
	Prompt string `json:"prompt"`
	Token  string `json:"token"`
}

// Execute invokes a registered tool after a policy check.
type Execute struct {
	Action      string         `json:"action"`
	Sensitivity Sensitivity    `json:"sensitivity"`
	ToolName    string         `json:"toolName"`
	Input       map[string]any `json:"input"`
}

// Respond carries an informational message.
type Respond struct {
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

func (Ask) Kind() StepKind     { return KindAsk }
func (Confirm) Kind() StepKind { return KindConfirm }
func (Execute) Kind() StepKind { return KindExecute }
func (Respond) Kind() StepKind { return KindRespond }

func (Ask) step()     {}
func (Confirm) step() {}
func (Execute) step() {}
func (Respond) step() {}

// StepView is the flat wire form of a Step.
type StepView struct {
	Type        StepKind       `json:"type"`
	Prompt      string         `json:"prompt,omitempty"`
	Missing     []string       `json:"missing,omitempty"`
	Token       string         `json:"token,omitempty"`
	Action      string         `json:"action,omitempty"`
	Sensitivity Sensitivity    `json:"sensitivity,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Message     string         `json:"message,omitempty"`
	Payload     any            `json:"payload,omitempty"`
}

// View flattens a Step into its wire form.
func View(s Step) StepView {
	switch s := s.(type) {
	case Ask:
		return StepView{Type: KindAsk, Prompt: s.Prompt, Missing: s.Missing}
	case Confirm:
		return StepView{Type: KindConfirm, Prompt: s.Prompt, Token: s.Token}
	case Execute:
		return StepView{
			Type:        KindExecute,
			Action:      s.Action,
			Sensitivity: s.Sensitivity,
			ToolName:    s.ToolName,
			Input:       s.Input,
		}
	case Respond:
		return StepView{Type: KindRespond, Message: s.Message, Payload: s.Payload}
	default:
		return StepView{}
	}
}

// Views flattens a step list.
func Views(steps []Step) []StepView {
	out := make([]StepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, View(s))
	}
	return out
}

// MarshalSteps renders a step list as JSON.
func MarshalSteps(steps []Step) ([]byte, error) {
	return json.Marshal(Views(steps))
}
