package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/tool"
)

type staticBuilder struct{}

func (staticBuilder) Extract(model.Intent, string) model.Extraction {
	return model.Extraction{Entities: map[string]any{}}
}

func (staticBuilder) Build(model.Intent, model.Extraction) []model.Step {
	return []model.Step{model.Respond{Message: "hi"}}
}

func TestMissing(t *testing.T) {
	got := Missing(map[string]any{"a": "x", "b": "  ", "c": nil}, "a", "b", "c", "d")
	assert.Equal(t, []string{"b", "c", "d"}, got)
	assert.Empty(t, Missing(map[string]any{"a": 1.5}, "a"))
}

func TestValidate(t *testing.T) {
	exec := model.Execute{Action: "payments.refund", ToolName: "refund", Sensitivity: model.SensHigh}

	cases := []struct {
		name    string
		ex      model.Extraction
		steps   []model.Step
		wantErr bool
	}{
		{"ask for missing", model.Extraction{Missing: []string{"amount"}}, AskFor([]string{"amount"}), false},
		{"missing but execute", model.Extraction{Missing: []string{"amount"}}, []model.Step{exec}, true},
		{"missing with extra steps", model.Extraction{Missing: []string{"a"}}, append(AskFor([]string{"a"}), exec), true},
		{"empty", model.Extraction{}, nil, true},
		{"execute last", model.Extraction{}, []model.Step{exec}, false},
		{"respond last", model.Extraction{}, []model.Step{exec, model.Respond{Message: "ok"}}, false},
		{"confirm last", model.Extraction{}, []model.Step{model.Confirm{Prompt: "p", Token: "t"}}, true},
		{"stray ask", model.Extraction{}, []model.Step{model.Ask{Prompt: "?"}, exec}, true},
		{"execute without tool", model.Extraction{}, []model.Step{model.Execute{Action: "x", Sensitivity: model.SensLow}}, true},
		{"bad sensitivity", model.Extraction{}, []model.Step{model.Execute{Action: "x", ToolName: "x", Sensitivity: "extreme"}}, true},
		{"confirm without token", model.Extraction{}, []model.Step{model.Confirm{Prompt: "p"}, exec}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.ex, tc.steps)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAskForCopiesMissing(t *testing.T) {
	missing := []string{"invoice_id"}
	steps := AskFor(missing)
	missing[0] = "mutated"
	ask := steps[0].(model.Ask)
	assert.Equal(t, []string{"invoice_id"}, ask.Missing)
	assert.Contains(t, ask.Prompt, "invoice_id")
}

func TestCatalog(t *testing.T) {
	registered := false
	c, err := NewCatalog(Domain{
		Name:     "greet",
		Patterns: []model.Pattern{{IntentName: "hello", Rule: model.Rule{Kind: model.RuleKeyword, Value: "hello"}, BaseConfidence: 0.5}},
		Builder:  staticBuilder{},
		RegisterTools: func(reg *tool.Registry) error {
			registered = true
			return reg.Register("greet", func(context.Context, tool.Call) model.ToolResult { return model.Succeeded(nil) })
		},
	})
	require.NoError(t, err)

	got := c.Detect("hello there")
	require.Len(t, got, 1)
	assert.Equal(t, "greet", got[0].SpineID)

	_, ok := c.Domain("greet")
	assert.True(t, ok)
	_, ok = c.Domain("nope")
	assert.False(t, ok)

	reg := tool.NewRegistry(0, nil)
	require.NoError(t, c.RegisterTools(reg))
	assert.True(t, registered)
	assert.True(t, reg.Has("greet"))

	extended, err := c.WithPatterns([]model.Pattern{{SpineID: "greet", IntentName: "hello", Rule: model.Rule{Kind: model.RuleKeyword, Value: "hi"}, BaseConfidence: 0.5}})
	require.NoError(t, err)
	assert.Len(t, extended.Detect("hi"), 1)
	assert.Empty(t, c.Detect("hi"), "original catalog is unchanged")

	_, err = c.WithPatterns([]model.Pattern{{SpineID: "ghost", IntentName: "x", Rule: model.Rule{Kind: model.RuleKeyword, Value: "x"}}})
	assert.Error(t, err)
}

func TestCatalogRejectsBadDomains(t *testing.T) {
	_, err := NewCatalog(Domain{Name: "a", Builder: staticBuilder{}}, Domain{Name: "a", Builder: staticBuilder{}})
	assert.Error(t, err)

	_, err = NewCatalog(Domain{Name: "nobuilder"})
	assert.Error(t, err)

	_, err = NewCatalog(Domain{Builder: staticBuilder{}})
	assert.Error(t, err)
}
