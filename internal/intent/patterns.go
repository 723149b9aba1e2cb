package intent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/spinegate/internal/model"
)

// Pack is a YAML pattern pack for one spine.
//
//	spine: payments
//	patterns:
//	  - intent: refund
//	    rule: {kind: keyword, value: refund}
//	    base_confidence: 0.7
type Pack struct {
	Spine    string          `yaml:"spine"`
	Patterns []model.Pattern `yaml:"patterns"`
}

// ParsePatterns decodes and validates a pattern pack. Patterns without an
// explicit spine inherit the pack's spine.
func ParsePatterns(data []byte) ([]model.Pattern, error) {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse pattern pack: %w", err)
	}

	out := make([]model.Pattern, 0, len(pack.Patterns))
	for _, p := range pack.Patterns {
		if p.SpineID == "" {
			p.SpineID = pack.Spine
		}
		out = append(out, p)
	}

	if _, err := Compile(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadPatterns reads pattern packs from disk and concatenates them in order.
func LoadPatterns(paths ...string) ([]model.Pattern, error) {
	var all []model.Pattern
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pattern pack %s: %w", path, err)
		}
		patterns, err := ParsePatterns(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, patterns...)
	}
	return all, nil
}
