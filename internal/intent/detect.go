// Package intent scores candidate intents for free text against a
// domain-supplied pattern set.
package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/spinegate/internal/model"
)

// MaxResults caps the number of intents Detect returns.
const MaxResults = 5

// maxSpanBoost caps the confidence bonus earned by long matches.
const maxSpanBoost = 0.2

type entry struct {
	pattern model.Pattern
	literal string
	re      *regexp.Regexp
}

// Set is a compiled, immutable pattern set.
type Set struct {
	entries []entry
}

// Compile validates patterns and precompiles their rules.
func Compile(patterns []model.Pattern) (*Set, error) {
	s := &Set{entries: make([]entry, 0, len(patterns))}
	for i, p := range patterns {
		e, err := compileEntry(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s/%s): %w", i, p.SpineID, p.IntentName, err)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

func compileEntry(p model.Pattern) (entry, error) {
	if p.SpineID == "" {
		return entry{}, fmt.Errorf("spine is required")
	}
	if p.IntentName == "" {
		return entry{}, fmt.Errorf("intent is required")
	}
	if p.BaseConfidence < 0 || p.BaseConfidence > 1 {
		return entry{}, fmt.Errorf("base_confidence %v outside [0,1]", p.BaseConfidence)
	}
	if strings.TrimSpace(p.Rule.Value) == "" {
		return entry{}, fmt.Errorf("rule value is required")
	}

	e := entry{pattern: p}
	switch p.Rule.Kind {
	case model.RuleKeyword, model.RulePhrase:
		e.literal = Normalize(p.Rule.Value)
		if e.literal == "" {
			return entry{}, fmt.Errorf("rule value %q is empty after normalization", p.Rule.Value)
		}
	case model.RuleRegex:
		re, err := regexp.Compile(p.Rule.Value)
		if err != nil {
			return entry{}, fmt.Errorf("invalid regex: %w", err)
		}
		e.re = re
	default:
		return entry{}, fmt.Errorf("unknown rule kind %q", p.Rule.Kind)
	}
	return e, nil
}

// Patterns returns a copy of the source patterns.
func (s *Set) Patterns() []model.Pattern {
	out := make([]model.Pattern, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.pattern
	}
	return out
}

// Len returns the number of patterns in the set.
func (s *Set) Len() int {
	return len(s.entries)
}

// Detect returns at most MaxResults intents ordered by descending confidence.
// Identical input always yields an identical ordered list.
func (s *Set) Detect(text string) []model.Intent {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	var candidates []model.Intent
	for _, e := range s.entries {
		span, matched, ok := e.match(normalized)
		if !ok {
			continue
		}
		candidates = append(candidates, model.Intent{
			SpineID:    e.pattern.SpineID,
			Name:       e.pattern.IntentName,
			Confidence: score(e.pattern.BaseConfidence, span),
			Match:      fmt.Sprintf("%s:%s", e.pattern.Rule.Kind, matched),
		})
	}

	return rank(candidates)
}

// Detect compiles patterns and runs detection once. Invalid patterns are skipped.
func Detect(text string, patterns []model.Pattern) []model.Intent {
	s := &Set{}
	for _, p := range patterns {
		e, err := compileEntry(p)
		if err != nil {
			continue
		}
		s.entries = append(s.entries, e)
	}
	return s.Detect(text)
}

func (e entry) match(normalized string) (span int, matched string, ok bool) {
	switch e.pattern.Rule.Kind {
	case model.RuleKeyword:
		if strings.Contains(" "+normalized+" ", " "+e.literal+" ") {
			return len(e.literal), e.literal, true
		}
	case model.RulePhrase:
		if strings.Contains(normalized, e.literal) {
			return len(e.literal), e.literal, true
		}
	case model.RuleRegex:
		loc := e.re.FindStringIndex(normalized)
		if loc != nil {
			return loc[1] - loc[0], normalized[loc[0]:loc[1]], true
		}
	}
	return 0, "", false
}

func score(base float64, span int) float64 {
	boost := float64(span) / 100
	if boost > maxSpanBoost {
		boost = maxSpanBoost
	}
	return clamp(base+boost, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rank sorts by descending confidence, keeps the first entry per
// (spine, intent) and truncates to MaxResults. Ties order by spine, intent,
// then match so the result is total.
func rank(candidates []model.Intent) []model.Intent {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.SpineID != b.SpineID {
			return a.SpineID < b.SpineID
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Match < b.Match
	})

	seen := make(map[string]bool, len(candidates))
	out := make([]model.Intent, 0, MaxResults)
	for _, c := range candidates {
		key := c.SpineID + "\x00" + c.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == MaxResults {
			break
		}
	}
	return out
}
