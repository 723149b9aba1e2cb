package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred  PatternType = "CRED"
	PatternEmail PatternType = "EMAIL"
	PatternIP    PatternType = "IP"
	PatternCard  PatternType = "CARD"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

type detector struct {
	typ   PatternType
	re    *regexp.Regexp
	valid func(string) bool
}

// detectors run in order; a value claimed by an earlier detector is not
// reported again.
var detectors = []detector{
	{typ: PatternCred, re: regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+`)},
	{typ: PatternEmail, re: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},
	{typ: PatternIP, re: regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), valid: routableIP},
	{typ: PatternCard, re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), valid: luhn},
}

func routableIP(s string) bool {
	switch s {
	case "127.0.0.1", "0.0.0.0", "255.255.255.255":
		return false
	}
	return true
}

// luhn keeps card detection from firing on amounts and long invoice ids.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

// Scan finds sensitive patterns in text, deduplicated by value and ordered
// by position.
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			v := strings.TrimRight(text[loc[0]:loc[1]], ".,;:\"'`)}]")
			if v == "" || seen[v] || (d.valid != nil && !d.valid(v)) {
				continue
			}
			seen[v] = true
			matches = append(matches, Match{Type: d.typ, Value: v, Start: loc[0], End: loc[0] + len(v)})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// MaskText replaces every match in text with a <<TYPE>> marker. Longer
// values go first so overlapping matches collapse cleanly.
func MaskText(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	sort.SliceStable(matches, func(i, j int) bool { return len(matches[i].Value) > len(matches[j].Value) })
	for _, m := range matches {
		text = strings.ReplaceAll(text, m.Value, "<<"+string(m.Type)+">>")
	}
	return text
}
