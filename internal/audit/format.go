package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Summary counts events by outcome.
type Summary struct {
	Total          int    `json:"total"`
	SuccessCount   int    `json:"success"`
	FailureCount   int    `json:"failure"`
	BlockedCount   int    `json:"blocked"`
	FirstTimestamp string `json:"first_timestamp,omitempty"`
	LastTimestamp  string `json:"last_timestamp,omitempty"`
}

// Summarize counts outcomes across events.
func Summarize(events []Event) Summary {
	s := Summary{Total: len(events)}
	for _, e := range events {
		switch e.Outcome {
		case OutcomeSuccess:
			s.SuccessCount++
		case OutcomeFailure:
			s.FailureCount++
		case OutcomeBlocked:
			s.BlockedCount++
		}
	}
	if len(events) > 0 {
		s.FirstTimestamp = events[0].Timestamp
		s.LastTimestamp = events[len(events)-1].Timestamp
	}
	return s
}

// FormatTimeline renders a chain as a human-readable text timeline.
func FormatTimeline(chain string, events []Event) string {
	if len(events) == 0 {
		return fmt.Sprintf("Chain: %s | No events found.\n", chain)
	}

	var b strings.Builder

	s := Summarize(events)
	b.WriteString(fmt.Sprintf("Chain: %s | %s–%s UTC\n",
		chain, formatDateRange(s.FirstTimestamp), formatTimeOnly(s.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, e := range events {
		ts := formatTimeOnly(e.Timestamp)
		outcome := strings.ToUpper(string(e.Outcome))
		actor := truncate(e.ActorUserID, 16)
		action := truncate(e.Action, 24)

		tag := ""
		if e.PolicyID != "" {
			tag = "  [" + e.PolicyID + "]"
		}

		b.WriteString(fmt.Sprintf("%-10s %-8s %-16s %-24s%s\n", ts, outcome, actor, action, tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(s))

	return b.String()
}

// FormatJSON renders events as indented JSON.
func FormatJSON(events []Event) (string, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.SuccessCount > 0 {
		parts = append(parts, fmt.Sprintf("%d success", s.SuccessCount))
	}
	if s.FailureCount > 0 {
		parts = append(parts, fmt.Sprintf("%d failure", s.FailureCount))
	}
	if s.BlockedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.BlockedCount))
	}
	return fmt.Sprintf("Summary: %s | Total: %d\n", strings.Join(parts, ", "), s.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
