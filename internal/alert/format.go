package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func headline(event AlertEvent) string {
	if event.Code != "" {
		return event.Code
	}
	return event.Outcome
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("spinegate: %s", headline(event)),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", event.Action)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s (%s)", event.ActorUserID, event.TenantID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Sensitivity:* %s", event.Sensitivity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("spinegate %s: %s", headline(event), event.Action),
			"severity": severityFor(event),
			"source":   "spinegate",
			"custom_details": map[string]any{
				"action":      event.Action,
				"tenant_id":   event.TenantID,
				"actor":       event.ActorUserID,
				"sensitivity": event.Sensitivity,
				"reason":      event.Reason,
				"request_id":  event.RequestID,
				"policy_id":   event.PolicyID,
			},
		},
	}
	return json.Marshal(payload)
}

// severityFor maps an event to a PagerDuty severity. A lost audit record is
// always critical.
func severityFor(event AlertEvent) string {
	if event.Code == "audit_write_failed" {
		return "critical"
	}
	switch event.Sensitivity {
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}
