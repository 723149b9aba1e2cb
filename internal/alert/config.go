package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["blocked", "failure", "tool_not_found", "audit_write_failed"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp   string `json:"timestamp"`
	RequestID   string `json:"request_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	ActorUserID string `json:"actor_user_id,omitempty"`
	Action      string `json:"action"`
	Sensitivity string `json:"sensitivity,omitempty"`
	Outcome     string `json:"outcome"`
	Code        string `json:"code,omitempty"` // error code, e.g. "audit_write_failed"
	Reason      string `json:"reason"`
	PolicyID    string `json:"policy_id,omitempty"`
	PolicyHash  string `json:"policy_hash,omitempty"`
}
