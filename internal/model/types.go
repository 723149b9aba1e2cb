package model

// Sensitivity classifies how dangerous an action is.
type Sensitivity string

const (
	SensLow    Sensitivity = "low"
	SensMedium Sensitivity = "medium"
	SensHigh   Sensitivity = "high"
)

// SensRank maps sensitivity to a comparable integer.
var SensRank = map[Sensitivity]int{
	SensLow:    0,
	SensMedium: 1,
	SensHigh:   2,
}

// ParseSensitivity coerces a raw string into a Sensitivity.
// Unknown values escalate to high.
func ParseSensitivity(s string) Sensitivity {
	switch Sensitivity(s) {
	case SensLow, SensMedium, SensHigh:
		return Sensitivity(s)
	case "":
		return SensLow
	default:
		return SensHigh
	}
}

// Actor is the caller context a command runs under.
type Actor struct {
	UserID    string            `json:"userId,omitempty"`
	Role      string            `json:"role,omitempty"`
	TenantID  string            `json:"tenantId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Intent is one candidate action detected from free text.
// Produced per request and never persisted.
type Intent struct {
	SpineID    string  `json:"spineId"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Match      string  `json:"match"`
}

// RuleKind selects how a pattern rule matches normalized text.
type RuleKind string

const (
	RuleKeyword RuleKind = "keyword"
	RulePhrase  RuleKind = "phrase"
	RuleRegex   RuleKind = "regex"
)

// Rule is the match rule of a Pattern.
type Rule struct {
	Kind  RuleKind `yaml:"kind" json:"kind"`
	Value string   `yaml:"value" json:"value"`
}

// Pattern maps a match rule to an intent within a spine (business domain).
type Pattern struct {
	SpineID        string  `yaml:"spine" json:"spineId"`
	IntentName     string  `yaml:"intent" json:"intentName"`
	Rule           Rule    `yaml:"rule" json:"rule"`
	BaseConfidence float64 `yaml:"base_confidence" json:"baseConfidence"`
	Hint           string  `yaml:"hint,omitempty" json:"hint,omitempty"`
}

// Extraction is the outcome of entity extraction for an intent.
type Extraction struct {
	Entities map[string]any `json:"entities"`
	Missing  []string       `json:"missing"`
}

// Confirmation is a step-up requirement attached to a policy decision.
type Confirmation struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

// Decision is the output of the policy engine.
type Decision struct {
	Allow               bool          `json:"allow"`
	Reason              string        `json:"reason,omitempty"`
	RequireConfirmation *Confirmation `json:"requireConfirmation,omitempty"`
	PolicyID            string        `json:"policyId,omitempty"`
}

// ToolResult is the normalized outcome of a tool invocation.
type ToolResult struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Succeeded builds a successful ToolResult.
func Succeeded(data any) ToolResult {
	return ToolResult{OK: true, Data: data}
}

// Failed builds a failed ToolResult.
func Failed(msg string) ToolResult {
	return ToolResult{OK: false, Error: msg}
}

// Final summarizes the outcome of one runner invocation.
type Final struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

// Error is a coded failure surfaced to the caller.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes surfaced in responses.
const (
	CodeNoIntent         = "no_intent"
	CodeInvalidFlow      = "invalid_flow"
	CodePolicyDenied     = "policy_denied"
	CodeToolNotFound     = "tool_not_found"
	CodeToolFailed       = "tool_failed"
	CodeToolTimeout      = "tool_timeout"
	CodeInvalidInput     = "invalid_input"
	CodeConfirmationUsed = "confirmation_used"
	CodeAuditFailed      = "audit_write_failed"
	CodeCancelled        = "cancelled"
	CodeRateLimited      = "rate_limited"
	CodeUnauthorized     = "unauthorized"
	CodeBadRequest       = "bad_request"
)
