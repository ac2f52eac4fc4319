// Package diagnostics classifies delivery errors into actionable categories
// and keeps a bounded history of them for the debug endpoint. Classification
// is best-effort context for operators; it never gates answer delivery.
package diagnostics

import (
	"strings"
	"time"
)

// Category groups errors by root cause.
type Category string

const (
	CategoryNetwork Category = "network"
	CategoryCORS    Category = "cors"
	CategoryAuth    Category = "auth"
	CategoryData    Category = "data"
	CategoryConfig  Category = "config"
	CategoryUnknown Category = "unknown"
)

// Severity ranks how urgently an error needs operator attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorDetails is one classified error.
type ErrorDetails struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Solution  string    `json:"solution"`
	Category  Category  `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// pattern pairs trigger keywords with a classification. Patterns are checked
// in order and the first keyword hit wins, so earlier entries shadow later
// ones for messages that would match both.
type pattern struct {
	keywords []string
	code     string
	severity Severity
	category Category
	solution string
}

var patterns = []pattern{
	{
		keywords: []string{"cors", "cross-origin", "access-control-allow-origin"},
		code:     "CORS_BLOCKED",
		severity: SeverityHigh,
		category: CategoryCORS,
		solution: "Use a transport that avoids CORS preflight (script, frame or beacon).",
	},
	{
		keywords: []string{"csp", "content security policy", "refused to load", "refused to connect"},
		code:     "CSP_BLOCKED",
		severity: SeverityHigh,
		category: CategoryConfig,
		solution: "Allow the proxy origin in the host page's Content-Security-Policy.",
	},
	{
		keywords: []string{"connection refused", "dial tcp", "no such host", "network unreachable", "connection reset", "broken pipe", "failed to connect"},
		code:     "NETWORK_UNREACHABLE",
		severity: SeverityMedium,
		category: CategoryNetwork,
		solution: "Check connectivity to the proxy and that the proxy is running.",
	},
	{
		keywords: []string{"timeout", "timed out", "context deadline exceeded"},
		code:     "TIMEOUT",
		severity: SeverityMedium,
		category: CategoryNetwork,
		solution: "Retry; the fallback controller moves to the next transport on its own.",
	},
	{
		keywords: []string{"unauthorized", "forbidden", "401", "403", "credential", "api key", "invalid token"},
		code:     "AUTH_FAILED",
		severity: SeverityCritical,
		category: CategoryAuth,
		solution: "Set a valid upstream credential (upstream.credential / VIZBRIDGE_UPSTREAM__CREDENTIAL).",
	},
	{
		keywords: []string{"unmarshal", "invalid json", "malformed", "unexpected end of", "parse error"},
		code:     "BAD_PAYLOAD",
		severity: SeverityLow,
		category: CategoryData,
		solution: "Inspect the raw response via the debug endpoint; a middlebox may be rewriting bodies.",
	},
}

// Classify maps an error onto the first matching pattern, checking keywords
// against the lowercased message. Errors that match nothing come back as
// UNKNOWN with low severity.
func Classify(err error) ErrorDetails {
	details := ErrorDetails{
		Code:      "UNKNOWN",
		Severity:  SeverityLow,
		Category:  CategoryUnknown,
		Solution:  "Check the proxy logs for the request ID attached to this error.",
		Timestamp: time.Now().UTC(),
	}
	if err == nil {
		return details
	}

	details.Message = err.Error()
	lower := strings.ToLower(details.Message)

	for _, p := range patterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				details.Code = p.code
				details.Severity = p.severity
				details.Category = p.category
				details.Solution = p.solution
				return details
			}
		}
	}
	return details
}
