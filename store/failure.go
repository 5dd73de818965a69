package store

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Failure categories assigned to task failures.
const (
	FailureCategoryAuth       = "auth_error"
	FailureCategoryValidation = "validation_error"
	FailureCategoryRateLimit  = "rate_limit"
	FailureCategoryTimeout    = "timeout"
	FailureCategoryAPI        = "api_error"
)

var (
	jsonErrorRE  = regexp.MustCompile(`\{[^{}]*"code"\s*:\s*"([^"]+)"[^{}]*"message"\s*:\s*"([^"]*)"[^{}]*\}`)
	uuidRE       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	longHexRE    = regexp.MustCompile(`[0-9a-fA-F]{10,}`)
	requestIDRE  = regexp.MustCompile(`(?:request_id|id)\s*[:=]\s*\S+`)
	emptyParenRE = regexp.MustCompile(`\(\s*\)`)
	spacesRE     = regexp.MustCompile(`\s+`)
)

// NormalizeFailureReason strips unique identifiers from a failure message
// so that repeated failures aggregate into one pattern. Structured SaaS
// errors of the form {"code":X,...,"message":Y} collapse to "X: Y".
func NormalizeFailureReason(reason string) string {
	if reason == "" {
		return reason
	}

	if m := jsonErrorRE.FindStringSubmatch(reason); m != nil {
		return m[1] + ": " + m[2]
	}

	if strings.HasPrefix(strings.TrimSpace(reason), "{") {
		var data map[string]any
		if err := json.Unmarshal([]byte(reason), &data); err == nil {
			code, _ := data["code"].(string)
			message, _ := data["message"].(string)
			if code != "" {
				if message != "" {
					return code + ": " + message
				}
				return code
			}
		}
	}

	normalized := uuidRE.ReplaceAllString(reason, "<ID>")
	normalized = longHexRE.ReplaceAllString(normalized, "<ID>")
	normalized = requestIDRE.ReplaceAllString(normalized, "")
	normalized = emptyParenRE.ReplaceAllString(normalized, "")
	normalized = spacesRE.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// CategorizeFailure maps a failure message onto a coarse category by
// keyword. The first matching bucket wins; anything else is an API error.
func CategorizeFailure(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case containsAny(lower, "auth", "unauthorized", "token", "expired"):
		return FailureCategoryAuth
	case containsAny(lower, "validation", "invalid", "required", "missing"):
		return FailureCategoryValidation
	case containsAny(lower, "rate_limit", "rate limit", "too many", "throttl"):
		return FailureCategoryRateLimit
	case containsAny(lower, "timeout", "timed out"):
		return FailureCategoryTimeout
	default:
		return FailureCategoryAPI
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FailurePattern is an aggregated view of recurring failures.
type FailurePattern struct {
	SaaSName        string `json:"saas_name"`
	FailureCategory string `json:"failure_category"`
	FailureReason   string `json:"failure_reason"`
	Count           int    `json:"count"`
	Genre           string `json:"genre,omitempty"`
}
