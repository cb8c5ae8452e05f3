// Package policy scrubs diagnostics before they reach a job record or an
// audit entry.
package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorMessageLength bounds the error text stored on a failed job.
const MaxErrorMessageLength = 500

var (
	dsnCredentialPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^\s:/@]+:[^\s@/]+@`)
	secretPairPattern    = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_\-]?key|access[_\-]?key|client[_\-]?secret|accountkey|sharedaccesssignature)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s;,&]+)`)
	bearerPattern        = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`)
	emailPattern         = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

// MaskSecrets redacts credentials, bearer tokens and email addresses.
func MaskSecrets(value string) string {
	masked := dsnCredentialPattern.ReplaceAllString(value, "${1}[redacted]@")
	masked = secretPairPattern.ReplaceAllString(masked, "${1}${2}[redacted]")
	masked = bearerPattern.ReplaceAllString(masked, "Bearer [redacted]")
	masked = emailPattern.ReplaceAllStringFunc(masked, func(_ string) string {
		return "[email_redacted]"
	})
	return masked
}

// SanitizeErrorMessage returns text safe to show a polling client: secrets
// masked, whitespace collapsed and the result truncated on a rune boundary.
func SanitizeErrorMessage(value string) string {
	sanitized := MaskSecrets(value)
	sanitized = strings.TrimSpace(whitespacePattern.ReplaceAllString(sanitized, " "))
	if sanitized == "" {
		return "job failed"
	}
	if len(sanitized) <= MaxErrorMessageLength {
		return sanitized
	}

	cut := MaxErrorMessageLength - len("...")
	for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
		cut--
	}
	return sanitized[:cut] + "..."
}

// MaskDetail returns a copy of an audit detail map with every string masked.
func MaskDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	masked, _ := maskValue(detail).(map[string]any)
	return masked
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = maskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, maskValue(child))
		}
		return cloned
	case []string:
		cloned := make([]string, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, MaskSecrets(child))
		}
		return cloned
	case string:
		return MaskSecrets(typed)
	default:
		return value
	}
}
