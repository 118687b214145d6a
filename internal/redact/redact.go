// Package redact strips credentials and internal details from strings
// before they are logged or returned in error responses. Provider errors
// routinely echo request URLs, signed download links and connection
// strings, so every error that crosses a trust boundary goes through here.
package redact

import "regexp"

// Placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedSignaturePlaceholder  = "[REDACTED_SIGNATURE]"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// rules run in order; earlier rules see the unmodified input.
var rules = []rule{
	// user:password@ in postgres, amqp and redis URLs
	{regexp.MustCompile(`(?i)\b(postgres(?:ql)?|amqps?|rediss?|mongodb|mysql)://[^@\s/]+@`), RedactedCredentialPlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/=]{8,}`), "Bearer " + RedactedKeyPlaceholder},
	// presigned object-storage and CDN query signatures
	{regexp.MustCompile(`(?i)\b(x-(?:amz|tos)-(?:signature|credential|security-token)|signature|sig|token)=[^&\s"']+`), RedactedSignaturePlaceholder},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{20,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`(AKIA|AccessKey(?:Id)?)([^a-zA-Z0-9])?[A-Z0-9]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`(?i)(api[_-]?key|secret|access[_-]?key|callback[_-]?token|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`), RedactedCredentialPlaceholder},
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), "[STACK_TRACE_REDACTED]"},
	{regexp.MustCompile(
		`(?i)\b(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|TRUNCATE)\b[\s\w,*()$.]+\b(FROM|INTO|SET|TABLE)\b(?:[\s\w,*()$='".]+)?`,
	), "[REDACTED_SQL]"},
	{regexp.MustCompile(`(?:^|[\s(])(/(?:home|root|var|etc|usr|tmp|opt|srv)(?:/[\w.-]+)+)`), " " + RedactedPathPlaceholder},
}

// String redacts sensitive fragments of input.
func String(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return out
}

// Error redacts err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
