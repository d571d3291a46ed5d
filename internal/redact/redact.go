package redact

import (
	"fmt"
	"regexp"
)

// Operational logs must never carry patient identifiers or credentials.
// Structured fields should log digests and counts instead; this package is the
// backstop for free-form message strings.
var (
	bearerRe    = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	apiKeyRe    = regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	jwtRe       = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)
	patientIDRe = regexp.MustCompile(`患者番号[：:\s]*[0-9A-Za-z\-]{6,20}`)
	insuranceRe = regexp.MustCompile(`保険証番号[：:\s]*[0-9]{8,10}`)
	phoneRe     = regexp.MustCompile(`0[0-9]{1,4}-[0-9]{1,4}-[0-9]{3,4}|0[0-9]{9,11}`)
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// String scrubs credentials and patient identifiers from a log message.
func String(s string) string {
	if s == "" {
		return s
	}
	out := s
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = jwtRe.ReplaceAllString(out, "[REDACTED_TOKEN]")
	out = patientIDRe.ReplaceAllString(out, "患者番号:[REDACTED]")
	out = insuranceRe.ReplaceAllString(out, "保険証番号:[REDACTED]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	return out
}

// Sprintf formats like fmt.Sprintf and scrubs the result.
func Sprintf(format string, args ...any) string {
	return String(fmt.Sprintf(format, args...))
}

// Any formats the value with %+v and scrubs it.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}
