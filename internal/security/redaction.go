// Package security scrubs credentials out of strings before they are
// written to logs. Deferred action payloads and sync error messages
// are caller-supplied and regularly carry tokens, so anything logged
// from them goes through Redact first.
package security

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

const maxLoggedPayloadBytes = 2048

var (
	// Keys whose values are never loggable: generic credentials plus
	// the push subscription crypto material (auth, p256dh).
	secretKeyExpr = `(?:password|passwd|secret|api[_-]?key|auth|p256dh|[a-z0-9._-]*token[a-z0-9._-]*)`

	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"',}]+)`)
	authHeaderPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n,}"]+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserinfoExpr   = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// Redact replaces credential-shaped substrings with a fixed marker.
// The input is otherwise returned unchanged, so surrounding context
// stays readable in logs.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllString(out, `${1}: [REDACTED]`)
	out = authHeaderPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlUserinfoExpr.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// RedactPayload prepares an action payload for a log field: scrubbed,
// whitespace-collapsed, and truncated so one oversized action cannot
// flood the log.
func RedactPayload(payload json.RawMessage) string {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err == nil {
		raw = buf.String()
	}
	out := Redact(raw)
	if len(out) > maxLoggedPayloadBytes {
		out = out[:maxLoggedPayloadBytes] + "...(truncated)"
	}
	return out
}
