// Package redact masks personal data before it reaches logs.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

const masked = "[REDACTED]"

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// secret-looking keys are masked even when redaction is off
var secretKeys = []string{"api_key", "apikey", "secret", "password", "authorization"}

// SetEnabled toggles PII redaction of free text.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Fields returns a copy of args safe to log: values under secret-looking
// keys are masked and strings pass through Text. Nested maps and lists are
// walked.
func Fields(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSecretKey(k) {
			out[k] = masked
			continue
		}
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return Text(t)
	case map[string]any:
		return Fields(t)
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = value(item)
		}
		return list
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	k = strings.ToLower(strings.ReplaceAll(k, "-", "_"))
	// token counts such as output_tokens are not secrets
	if k == "token" || strings.HasSuffix(k, "_token") {
		return true
	}
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
