package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

type secretPattern struct {
	kind string
	re   *regexp.Regexp
	// prefixed patterns capture a label in group 1 that survives redaction,
	// so "api_key=..." stays readable as "api_key=[REDACTED]".
	prefixed bool
}

var secretPatterns = []secretPattern{
	{kind: "api key", prefixed: true, re: regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bot[_-]?token)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=:]{16,})"?`)},
	{kind: "bearer token", prefixed: true, re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`)},
	{kind: "password", prefixed: true, re: regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)([^\s"]{8,})"?`)},
	// Telegram bot tokens: <digits>:<35 chars>.
	{kind: "telegram token", re: regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`)},
	{kind: "gateway key", re: regexp.MustCompile(`\bhgl_[0-9a-f]{32}\b`)},
	{kind: "private key", re: regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+)?PRIVATE\s+KEY-----`)},
}

// RedactFunc rewrites every secret in input with repl's result. repl gets
// the kind of secret and the matched secret text.
func RedactFunc(input string, repl func(kind, secret string) string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.re.ReplaceAllStringFunc(result, func(match string) string {
			if pat.prefixed {
				if sub := pat.re.FindStringSubmatch(match); len(sub) >= 3 {
					return sub[1] + repl(pat.kind, sub[2])
				}
			}
			return repl(pat.kind, match)
		})
	}
	return result
}

// Redact replaces secrets in log, audit and error strings with [REDACTED].
func Redact(input string) string {
	return RedactFunc(input, func(string, string) string { return redactedPlaceholder })
}

// IsSensitiveKey reports whether a config or log key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
