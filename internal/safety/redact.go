package safety

import (
	"regexp"

	"github.com/basket/haggle/internal/shared"
)

// Finding describes a secret removed from a message.
type Finding struct {
	Kind   string
	Sample string // first few chars of the secret, for logs
}

// Card numbers only matter in buyer and seller messages, so they are not
// part of the log redaction set.
var cardNumber = regexp.MustCompile(`\b(?:\d[ \-]?){12,15}\d\b`)

const redacted = "[redacted]"

// Redact replaces secrets and card numbers in a message and reports what it
// removed.
func Redact(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}
	var findings []Finding
	note := func(kind, secret string) string {
		findings = append(findings, Finding{Kind: kind, Sample: sample(secret)})
		return redacted
	}
	text = shared.RedactFunc(text, note)
	text = cardNumber.ReplaceAllStringFunc(text, func(m string) string { return note("card number", m) })
	return text, findings
}

func sample(secret string) string {
	if len(secret) > 8 {
		return secret[:4] + "..."
	}
	return "..."
}
