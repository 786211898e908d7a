// Package safety screens free-text negotiation messages before they are
// stored and shown to the other party.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action indicates the recommended response to a screened message.
type Action int

const (
	// ActionAllow means the message is fine as written.
	ActionAllow Action = iota
	// ActionWarn means the message may proceed but is worth logging.
	ActionWarn
	// ActionBlock means the message should be rejected.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// CheckResult is the outcome of a screen check.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Screen flags messages that try to move a deal off the platform.
type Screen struct{}

func NewScreen() *Screen {
	return &Screen{}
}

type screenPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

// Block patterns come first so a message matching both is rejected.
var screenPatterns = []screenPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(wire\s+transfer|western\s+union|moneygram|money\s+order)\b`),
		action: ActionBlock,
		reason: "off-platform payment: wire or money order",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(gift\s*cards?|itunes\s+cards?|steam\s+cards?)\b`),
		action: ActionBlock,
		reason: "off-platform payment: gift cards",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(bitcoin|btc|usdt|crypto\s*wallet)\b`),
		action: ActionBlock,
		reason: "off-platform payment: crypto",
	},
	{
		re:     regexp.MustCompile(`(?i)\bpay\s+(me|you)\s+(directly|outside|off[\s-]platform|via\s+(zelle|venmo|cash\s*app|paypal))\b`),
		action: ActionBlock,
		reason: "off-platform payment: direct transfer",
	},
	{
		re:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		action: ActionWarn,
		reason: "contact details: email address",
	},
	{
		re:     regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`),
		action: ActionWarn,
		reason: "contact details: phone number",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(whats\s*app|telegram|signal)\s+me\b`),
		action: ActionWarn,
		reason: "contact details: messenger handoff",
	},
}

// Check returns the first matching verdict for input.
func (s *Screen) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, pat := range screenPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{
				Action:  pat.action,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}
	return CheckResult{Action: ActionAllow}
}

// MustAllow returns an error if the check result is Block.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("message blocked: %s", r.Reason)
	}
	return nil
}
