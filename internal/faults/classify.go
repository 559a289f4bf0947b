package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Signature is one row of the classification table.
type Signature struct {
	Keywords   []string
	Code       Kind
	Detail     string
	Attention  string
	Label      string
	Suggestion string
	Scope      Scope
}

// Classification is the result of Classify.
type Classification struct {
	Code       Kind
	Label      string
	Detail     string
	Attention  string
	Suggestion string
	Scope      Scope
}

// Matched reports whether a signature matched.
func (c Classification) Matched() bool { return c.Code != KindUnknown }

// Signatures is ordered: earlier rows win.
var Signatures = []Signature{
	{
		Keywords:   []string{"login_required"},
		Code:       KindLoginRequired,
		Detail:     "Session expired (provider asked for a new login)",
		Attention:  "The provider asked for a new login.",
		Label:      "Login required",
		Suggestion: "Re-authenticate the account before continuing.",
		Scope:      ScopeAccount,
	},
	{
		Keywords:   []string{"challenge_required"},
		Code:       KindChallengeRequired,
		Detail:     "The provider asked to solve a challenge",
		Attention:  "A challenge must be solved in the official app.",
		Label:      "Challenge required",
		Suggestion: "Open the official app and resolve the pending challenge.",
		Scope:      ScopeAccount,
	},
	{
		Keywords: []string{
			"feedback_required",
			"please wait a few minutes",
			"try again later",
			"we restrict certain activity",
		},
		Code:       KindTemporaryBlock,
		Detail:     "The provider temporarily blocked actions for this account",
		Attention:  "The provider temporarily blocked actions for this account.",
		Label:      "Temporary block",
		Suggestion: "Pause the campaign for a few minutes and review the account warm-up.",
		Scope:      ScopeAccount,
	},
	{
		Keywords:   []string{"rate_limit", "too many requests", "throttled", "429"},
		Code:       KindRateLimit,
		Detail:     "Send limit reached (rate limit)",
		Attention:  "A rate limit was hit. Pausing for a few minutes is advised.",
		Label:      "Rate limit",
		Suggestion: "Increase the delays or lower the concurrency for this campaign.",
		Scope:      ScopeAccount,
	},
	{
		Keywords:   []string{"checkpoint"},
		Code:       KindCheckpoint,
		Detail:     "The provider requires a security checkpoint",
		Attention:  "The provider requires additional verification (checkpoint).",
		Label:      "Checkpoint required",
		Suggestion: "Complete the checkpoint in the official app or website.",
		Scope:      ScopeAccount,
	},
	{
		Keywords:   []string{"consent_required"},
		Code:       KindConsentRequired,
		Detail:     "The session must be approved from the official app",
		Attention:  "The session requires approval in the official app.",
		Label:      "Consent pending",
		Suggestion: "Approve the login from the official app and retry.",
		Scope:      ScopeAccount,
	},
	{
		Keywords: []string{
			"privacy",
			"private account",
			"not authorized to view",
			"user can't receive your message",
			"recipient can't receive your message",
			"recipients have opted out",
			"bot was blocked by the user",
		},
		Code:       KindRecipientRestricted,
		Detail:     "The recipient's privacy settings do not accept messages",
		Label:      "Recipient privacy",
		Suggestion: "Skip this lead: the target does not accept messages.",
		Scope:      ScopeRecipient,
	},
	{
		Keywords: []string{
			"inactive user",
			"user not found",
			"username does not exist",
			"unknown user",
			"chat not found",
			"user is deactivated",
		},
		Code:       KindUserNotFound,
		Detail:     "The target user does not exist or is unavailable",
		Label:      "User unavailable",
		Suggestion: "Check the username in the lead list.",
		Scope:      ScopeRecipient,
	},
	{
		Keywords:   []string{"spam", "suspicious activity"},
		Code:       KindSpamBlock,
		Detail:     "The provider flagged suspicious activity and blocked the send",
		Attention:  "The provider flagged the action as suspicious.",
		Label:      "Suspicious activity",
		Suggestion: "Lower the send pace and review the account warm-up.",
		Scope:      ScopeAccount,
	},
	{
		Keywords: []string{
			"socket",
			"timed out",
			"connection aborted",
			"connection reset",
			"connection error",
			"temporarily unavailable",
		},
		Code:       KindNetwork,
		Detail:     "Network error while contacting the provider",
		Attention:  "A network error was detected. Check the connection or proxy.",
		Label:      "Network error",
		Suggestion: "Check the connection or switch proxy before resuming.",
		Scope:      ScopeNetwork,
	},
}

// Lookup returns the signature for code.
func Lookup(code Kind) (Signature, bool) {
	for _, s := range Signatures {
		if s.Code == code {
			return s, true
		}
	}
	return Signature{}, false
}

// Classify maps err to a taxonomy entry. A tagged *Fault wins over the keyword
// table; otherwise message and Go type name are matched case-insensitively.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Label: "unknown error", Detail: "send failed"}
	}
	text := strings.TrimSpace(err.Error())

	var f *Fault
	if errors.As(err, &f) && f != nil && f.Kind != KindUnknown {
		if sig, ok := Lookup(f.Kind); ok {
			detail := f.Detail
			if detail == "" {
				detail = text
			}
			return fromSignature(sig, detail)
		}
	}
	return ClassifyText(text, fmt.Sprintf("%T", err))
}

// ClassifyText is the text-only fallback used for transports that expose
// nothing but a message and a type name.
func ClassifyText(message, typeName string) Classification {
	text := strings.TrimSpace(message)
	lowered := strings.ToLower(text)
	name := strings.ToLower(typeName)
	for _, sig := range Signatures {
		for _, kw := range sig.Keywords {
			if strings.Contains(lowered, kw) || (name != "" && strings.Contains(name, kw)) {
				return fromSignature(sig, text)
			}
		}
	}

	c := Classification{Label: text, Detail: text}
	if c.Label == "" {
		c.Label = "unknown error"
	}
	if c.Detail == "" {
		c.Detail = "send failed"
	}
	return c
}

func fromSignature(sig Signature, raw string) Classification {
	detail := sig.Detail
	if raw != "" && !strings.Contains(strings.ToLower(detail), strings.ToLower(raw)) {
		detail = fmt.Sprintf("%s (%s)", detail, raw)
	}
	return Classification{
		Code:       sig.Code,
		Label:      sig.Label,
		Detail:     detail,
		Attention:  sig.Attention,
		Suggestion: sig.Suggestion,
		Scope:      sig.Scope,
	}
}

// DefaultLabel turns a reason code like "send_failed" into "Send failed".
func DefaultLabel(code string) string {
	s := strings.ReplaceAll(strings.TrimSpace(code), "_", " ")
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
