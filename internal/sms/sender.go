// Package sms provides the send-code capability behind a small interface,
// with mock, Twilio, and AWS SNS implementations.
package sms

import (
	"context"
	"strings"
)

// Sender delivers verification codes over SMS.
type Sender interface {
	// SendVerificationCode sends the code to the E.164 phone and returns the
	// provider message id.
	SendVerificationCode(ctx context.Context, phoneE164, code string) (string, error)
	// IsValidPhoneNumber is the provider-side sanity check on the number.
	IsValidPhoneNumber(phoneE164 string) bool
}

// basicE164 is the shared provider-side sanity check: leading '+', 8..15 digits.
func basicE164(phoneE164 string) bool {
	if !strings.HasPrefix(phoneE164, "+") {
		return false
	}
	digits := phoneE164[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
