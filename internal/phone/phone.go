// Package phone normalizes and validates phone numbers into canonical E.164
// form. Validation is per country profile; only the canonical form is ever
// stored, and only the masked form is ever logged.
package phone

import (
	"strings"

	"github.com/quickgig/auth-service/internal/apperr"
)

const (
	// E.164 subscriber-number bounds (digits after '+').
	minE164Digits = 8
	maxE164Digits = 15

	countryChina     = "86"
	countryAustralia = "61"
)

// Normalize parses raw phone input plus a country calling code (with or
// without leading '+') and returns the canonical E.164 number. It is pure and
// deterministic: Normalize(Normalize(p, c), c) == Normalize(p, c).
func Normalize(raw, country string) (string, error) {
	cc := strings.TrimPrefix(strings.TrimSpace(country), "+")
	if cc == "" || !isDigits(cc) || len(cc) > 3 {
		return "", apperr.New(apperr.CodeInvalidCountryCode)
	}

	p := stripFormatting(raw)
	if p == "" {
		return "", apperr.New(apperr.CodeInvalidPhoneFormat)
	}

	var national string
	switch {
	case strings.HasPrefix(p, "+"):
		// Already international: must match the declared country.
		rest := p[1:]
		if !strings.HasPrefix(rest, cc) {
			return "", apperr.New(apperr.CodeInvalidCountryCode)
		}
		national = rest[len(cc):]
	default:
		national = strings.TrimLeft(p, "0")
	}

	if national == "" || !isDigits(national) {
		return "", apperr.New(apperr.CodeInvalidPhoneFormat)
	}

	if err := validateProfile(cc, national); err != nil {
		return "", err
	}

	return "+" + cc + national, nil
}

// Mask hides all but the leading '+' and the last 4 digits of an E.164 number.
func Mask(e164 string) string {
	if len(e164) <= 5 {
		return "****"
	}
	keep := e164[len(e164)-4:]
	return "+" + strings.Repeat("*", len(e164)-5) + keep
}

// validateProfile applies the country-specific mobile number rules.
func validateProfile(cc, national string) error {
	switch cc {
	case countryChina:
		// 11 digits, 1[3-9]xxxxxxxxx
		if len(national) != 11 || national[0] != '1' || national[1] < '3' || national[1] > '9' {
			return apperr.New(apperr.CodeInvalidPhoneFormat)
		}
	case countryAustralia:
		// 9 digits after the country code, mobile prefix 4.
		if len(national) != 9 || national[0] != '4' {
			return apperr.New(apperr.CodeInvalidPhoneFormat)
		}
	default:
		total := len(cc) + len(national)
		if total < minE164Digits || total > maxE164Digits {
			return apperr.New(apperr.CodeInvalidPhoneFormat)
		}
	}
	return nil
}

// stripFormatting removes spaces, dashes and parentheses, keeping a leading '+'.
func stripFormatting(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// formatting, skip
		default:
			return ""
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
