// Package validate holds the input checks applied to values spoken or typed
// by the customer, plus the log sanitizer used at logging boundaries.
package validate

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxPaymentAmount is the largest amount accepted in a single payment.
const MaxPaymentAmount = 50000.0

var (
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	cardPattern  = regexp.MustCompile(`\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}`)
	ssnPattern   = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	// Plain decimal notation only; ParseFloat alone also takes hex floats.
	decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

const (
	cardPlaceholder = "[REDACTED_CARD]"
	ssnPlaceholder  = "[REDACTED_SSN]"
)

// ValidatePhoneNumber reports whether s is an E.164 number: a leading '+',
// a non-zero digit, then 1 to 14 more digits.
func ValidatePhoneNumber(s string) bool {
	return phonePattern.MatchString(s)
}

// ParsePaymentAmount strips '$' and ',' from s and parses the rest as a
// decimal number. ok is false when the result is not in (0, MaxPaymentAmount].
func ParsePaymentAmount(s string) (value float64, ok bool) {
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(s)
	cleaned = strings.TrimSpace(cleaned)
	if !decimalPattern.MatchString(cleaned) {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if !(v > 0 && v <= MaxPaymentAmount) {
		return 0, false
	}
	return v, true
}

// ValidatePaymentAmount reports whether s is a usable payment amount.
func ValidatePaymentAmount(s string) bool {
	_, ok := ParsePaymentAmount(s)
	return ok
}

// ValidateDigits reports whether s is exactly n ASCII digits.
func ValidateDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateLastFour checks the last four digits of a card.
func ValidateLastFour(s string) bool { return ValidateDigits(s, 4) }

// ValidateZIP checks a five-digit billing ZIP code.
func ValidateZIP(s string) bool { return ValidateDigits(s, 5) }

// SanitizeLogData masks card numbers (16 digits, optionally grouped in fours
// with spaces or dashes) and SSN-shaped sequences. The placeholders carry no
// digits, so applying it twice yields the same output.
func SanitizeLogData(s string) string {
	s = cardPattern.ReplaceAllString(s, cardPlaceholder)
	return ssnPattern.ReplaceAllString(s, ssnPlaceholder)
}
