package validate

import (
	"regexp"
	"testing"
)

func TestValidatePhoneNumber(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"+14155552671", true},
		{"+12", true},
		{"+123456789012345", true},
		{"+1234567890123456", false},
		{"14155552671", false},
		{"+0123456789", false},
		{"+1", false},
		{"+1 415 555 2671", false},
		{"", false},
		{"+1415555267a", false},
	}
	for _, tt := range tests {
		if got := ValidatePhoneNumber(tt.in); got != tt.want {
			t.Errorf("ValidatePhoneNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidatePaymentAmount(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"$150", true},
		{"150.25", true},
		{"$1,250.00", true},
		{"50000", true},
		{" $200 ", true},
		{"$0", false},
		{"-5", false},
		{"50000.01", false},
		{"abc", false},
		{"", false},
		{"$", false},
		{"NaN", false},
		{"Inf", false},
		{"0x1p4", false},
		{"0X10", false},
		{"1e3", true},
		{".5", true},
	}
	for _, tt := range tests {
		if got := ValidatePaymentAmount(tt.in); got != tt.want {
			t.Errorf("ValidatePaymentAmount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParsePaymentAmount(t *testing.T) {
	v, ok := ParsePaymentAmount("$1,234.50")
	if !ok {
		t.Fatal("expected amount to parse")
	}
	if v != 1234.50 {
		t.Fatalf("value = %v, want 1234.50", v)
	}
	if v, ok := ParsePaymentAmount("0x1p4"); ok {
		t.Fatalf("hex float parsed as %v", v)
	}
}

func TestValidateDigits(t *testing.T) {
	if !ValidateLastFour("1234") {
		t.Error("expected 1234 to be valid last four")
	}
	if ValidateLastFour("123") || ValidateLastFour("12345") || ValidateLastFour("12a4") {
		t.Error("expected malformed last four to be rejected")
	}
	if !ValidateZIP("90210") {
		t.Error("expected 90210 to be a valid zip")
	}
	if ValidateZIP("9021") || ValidateZIP("902101") || ValidateZIP("９0210") {
		t.Error("expected malformed zip to be rejected")
	}
}

func TestSanitizeLogData(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"card 4111111111111111 ok", "card [REDACTED_CARD] ok"},
		{"card 4111-1111-1111-1111", "card [REDACTED_CARD]"},
		{"card 4111 1111 1111 1111", "card [REDACTED_CARD]"},
		{"ssn 123-45-6789", "ssn [REDACTED_SSN]"},
		{"amount $150 due 2024-02-01", "amount $150 due 2024-02-01"},
		{"last four 1234", "last four 1234"},
	}
	for _, tt := range tests {
		if got := SanitizeLogData(tt.in); got != tt.want {
			t.Errorf("SanitizeLogData(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeLogDataIdempotent(t *testing.T) {
	card := regexp.MustCompile(`\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}`)
	ssn := regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)

	inputs := []string{
		"4111111111111111 and 123-45-6789",
		"41111111111111112222",
		"1234-5678-9012-3456 123-45-67890",
		"nothing sensitive here",
		"12345678901234567890123456789012",
	}
	for _, in := range inputs {
		once := SanitizeLogData(in)
		twice := SanitizeLogData(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
		if card.MatchString(once) {
			t.Errorf("card-shaped sequence left in %q", once)
		}
		if ssn.MatchString(once) {
			t.Errorf("ssn-shaped sequence left in %q", once)
		}
	}
}
