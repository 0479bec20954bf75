package callflow

import (
	"slices"
	"time"
)

// CallState is the record threaded through every stage of one call. It is
// owned by the Machine and mutated only by the active stage's transition
// handlers, one at a time. Empty strings mean "not collected yet".
type CallState struct {
	CustomerName       string    `json:"customer_name,omitempty"`
	PhoneNumber        string    `json:"phone_number,omitempty"`
	IsInterested       bool      `json:"is_interested"`
	PaymentAmount      string    `json:"payment_amount,omitempty"`
	PaymentMethod      string    `json:"payment_method,omitempty"`
	LastFourDigits     string    `json:"last_four_digits,omitempty"`
	BillingZip         string    `json:"billing_zip,omitempty"`
	DueDate            string    `json:"due_date,omitempty"`
	CurrentBalance     string    `json:"current_balance,omitempty"`
	ConfirmationNumber string    `json:"confirmation_number,omitempty"`
	Objections         []string  `json:"objections,omitempty"`
	HasOverdueBalance  bool      `json:"has_overdue_balance"` // reserved; nothing sets it yet
	CallStartTime      time.Time `json:"call_start_time"`
	InteractionCount   int       `json:"interaction_count"`
	PaymentConfirmed   bool      `json:"payment_confirmed"`
}

// NewCallState returns a state with only the phone number and start time set.
func NewCallState(phoneNumber string, now time.Time) *CallState {
	return &CallState{
		PhoneNumber:   phoneNumber,
		CallStartTime: now,
	}
}

// Clone returns a deep copy safe to hand to readers outside the machine.
func (s *CallState) Clone() CallState {
	out := *s
	out.Objections = slices.Clone(s.Objections)
	return out
}

// Duration reports how long the call has been running at now.
func (s *CallState) Duration(now time.Time) time.Duration {
	if s.CallStartTime.IsZero() {
		return 0
	}
	return now.Sub(s.CallStartTime)
}

// PaymentOutcome summarizes the call result for logs and metrics.
func (s *CallState) PaymentOutcome() string {
	switch {
	case s.PaymentConfirmed:
		return "paid"
	case s.IsInterested:
		return "interested"
	case len(s.Objections) > 0:
		return "objected"
	default:
		return "none"
	}
}

// ReadyForPayment reports whether identity verification and the amount are in place.
func (s *CallState) ReadyForPayment() bool {
	return s.LastFourDigits != "" && s.BillingZip != "" && s.PaymentAmount != ""
}
