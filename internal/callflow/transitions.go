package callflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/paycall/internal/validate"
)

// Outcome is the result of one transition.
type Outcome struct {
	// Reply is spoken to the customer verbatim. It may be empty.
	Reply string
	// Next is the stage that becomes active when Advance is true.
	Next    StageKind
	Advance bool
	// Hangup asks the session to tear the call down once Reply has played.
	Hangup bool
	// Rejected marks a validation failure; the state was left untouched.
	Rejected bool
}

func stay(reply string) Outcome { return Outcome{Reply: reply} }

func reject(reply string) Outcome { return Outcome{Reply: reply, Rejected: true} }

func advance(reply string, next StageKind) Outcome {
	return Outcome{Reply: reply, Next: next, Advance: true}
}

func hangup(reply string) Outcome { return Outcome{Reply: reply, Hangup: true} }

// env carries what handlers need besides the state.
type env struct {
	persona Persona
	issue   func() string
}

type handlerFunc func(state *CallState, raw json.RawMessage, e *env) Outcome

// transition is one row of the table.
type transition struct {
	name        string
	description string
	from        StageKind
	// to is the target stage; equal to from for transitions that stay.
	to      StageKind
	endCall bool
	args    any
	handle  handlerFunc
}

const replyUnclear = "I'm sorry, I didn't quite catch that. Could you say it again?"

// bind decodes the tool arguments into T before calling fn. Malformed JSON
// never reaches fn.
func bind[T any](fn func(*CallState, T, *env) Outcome) handlerFunc {
	return func(state *CallState, raw json.RawMessage, e *env) Outcome {
		var args T
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, &args); err != nil {
				return reject(replyUnclear)
			}
		}
		return fn(state, args, e)
	}
}

type noArgs struct{}

type confirmNameArgs struct {
	Name string `json:"name" jsonschema:"description=The customer's name as they confirmed it"`
}

type callbackArgs struct {
	PreferredTime string `json:"preferred_time,omitempty" jsonschema:"description=When the customer would like to be called back"`
}

type wantsToPayArgs struct {
	PaymentAmount  string `json:"payment_amount" jsonschema:"description=Amount the customer wants to pay, e.g. $150.00"`
	DueDate        string `json:"due_date,omitempty" jsonschema:"description=Payment due date if mentioned"`
	LastFourDigits string `json:"last_four_digits,omitempty" jsonschema:"description=Last four digits of the card if offered"`
}

type questionArgs struct {
	QuestionType string `json:"question_type" jsonschema:"description=Kind of question, e.g. balance, payment_methods, due_date, autopay"`
}

type objectionArgs struct {
	Objection string `json:"objection" jsonschema:"description=The customer's concern in their own words"`
}

type balanceArgs struct {
	CurrentBalance string `json:"current_balance" jsonschema:"description=Current balance stated by the customer"`
}

type verifyArgs struct {
	LastFourDigits string `json:"last_four_digits" jsonschema:"description=Last four digits of the card"`
	BillingZip     string `json:"billing_zip" jsonschema:"description=Five digit billing ZIP code"`
}

type amountArgs struct {
	PaymentAmount string `json:"payment_amount" jsonschema:"description=Corrected payment amount"`
}

type processArgs struct {
	PaymentMethod string `json:"payment_method" jsonschema:"description=How the customer is paying, e.g. debit card or bank transfer"`
}

type failedArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why the payment could not be completed"`
}

const (
	replyBadAmount   = "I'm sorry, I need a valid payment amount between one cent and fifty thousand dollars. How much would you like to pay?"
	replyBadLastFour = "I'm sorry, I need exactly the last four digits of your card. Could you repeat them?"
	replyBadZip      = "I'm sorry, the billing ZIP code should be five digits. Could you repeat it?"
	replyNotVerified = "Before I can process the payment I need the last four digits of your card, your billing ZIP code, and the amount."
)

func endCall(from StageKind, reply string) transition {
	return transition{
		name:        "end_call",
		description: "The customer wants to end the call.",
		from:        from,
		to:          StageGoodbye,
		args:        noArgs{},
		handle: bind(func(*CallState, noArgs, *env) Outcome {
			return advance(reply, StageGoodbye)
		}),
	}
}

// table is the stage graph. Order within a stage is the order tools are offered.
var table = buildTable()

func buildTable() map[StageKind][]transition {
	return map[StageKind][]transition{
		StageGreeting: {
			{
				name:        "confirm_customer_name",
				description: "The customer confirmed their name.",
				from:        StageGreeting,
				to:          StageGreeting,
				args:        confirmNameArgs{},
				handle: bind(func(s *CallState, a confirmNameArgs, _ *env) Outcome {
					name := strings.TrimSpace(a.Name)
					if name == "" {
						return reject("Sorry, could I get your name once more?")
					}
					s.CustomerName = name
					return stay(fmt.Sprintf("Thank you, %s.", name))
				}),
			},
			{
				name:        "detected_answering_machine",
				description: "Call this when you reach voicemail or an answering machine, right after the greeting is heard.",
				from:        StageGreeting,
				to:          StageGreeting,
				endCall:     true,
				args:        noArgs{},
				handle: bind(func(_ *CallState, _ noArgs, e *env) Outcome {
					return hangup(fmt.Sprintf(
						"Hi, this is %s from %s calling about your credit card payment options. Please call us back at %s at your convenience. Thank you!",
						e.persona.AgentName, e.persona.Company, e.persona.CallbackNumber))
				}),
			},
			{
				name:        "customer_requests_callback",
				description: "The customer asked to be called back at another time.",
				from:        StageGreeting,
				to:          StageGreeting,
				endCall:     true,
				args:        callbackArgs{},
				handle: bind(func(_ *CallState, a callbackArgs, _ *env) Outcome {
					if t := strings.TrimSpace(a.PreferredTime); t != "" {
						return hangup(fmt.Sprintf("Of course. We'll call you back %s. Have a great day!", t))
					}
					return hangup("Of course. We'll call you back at a better time. Have a great day!")
				}),
			},
			{
				name:        "proceed_to_payment_inquiry",
				description: "The customer is willing to talk about their payment.",
				from:        StageGreeting,
				to:          StagePaymentInquiry,
				args:        noArgs{},
				handle: bind(func(*CallState, noArgs, *env) Outcome {
					return advance("Great! Let me help you with that.", StagePaymentInquiry)
				}),
			},
			endCall(StageGreeting, "Of course. Thanks for your time."),
		},
		StagePaymentInquiry: {
			{
				name:        "customer_wants_to_pay",
				description: "The customer wants to make a payment.",
				from:        StagePaymentInquiry,
				to:          StagePaymentProcessing,
				args:        wantsToPayArgs{},
				handle: bind(func(s *CallState, a wantsToPayArgs, _ *env) Outcome {
					amount := strings.TrimSpace(a.PaymentAmount)
					if !validate.ValidatePaymentAmount(amount) {
						return reject(replyBadAmount)
					}
					lastFour := strings.TrimSpace(a.LastFourDigits)
					if lastFour != "" && !validate.ValidateLastFour(lastFour) {
						return reject(replyBadLastFour)
					}
					s.IsInterested = true
					s.PaymentAmount = amount
					s.DueDate = strings.TrimSpace(a.DueDate)
					if lastFour != "" {
						s.LastFourDigits = lastFour
					}
					return advance("Perfect! Let me help you process that payment.", StagePaymentProcessing)
				}),
			},
			{
				name:        "customer_has_question",
				description: "The customer has a question about their account or payment options.",
				from:        StagePaymentInquiry,
				to:          StageQuestionHandler,
				args:        questionArgs{},
				handle: bind(func(*CallState, questionArgs, *env) Outcome {
					return advance("I'd be happy to help with that.", StageQuestionHandler)
				}),
			},
			{
				name:        "customer_not_interested",
				description: "The customer does not want to make a payment.",
				from:        StagePaymentInquiry,
				to:          StageGoodbye,
				args:        noArgs{},
				handle: bind(func(*CallState, noArgs, *env) Outcome {
					return advance("I understand. Thank you for your time.", StageGoodbye)
				}),
			},
			{
				name:        "customer_has_objection",
				description: "The customer raised a concern about paying.",
				from:        StagePaymentInquiry,
				to:          StageObjectionHandler,
				args:        objectionArgs{},
				handle: bind(func(s *CallState, a objectionArgs, _ *env) Outcome {
					objection := strings.TrimSpace(a.Objection)
					if objection == "" {
						return reject("I want to make sure I understand. What's your concern?")
					}
					s.Objections = append(s.Objections, objection)
					return advance("I understand your concern.", StageObjectionHandler)
				}),
			},
			endCall(StagePaymentInquiry, "No problem. Thank you for your time."),
		},
		StageQuestionHandler: {
			{
				name:        "question_answered_proceed_to_payment",
				description: "The question was answered and the customer is ready to talk about payment.",
				from:        StageQuestionHandler,
				to:          StagePaymentInquiry,
				args:        noArgs{},
				handle: bind(func(*CallState, noArgs, *env) Outcome {
					return advance("Does that help? Now, would you like to make a payment today?", StagePaymentInquiry)
				}),
			},
			{
				name:        "customer_states_balance",
				description: "The customer told you their current balance.",
				from:        StageQuestionHandler,
				to:          StageQuestionHandler,
				args:        balanceArgs{},
				handle: bind(func(s *CallState, a balanceArgs, _ *env) Outcome {
					balance := strings.TrimSpace(a.CurrentBalance)
					if !validate.ValidatePaymentAmount(balance) {
						return reject("Sorry, could you repeat the balance amount?")
					}
					s.CurrentBalance = balance
					return stay("Thanks, I've noted a balance of " + balance + ".")
				}),
			},
			endCall(StageQuestionHandler, "I hope that helped. Thank you for calling."),
		},
		StageObjectionHandler: {
			{
				name:        "objection_resolved",
				description: "The customer's concern was resolved and they are open to paying.",
				from:        StageObjectionHandler,
				to:          StagePaymentInquiry,
				args:        noArgs{},
				handle: bind(func(*CallState, noArgs, *env) Outcome {
					return advance("I'm glad we could work that out.", StagePaymentInquiry)
				}),
			},
			endCall(StageObjectionHandler, "I understand. Please don't hesitate to call if you need assistance."),
		},
		StagePaymentProcessing: {
			{
				name:        "verify_customer_info",
				description: "The customer gave the last four digits of the card and the billing ZIP code.",
				from:        StagePaymentProcessing,
				to:          StagePaymentProcessing,
				args:        verifyArgs{},
				handle: bind(func(s *CallState, a verifyArgs, _ *env) Outcome {
					lastFour := strings.TrimSpace(a.LastFourDigits)
					zip := strings.TrimSpace(a.BillingZip)
					if !validate.ValidateLastFour(lastFour) {
						return reject(replyBadLastFour)
					}
					if !validate.ValidateZIP(zip) {
						return reject(replyBadZip)
					}
					s.LastFourDigits = lastFour
					s.BillingZip = zip
					return stay("Thank you, you're verified. How would you like to pay?")
				}),
			},
			{
				name:        "update_payment_amount",
				description: "The customer wants to change the payment amount.",
				from:        StagePaymentProcessing,
				to:          StagePaymentProcessing,
				args:        amountArgs{},
				handle: bind(func(s *CallState, a amountArgs, _ *env) Outcome {
					amount := strings.TrimSpace(a.PaymentAmount)
					if !validate.ValidatePaymentAmount(amount) {
						return reject(replyBadAmount)
					}
					s.PaymentAmount = amount
					return stay("Got it, I've updated the payment amount to " + amount + ".")
				}),
			},
			{
				name:        "process_payment",
				description: "Identity is verified and the customer confirmed the amount and payment method.",
				from:        StagePaymentProcessing,
				to:          StageGoodbye,
				args:        processArgs{},
				handle: bind(func(s *CallState, a processArgs, e *env) Outcome {
					if !s.ReadyForPayment() {
						return reject(replyNotVerified)
					}
					method := strings.TrimSpace(a.PaymentMethod)
					if method == "" {
						return reject("How would you like to pay today?")
					}
					confirmation := e.issue()
					s.PaymentMethod = method
					s.ConfirmationNumber = confirmation
					s.PaymentConfirmed = true
					return advance(fmt.Sprintf(
						"Your payment of %s has been processed successfully. Your confirmation number is %s.",
						s.PaymentAmount, spellConfirmation(confirmation)), StageGoodbye)
				}),
			},
			{
				name:        "payment_failed",
				description: "The payment could not be completed.",
				from:        StagePaymentProcessing,
				to:          StageObjectionHandler,
				args:        failedArgs{},
				handle: bind(func(*CallState, failedArgs, *env) Outcome {
					return advance("I apologize, but we're having trouble processing your payment. Let me help you with an alternative.", StageObjectionHandler)
				}),
			},
			endCall(StagePaymentProcessing, "No problem. You can always call back to complete your payment."),
		},
	}
}

// spellConfirmation separates characters so speech synthesis reads them one by one.
func spellConfirmation(code string) string {
	return strings.Join(strings.Split(code, ""), " ")
}
