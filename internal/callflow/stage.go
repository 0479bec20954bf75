package callflow

import "fmt"

// StageKind identifies one stage of the conversation.
type StageKind int

const (
	StageGreeting StageKind = iota
	StagePaymentInquiry
	StageQuestionHandler
	StageObjectionHandler
	StagePaymentProcessing
	StageGoodbye
)

// EntryStage and TerminalStage bound the stage graph.
const (
	EntryStage    = StageGreeting
	TerminalStage = StageGoodbye
)

var stageNames = [...]string{
	StageGreeting:          "greeting",
	StagePaymentInquiry:    "payment_inquiry",
	StageQuestionHandler:   "question_handler",
	StageObjectionHandler:  "objection_handler",
	StagePaymentProcessing: "payment_processing",
	StageGoodbye:           "goodbye",
}

func (k StageKind) String() string {
	if k < 0 || int(k) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(k))
	}
	return stageNames[k]
}

// Stages lists every stage kind in graph order.
func Stages() []StageKind {
	return []StageKind{
		StageGreeting,
		StagePaymentInquiry,
		StageQuestionHandler,
		StageObjectionHandler,
		StagePaymentProcessing,
		StageGoodbye,
	}
}

// Persona is the identity the agent speaks as.
type Persona struct {
	AgentName      string `json:"agent_name"`
	Company        string `json:"company"`
	CallbackNumber string `json:"callback_number"`
}

// DefaultPersona returns the stock persona.
func DefaultPersona() Persona {
	return Persona{
		AgentName:      "Emily",
		Company:        "SecureCard Financial Services",
		CallbackNumber: "1-800-555-0142",
	}
}

// Profile is the language-model facing description of a stage.
type Profile struct {
	// Instructions stay in effect for as long as the stage is active.
	Instructions string
	// EnterPrompt drives the reply generated once when the stage becomes active.
	EnterPrompt string
}

// ProfileFor renders the profile of kind for persona p.
func ProfileFor(kind StageKind, p Persona) Profile {
	switch kind {
	case StageGreeting:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s, a payment specialist with %[2]s, on an outbound call about the customer's credit card bill.
Greet the customer warmly and professionally. Confirm their name if you have it, and ask whether now is a good time to talk about their credit card account.
Explain that you are calling to help with convenient payment options so they never miss a payment.
Aim for a neutral or positive answer, then move on to the payment discussion.
If you reach voicemail or an answering machine, report it immediately. If the customer asks to be called later, record the preferred time.
Keep sentences short; you are speaking on the phone.`, p.AgentName, p.Company),
			EnterPrompt: "Greet the customer, introduce yourself, and explain the purpose of your call.",
		}
	case StagePaymentInquiry:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s, a payment specialist with %[2]s. Find out what the customer needs regarding their payment.
Ask whether they would like to make a payment on their balance today, whether they know their current balance, and when the payment is due.
Mention that automatic payments help avoid late fees.
Decide from their answer whether they want to pay, have a question, have a concern, or are not interested.
Never ask for a full card number; only the last four digits are ever needed.`, p.AgentName, p.Company),
			EnterPrompt: "Ask the customer whether they would like to make a payment today and how much they would like to pay.",
		}
	case StageQuestionHandler:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s, a payment specialist with %[2]s. Answer the customer's questions about their credit card account.
Balance questions: offer to help once they verify the last four digits of their card.
Payment methods: bank transfer, debit card, and online payment are accepted.
Due dates: explain the payment schedule and how to avoid late fees.
Automatic payments: explain that they ensure a due date is never missed.
Once the question is answered, steer back toward making a payment.`, p.AgentName, p.Company),
			EnterPrompt: "Answer the customer's question briefly and clearly.",
		}
	case StageObjectionHandler:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s, a payment specialist with %[2]s. The customer has a concern about paying.
Respond with empathy. If money is tight, offer a payment plan or the minimum payment to avoid late fees.
If they are unsure of the balance, offer to verify it. If they prefer paying online, offer to walk them through the secure portal.
If they say they already paid, offer to check that it was processed.
Work toward a payment solution without pressure.`, p.AgentName, p.Company),
			EnterPrompt: "Acknowledge the customer's concern and offer a helpful option.",
		}
	case StagePaymentProcessing:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s, a payment specialist with %[2]s. Guide the customer through the payment securely.
First verify identity with the last four digits of the card and the billing ZIP code.
Then confirm the payment amount and the payment method, and process the payment.
Always read back the confirmation number once the payment goes through.
Never ask for the full card number, the security code, or a social security number.`, p.AgentName, p.Company),
			EnterPrompt: "Explain that you need the last four digits of the card and the billing ZIP code to process the payment securely.",
		}
	case StageGoodbye:
		return Profile{
			Instructions: fmt.Sprintf(`You are %[1]s from %[2]s. End the call professionally.
If a payment was completed, thank the customer and remind them to keep their confirmation number.
Otherwise thank them for their time and remind them they can pay online at any time or call back at %[3]s.`, p.AgentName, p.Company, p.CallbackNumber),
			EnterPrompt: "Say goodbye to the customer based on the outcome of the call.",
		}
	default:
		return Profile{}
	}
}
