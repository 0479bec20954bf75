// Package voice connects calls to a telephony provider. A Room is the
// shared space of one outbound call: the dialed participant, the speech
// recognized from them, and what the agent says back.
package voice

import (
	"context"
	"time"
)

// ProviderName identifies a telephony provider.
type ProviderName string

const (
	ProviderTwilio ProviderName = "twilio"
	ProviderMock   ProviderName = "mock"
)

// CallState represents the current state of a provider call leg.
type CallState string

const (
	StateCreated   CallState = "created"
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateActive    CallState = "active"

	StateCompleted CallState = "completed"
	StateFailed    CallState = "failed"
	StateNoAnswer  CallState = "no-answer"
	StateBusy      CallState = "busy"
	StateCanceled  CallState = "canceled"
	StateDeleted   CallState = "deleted"
)

// IsTerminal returns true if this is a terminal state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateNoAnswer, StateBusy, StateCanceled, StateDeleted:
		return true
	}
	return false
}

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted EndReason = "completed"
	EndReasonFailed    EndReason = "failed"
	EndReasonNoAnswer  EndReason = "no-answer"
	EndReasonBusy      EndReason = "busy"
	EndReasonCanceled  EndReason = "canceled"
)

// EventType categorizes call events.
type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallRinging   EventType = "call.ringing"
	EventCallAnswered  EventType = "call.answered"
	EventCallSpeech    EventType = "call.speech"
	EventCallDTMF      EventType = "call.dtmf"
	EventCallEnded     EventType = "call.ended"
)

// CallEvent represents an event during a call's lifecycle.
type CallEvent struct {
	ID             string    `json:"id"`
	Room           string    `json:"room"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Type           EventType `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`

	Transcript string    `json:"transcript,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Digits     string    `json:"digits,omitempty"`
	Reason     EndReason `json:"reason,omitempty"`
}

// TranscriptEntry represents a single utterance in a call transcript.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker"` // "agent" or "customer"
	Text      string    `json:"text"`
}

// InitiateCallInput contains parameters for starting an outbound call.
type InitiateCallInput struct {
	Room string
	// From is the outbound trunk the call originates from.
	From string
	To   string
	// WebhookURL receives call TwiML fetches and status callbacks.
	WebhookURL  string
	RingTimeout time.Duration
	Speech      SpeechSettings
}

// InitiateCallResult contains the result of initiating a call.
type InitiateCallResult struct {
	ProviderCallID string
	Status         string
}

// HangupCallInput contains parameters for ending a call.
type HangupCallInput struct {
	Room           string
	ProviderCallID string
}

// PlayTTSInput contains parameters for speaking to the participant.
type PlayTTSInput struct {
	Room           string
	ProviderCallID string
	Text           string
	WebhookURL     string
	Speech         SpeechSettings
}

// WebhookContext provides context for processing webhook requests.
type WebhookContext struct {
	Headers map[string]string
	Body    string
	URL     string
	Method  string
	Query   map[string]string
}

// WebhookParseResult contains the result of parsing a webhook.
type WebhookParseResult struct {
	Events          []CallEvent
	ResponseBody    string
	ResponseHeaders map[string]string
	StatusCode      int
}

// Provider defines the interface for telephony providers.
type Provider interface {
	// Name returns the provider identifier.
	Name() ProviderName

	// InitiateCall starts an outbound call.
	InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error)

	// HangupCall ends an active call. Ending a call that is already gone is not an error.
	HangupCall(ctx context.Context, input *HangupCallInput) error

	// PlayTTS speaks text on the call and resumes listening afterwards.
	PlayTTS(ctx context.Context, input *PlayTTSInput) error

	// VerifyWebhook validates webhook authenticity.
	VerifyWebhook(ctx *WebhookContext) (bool, error)

	// ParseWebhook parses a webhook into events and the provider response.
	ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error)
}
