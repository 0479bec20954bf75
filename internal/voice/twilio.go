package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/paycall/internal/retry"
)

// DefaultTwilioAPIURL is the Twilio REST API root.
const DefaultTwilioAPIURL = "https://api.twilio.com/2010-04-01"

// TwilioProvider implements the Provider interface for the Twilio Voice API.
// Speech is carried by <Say> and <Gather input="speech">; the call is kept in
// a listen loop between agent turns.
//
// TwilioProvider is safe for concurrent use.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	speech     SpeechSettings
	client     *http.Client
	now        func() time.Time
}

// TwilioConfig holds configuration for the Twilio provider.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required)
	AccountSID string

	// AuthToken is the Twilio auth token (required)
	AuthToken string

	// APIURL overrides the REST API root (optional)
	APIURL string

	// RequestTimeout bounds each REST call (optional)
	RequestTimeout time.Duration

	// Speech configures the listen loop served from webhooks (optional)
	Speech SpeechSettings
}

// APIError is a non-2xx response from the Twilio REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
}

// NewTwilioProvider creates a new Twilio voice provider.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultTwilioAPIURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("%s/Accounts/%s", apiURL, cfg.AccountSID),
		speech:     cfg.Speech,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() ProviderName {
	return ProviderTwilio
}

// InitiateCall places an outbound call via the Twilio API. Rejections the
// API will repeat on retry are returned as permanent errors.
func (p *TwilioProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	if input.WebhookURL == "" {
		return nil, retry.Permanent(errors.New("twilio: webhook URL is required"))
	}
	callURL, err := webhookURL(input.WebhookURL, input.Room, "")
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("twilio: invalid webhook URL: %w", err))
	}
	statusURL, _ := webhookURL(input.WebhookURL, input.Room, "status")

	timeout := input.RingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	params := url.Values{
		"To":                  {input.To},
		"From":                {input.From},
		"Url":                 {callURL},
		"StatusCallback":      {statusURL},
		"StatusCallbackEvent": {"initiated", "ringing", "answered", "completed"},
		"Timeout":             {strconv.Itoa(int(timeout / time.Second))},
	}

	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		err = fmt.Errorf("twilio: failed to initiate call: %w", err)
		if isPermanentAPIError(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse response: %w", err)
	}

	return &InitiateCallResult{
		ProviderCallID: result.SID,
		Status:         result.Status,
	}, nil
}

// HangupCall ends an active call.
func (p *TwilioProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	if input.ProviderCallID == "" {
		return nil
	}
	params := url.Values{
		"Status": {"completed"},
	}

	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("twilio: failed to hangup call: %w", err)
	}
	return nil
}

// PlayTTS replaces the call's TwiML with the text followed by a speech gather.
func (p *TwilioProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	if input.WebhookURL == "" {
		return errors.New("twilio: missing webhook URL for call")
	}
	twiml, err := sayTwiML(input.Text, input.WebhookURL, input.Room, input.Speech)
	if err != nil {
		return err
	}

	params := url.Values{
		"Twiml": {twiml},
	}
	if _, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params); err != nil {
		return fmt.Errorf("twilio: failed to play TTS: %w", err)
	}
	return nil
}

// VerifyWebhook validates webhook authenticity using HMAC-SHA1.
func (p *TwilioProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	signature := ctx.Headers["x-twilio-signature"]
	if signature == "" {
		signature = ctx.Headers["X-Twilio-Signature"]
	}
	if signature == "" {
		return false, nil
	}

	params, err := url.ParseQuery(ctx.Body)
	if err != nil {
		return false, fmt.Errorf("twilio: failed to parse body: %w", err)
	}
	expected := signTwilio(p.authToken, ctx.URL, params)
	return hmac.Equal([]byte(signature), []byte(expected)), nil
}

// signTwilio computes the X-Twilio-Signature for a URL and form body.
func signTwilio(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhook parses a webhook into events and the TwiML to answer with.
func (p *TwilioProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	params, err := url.ParseQuery(ctx.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to parse body: %w", err)
	}

	room := ctx.Query["room"]
	event := p.normalizeEvent(params, room)

	result := &WebhookParseResult{
		ResponseBody:    p.generateTwiML(ctx, room),
		ResponseHeaders: map[string]string{"Content-Type": "application/xml"},
		StatusCode:      http.StatusOK,
	}
	if event != nil {
		result.Events = []CallEvent{*event}
	}
	return result, nil
}

// normalizeEvent converts Twilio webhook params to a normalized event.
func (p *TwilioProvider) normalizeEvent(params url.Values, room string) *CallEvent {
	event := &CallEvent{
		ID:             uuid.New().String(),
		Room:           room,
		ProviderCallID: params.Get("CallSid"),
		Timestamp:      p.now(),
		From:           params.Get("From"),
		To:             params.Get("To"),
	}

	if speech := strings.TrimSpace(params.Get("SpeechResult")); speech != "" {
		event.Type = EventCallSpeech
		event.Transcript = speech
		if conf := params.Get("Confidence"); conf != "" {
			if v, err := strconv.ParseFloat(conf, 64); err == nil {
				event.Confidence = v
			}
		}
		return event
	}

	if digits := params.Get("Digits"); digits != "" {
		event.Type = EventCallDTMF
		event.Digits = digits
		return event
	}

	switch params.Get("CallStatus") {
	case "initiated", "queued":
		event.Type = EventCallInitiated
	case "ringing":
		event.Type = EventCallRinging
	case "in-progress":
		event.Type = EventCallAnswered
	case "completed":
		event.Type = EventCallEnded
		event.Reason = EndReasonCompleted
	case "busy":
		event.Type = EventCallEnded
		event.Reason = EndReasonBusy
	case "no-answer":
		event.Type = EventCallEnded
		event.Reason = EndReasonNoAnswer
	case "failed":
		event.Type = EventCallEnded
		event.Reason = EndReasonFailed
	case "canceled":
		event.Type = EventCallEnded
		event.Reason = EndReasonCanceled
	default:
		return nil
	}
	return event
}

// generateTwiML answers a webhook. Status callbacks get an empty response;
// everything else keeps the call in the listen loop until the agent speaks.
func (p *TwilioProvider) generateTwiML(ctx *WebhookContext, room string) string {
	if ctx.Query["type"] == "status" {
		return emptyTwiML
	}
	base := ctx.URL
	if u, err := url.Parse(ctx.URL); err == nil {
		u.RawQuery = ""
		base = u.String()
	}
	twiml, err := listenTwiML(base, room, p.speech)
	if err != nil {
		return emptyTwiML
	}
	return twiml
}

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// sayTwiML speaks text, then gathers speech and loops back to listening.
func sayTwiML(text, base, room string, s SpeechSettings) (string, error) {
	listen, err := gatherTwiML(base, room, s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say voice="%s" language="%s">%s</Say>
%s
</Response>`, escapeXML(s.voice()), escapeXML(s.language()), escapeXML(text), listen), nil
}

func listenTwiML(base, room string, s SpeechSettings) (string, error) {
	listen, err := gatherTwiML(base, room, s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
%s
</Response>`, listen), nil
}

func gatherTwiML(base, room string, s SpeechSettings) (string, error) {
	action, err := webhookURL(base, room, "speech")
	if err != nil {
		return "", fmt.Errorf("twilio: invalid webhook URL: %w", err)
	}
	redirect, _ := webhookURL(base, room, "listen")
	return fmt.Sprintf(`  <Gather input="speech" speechTimeout="%s" speechModel="%s" language="%s" action="%s" method="POST"></Gather>
  <Redirect method="POST">%s</Redirect>`,
		escapeXML(s.speechTimeout()), escapeXML(s.speechModel()), escapeXML(s.language()),
		escapeXML(action), escapeXML(redirect)), nil
}

// webhookURL adds the room and callback type to the webhook base URL.
func webhookURL(base, room, kind string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("absolute URL required, got %q", base)
	}
	q := u.Query()
	q.Set("room", room)
	if kind != "" {
		q.Set("type", kind)
	} else {
		q.Del("type")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s SpeechSettings) language() string {
	if s.Language == "" {
		return defaultLanguage
	}
	return s.Language
}

func (s SpeechSettings) voice() string {
	if s.Voice == "" {
		return defaultVoice
	}
	return s.Voice
}

func (s SpeechSettings) speechModel() string {
	if s.SpeechModel == "" {
		return defaultSpeechModel
	}
	return s.SpeechModel
}

func (s SpeechSettings) speechTimeout() string {
	if s.SpeechTimeout == "" {
		return defaultSpeechTimeout
	}
	return s.SpeechTimeout
}

// apiRequest makes an authenticated request to the Twilio API.
func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := p.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > 1<<20 {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(body))
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// isPermanentAPIError reports client errors other than rate limiting.
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}

// escapeXML escapes special characters for XML content.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
