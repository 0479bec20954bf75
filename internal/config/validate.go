package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config: invalid configuration"
	}
	return "config: invalid configuration: " + strings.Join(e.Issues, "; ")
}

// Validate checks that everything needed to place calls is present. It must
// pass before any call logic runs.
func (c *Config) Validate() error {
	var issues []string
	missing := func(value, field, env string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, fmt.Sprintf("%s is required (set %s)", field, env))
		}
	}

	if c.Telephony.Provider != "twilio" {
		issues = append(issues, fmt.Sprintf("telephony.provider %q is not supported", c.Telephony.Provider))
	}
	missing(c.Telephony.AccountSID, "telephony.account_sid", EnvTwilioAccountSID)
	missing(c.Telephony.AuthToken, "telephony.auth_token", EnvTwilioAuthToken)
	missing(c.Telephony.APIURL, "telephony.api_url", EnvTwilioAPIURL)
	missing(c.Telephony.OutboundTrunkID, "telephony.outbound_trunk_id", EnvOutboundTrunkID)
	missing(c.Telephony.PublicURL, "telephony.public_url", EnvPublicURL)
	if c.Telephony.APIURL != "" {
		if u, err := url.Parse(c.Telephony.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, "telephony.api_url must be an absolute URL")
		}
	}
	if c.Telephony.PublicURL != "" {
		if u, err := url.Parse(c.Telephony.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, "telephony.public_url must be an absolute URL")
		}
	}

	switch c.LLM.Provider {
	case "openai":
		missing(c.LLM.APIKey, "llm.api_key", EnvOpenAIKey)
	case "anthropic":
		missing(c.LLM.APIKey, "llm.api_key", EnvAnthropicKey)
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}

	if c.Policy.DialMaxAttempts < 1 {
		issues = append(issues, "policy.dial_max_attempts must be at least 1")
	}
	if c.Policy.HangupMaxAttempts < 1 {
		issues = append(issues, "policy.hangup_max_attempts must be at least 1")
	}
	if c.Policy.BackoffUnit < 0 || c.Policy.GoodbyeGrace < 0 {
		issues = append(issues, "policy delays must not be negative")
	}
	if c.Policy.MaxToolRounds < 1 {
		issues = append(issues, "policy.max_tool_rounds must be at least 1")
	}
	if c.Speech.WordsPerMinute < 1 {
		issues = append(issues, "speech.words_per_minute must be positive")
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1 {
		issues = append(issues, "dispatch.workers and dispatch.queue_size must be positive")
	}

	if c.Cleanup.Enabled {
		if _, err := ParseSchedule(c.Cleanup.Schedule); err != nil {
			issues = append(issues, fmt.Sprintf("cleanup.schedule: %v", err))
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor such as "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("schedule is empty")
	}
	return scheduleParser.Parse(spec)
}
