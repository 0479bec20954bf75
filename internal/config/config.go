// Package config loads paycall configuration from YAML with environment
// variable expansion and overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for paycall.
type Config struct {
	Telephony TelephonyConfig `yaml:"telephony"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Speech    SpeechConfig    `yaml:"speech"`
	Policy    PolicyConfig    `yaml:"policy"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// TelephonyConfig holds the credentials and endpoint of the voice provider.
type TelephonyConfig struct {
	Provider   string `yaml:"provider"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	APIURL     string `yaml:"api_url"`
	// OutboundTrunkID is the caller id (number or SIP trunk address) calls originate from.
	OutboundTrunkID string `yaml:"outbound_trunk_id"`
	// PublicURL is the externally reachable base URL for provider webhooks.
	PublicURL string `yaml:"public_url"`
	// InsecureSkipVerify accepts unsigned webhooks. Local testing only.
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// AgentConfig describes the agent persona and dispatch name.
type AgentConfig struct {
	Name           string `yaml:"name"`
	DisplayName    string `yaml:"display_name"`
	Company        string `yaml:"company"`
	CallbackNumber string `yaml:"callback_number"`
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SpeechConfig tunes speech recognition and synthesis on the call.
type SpeechConfig struct {
	Language       string `yaml:"language"`
	Voice          string `yaml:"voice"`
	SpeechModel    string `yaml:"speech_model"`
	SpeechTimeout  string `yaml:"speech_timeout"`
	WordsPerMinute int    `yaml:"words_per_minute"`
}

// PolicyConfig holds the retry caps and delays of a call.
type PolicyConfig struct {
	DialMaxAttempts   int           `yaml:"dial_max_attempts"`
	HangupMaxAttempts int           `yaml:"hangup_max_attempts"`
	BackoffUnit       time.Duration `yaml:"backoff_unit"`
	GoodbyeGrace      time.Duration `yaml:"goodbye_grace"`
	MaxToolRounds     int           `yaml:"max_tool_rounds"`
}

// DispatchConfig sizes the in-process call worker pool.
type DispatchConfig struct {
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	RoomPrefix string `yaml:"room_prefix"`
}

// CleanupConfig schedules removal of stale call rooms.
type CleanupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads the YAML file at path, expands ${VAR} references, applies
// environment overrides and defaults. An empty path yields a config built
// from defaults and the environment alone. Load does not call Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// Parse decodes a single YAML document after environment expansion.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}

// Environment variables that override file values when set.
const (
	EnvTwilioAccountSID = "TWILIO_ACCOUNT_SID"
	EnvTwilioAuthToken  = "TWILIO_AUTH_TOKEN"
	EnvTwilioAPIURL     = "TWILIO_API_URL"
	EnvOutboundTrunkID  = "SIP_OUTBOUND_TRUNK_ID"
	EnvPublicURL        = "PAYCALL_PUBLIC_URL"
	EnvAPIToken         = "PAYCALL_API_TOKEN"
	EnvLogLevel         = "PAYCALL_LOG_LEVEL"
	EnvOpenAIKey        = "OPENAI_API_KEY"
	EnvAnthropicKey     = "ANTHROPIC_API_KEY"
)

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Telephony.AccountSID, EnvTwilioAccountSID)
	override(&cfg.Telephony.AuthToken, EnvTwilioAuthToken)
	override(&cfg.Telephony.APIURL, EnvTwilioAPIURL)
	override(&cfg.Telephony.OutboundTrunkID, EnvOutboundTrunkID)
	override(&cfg.Telephony.PublicURL, EnvPublicURL)
	override(&cfg.Server.APIToken, EnvAPIToken)
	override(&cfg.Logging.Level, EnvLogLevel)

	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "anthropic":
			override(&cfg.LLM.APIKey, EnvAnthropicKey)
		case "openai", "":
			override(&cfg.LLM.APIKey, EnvOpenAIKey)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Telephony.Provider == "" {
		cfg.Telephony.Provider = "twilio"
	}
	if cfg.Telephony.APIURL == "" {
		cfg.Telephony.APIURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.Telephony.RingTimeout == 0 {
		cfg.Telephony.RingTimeout = 45 * time.Second
	}
	if cfg.Telephony.RequestTimeout == 0 {
		cfg.Telephony.RequestTimeout = 30 * time.Second
	}

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "emily-payment-specialist"
	}
	if cfg.Agent.DisplayName == "" {
		cfg.Agent.DisplayName = "Emily"
	}
	if cfg.Agent.Company == "" {
		cfg.Agent.Company = "SecureCard Financial Services"
	}
	if cfg.Agent.CallbackNumber == "" {
		cfg.Agent.CallbackNumber = "1-800-555-0142"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-3-5-haiku-latest"
		default:
			cfg.LLM.Model = "gpt-4o-mini"
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 300
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 20 * time.Second
	}

	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "en-US"
	}
	if cfg.Speech.Voice == "" {
		cfg.Speech.Voice = "Polly.Joanna"
	}
	if cfg.Speech.SpeechModel == "" {
		cfg.Speech.SpeechModel = "phone_call"
	}
	if cfg.Speech.SpeechTimeout == "" {
		cfg.Speech.SpeechTimeout = "auto"
	}
	if cfg.Speech.WordsPerMinute == 0 {
		cfg.Speech.WordsPerMinute = 160
	}

	if cfg.Policy.DialMaxAttempts == 0 {
		cfg.Policy.DialMaxAttempts = 3
	}
	if cfg.Policy.HangupMaxAttempts == 0 {
		cfg.Policy.HangupMaxAttempts = 3
	}
	if cfg.Policy.BackoffUnit == 0 {
		cfg.Policy.BackoffUnit = time.Second
	}
	if cfg.Policy.GoodbyeGrace == 0 {
		cfg.Policy.GoodbyeGrace = 2 * time.Second
	}
	if cfg.Policy.MaxToolRounds == 0 {
		cfg.Policy.MaxToolRounds = 4
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 64
	}
	if cfg.Dispatch.RoomPrefix == "" {
		cfg.Dispatch.RoomPrefix = "payment-outbound-call-"
	}

	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = "@every 5m"
	}
	if cfg.Cleanup.MaxAge == 0 {
		cfg.Cleanup.MaxAge = 30 * time.Minute
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Address returns host:port for the HTTP server.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
