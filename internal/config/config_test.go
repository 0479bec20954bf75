package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvTwilioAccountSID, EnvTwilioAuthToken, EnvTwilioAPIURL, EnvOutboundTrunkID,
		EnvPublicURL, EnvAPIToken, EnvLogLevel, EnvOpenAIKey, EnvAnthropicKey,
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paycall.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.DialMaxAttempts != 3 || cfg.Policy.HangupMaxAttempts != 3 {
		t.Errorf("unexpected retry caps: %+v", cfg.Policy)
	}
	if cfg.Policy.BackoffUnit != time.Second || cfg.Policy.GoodbyeGrace != 2*time.Second {
		t.Errorf("unexpected delays: %+v", cfg.Policy)
	}
	if cfg.Cleanup.MaxAge != 30*time.Minute {
		t.Errorf("cleanup max age = %v", cfg.Cleanup.MaxAge)
	}
	if cfg.Dispatch.RoomPrefix != "payment-outbound-call-" {
		t.Errorf("room prefix = %q", cfg.Dispatch.RoomPrefix)
	}
	if cfg.Agent.DisplayName != "Emily" {
		t.Errorf("display name = %q", cfg.Agent.DisplayName)
	}
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MY_TRUNK", "+15005550006")
	t.Setenv(EnvTwilioAccountSID, "ACfromenv")
	t.Setenv(EnvAnthropicKey, "anthropic-key")

	path := writeConfig(t, `
telephony:
  account_sid: ACfromfile
  auth_token: token
  outbound_trunk_id: ${MY_TRUNK}
  public_url: https://calls.example.com
llm:
  provider: anthropic
policy:
  goodbye_grace: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telephony.OutboundTrunkID != "+15005550006" {
		t.Errorf("trunk = %q", cfg.Telephony.OutboundTrunkID)
	}
	if cfg.Telephony.AccountSID != "ACfromenv" {
		t.Errorf("account sid = %q, want env override", cfg.Telephony.AccountSID)
	}
	if cfg.LLM.APIKey != "anthropic-key" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model == "" {
		t.Error("expected default anthropic model")
	}
	if cfg.Policy.GoodbyeGrace != 500*time.Millisecond {
		t.Errorf("grace = %v", cfg.Policy.GoodbyeGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateReportsEveryMissingCredential(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, want := range []string{EnvTwilioAccountSID, EnvTwilioAuthToken, EnvOutboundTrunkID, EnvPublicURL, EnvOpenAIKey} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
telephony:
  account_sid: AC1
  auth_token: t
  outbound_trunk_id: "+15005550006"
  api_url: not-a-url
llm:
  provider: mystery
  api_key: k
cleanup:
  enabled: true
  schedule: "every now and then"
logging:
  format: xml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"api_url", "llm.provider", "cleanup.schedule", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidateRequiresAbsolutePublicURL(t *testing.T) {
	clearEnv(t)
	base := `
telephony:
  account_sid: AC1
  auth_token: t
  outbound_trunk_id: "+15005550006"
%s
llm:
  api_key: k
`
	tests := []struct {
		name      string
		publicURL string
		want      string
	}{
		{"missing", "", "telephony.public_url is required"},
		{"relative", "  public_url: /voice", "telephony.public_url must be an absolute URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, fmt.Sprintf(base, tt.publicURL)))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}

	cfg, err := Load(writeConfig(t, fmt.Sprintf(base, "  public_url: https://calls.example.com")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telephony.InsecureSkipVerify {
		t.Fatal("webhook signature checks should be on by default")
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 5m", "*/10 * * * *", "0 */5 * * * *"} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Errorf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := ParseSchedule(""); err == nil {
		t.Error("expected error for empty schedule")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("invalid schema JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"telephony", "policy", "llm", "cleanup"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %s", key)
		}
	}
}

func TestServerAddress(t *testing.T) {
	if got := (ServerConfig{Host: "127.0.0.1", Port: 9000}).Address(); got != "127.0.0.1:9000" {
		t.Errorf("Address() = %q", got)
	}
}
