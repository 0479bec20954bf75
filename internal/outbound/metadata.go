package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/paycall/internal/validate"
)

// Metadata is the structured job data a call is dispatched with.
type Metadata struct {
	PhoneNumber  string `json:"phone_number"`
	CallType     string `json:"call_type,omitempty"`
	Company      string `json:"company,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
}

// ConfigError marks failures that abort a call before any telephony action
// and must not be retried: malformed metadata or an unusable phone number.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("outbound: %s: %v", e.Reason, e.Err)
	}
	return "outbound: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

const metadataSchemaJSON = `{
  "type": "object",
  "required": ["phone_number"],
  "properties": {
    "phone_number": { "type": "string", "minLength": 1 },
    "call_type": { "type": "string" },
    "company": { "type": "string" },
    "agent_name": { "type": "string" },
    "created_at": { "type": "string" },
    "purpose": { "type": "string" },
    "customer_name": { "type": "string" }
  }
}`

var metadataSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func compiledMetadataSchema() (*jsonschema.Schema, error) {
	metadataSchema.once.Do(func() {
		metadataSchema.schema, metadataSchema.err = jsonschema.CompileString("call_metadata", metadataSchemaJSON)
	})
	return metadataSchema.schema, metadataSchema.err
}

// ParseMetadata decodes and validates job metadata. The phone number must
// be E.164. Every failure is a ConfigError.
func ParseMetadata(raw []byte) (*Metadata, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, &ConfigError{Reason: "job metadata is empty"}
	}
	schema, err := compiledMetadataSchema()
	if err != nil {
		return nil, fmt.Errorf("outbound: compile metadata schema: %w", err)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ConfigError{Reason: "job metadata is not valid JSON", Err: err}
	}
	if err := schema.Validate(payload); err != nil {
		return nil, &ConfigError{Reason: "job metadata is invalid", Err: err}
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, &ConfigError{Reason: "job metadata is invalid", Err: err}
	}
	md.PhoneNumber = strings.TrimSpace(md.PhoneNumber)
	if !validate.ValidatePhoneNumber(md.PhoneNumber) {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid phone number %q", md.PhoneNumber)}
	}
	return &md, nil
}
