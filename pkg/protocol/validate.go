package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Directory answers whether an agent identity is known to the core.
type Directory interface {
	Known(agent string) bool
}

// Validator checks messages at the bus boundary.
// It is safe for concurrent use; schemas may be registered at any time.
type Validator struct {
	directory       Directory
	maxPayloadBytes int

	mu      sync.RWMutex
	schemas map[MessageType]*jsonschema.Schema
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes. Values <= 0 are ignored.
func WithMaxPayloadBytes(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxPayloadBytes = n
		}
	}
}

// NewValidator creates a validator that resolves recipients against dir.
func NewValidator(dir Directory, opts ...ValidatorOption) *Validator {
	v := &Validator{
		directory:       dir,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		schemas:         make(map[MessageType]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxPayloadBytes returns the payload size bound in bytes.
func (v *Validator) MaxPayloadBytes() int {
	return v.maxPayloadBytes
}

// RegisterSchema compiles a JSON Schema that payloads of the given type must satisfy.
// Registering a second schema for the same type replaces the first.
func (v *Validator) RegisterSchema(t MessageType, schemaJSON []byte) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot register schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to parse schema for %s: %w", t, err)
	}

	url := fmt.Sprintf("warren://payload/%s.json", t)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("failed to add schema for %s: %w", t, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", t, err)
	}

	v.mu.Lock()
	v.schemas[t] = schema
	v.mu.Unlock()
	return nil
}

// Validate checks every boundary rule and returns *InvalidMessageError on the first failure.
func (v *Validator) Validate(m *Message) error {
	if m == nil {
		return &InvalidMessageError{Field: "message", Reason: "nil message"}
	}

	if m.From == "" {
		return invalid(m, "from", "sender cannot be empty")
	}

	if m.To == "" {
		return invalid(m, "to", "recipient cannot be empty")
	}
	if m.To != Broadcast && (v.directory == nil || !v.directory.Known(m.To)) {
		return invalid(m, "to", "unknown agent %q", m.To)
	}

	if err := m.Type.Validate(); err != nil {
		return invalid(m, "type", "%v", err)
	}

	if err := m.Priority.Validate(); err != nil {
		return invalid(m, "priority", "%v", err)
	}

	if m.TTL < 0 {
		return invalid(m, "ttl", "must be positive, got %v", m.TTL)
	}

	size, err := m.Payload.Size()
	if err != nil {
		return invalid(m, "payload", "%v", err)
	}
	if size > v.maxPayloadBytes {
		return invalid(m, "payload", "encoded size %d exceeds limit of %d bytes", size, v.maxPayloadBytes)
	}

	return v.validateSchema(m)
}

// ValidateRecipient checks a single fan-out recipient.
func (v *Validator) ValidateRecipient(agent string) error {
	if agent == "" || agent == Broadcast {
		return &InvalidMessageError{Field: "to", Reason: fmt.Sprintf("invalid recipient %q", agent)}
	}
	if v.directory == nil || !v.directory.Known(agent) {
		return &InvalidMessageError{Field: "to", Reason: fmt.Sprintf("unknown agent %q", agent)}
	}
	return nil
}

func (v *Validator) validateSchema(m *Message) error {
	v.mu.RLock()
	schema, ok := v.schemas[m.Type]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	payload := m.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return invalid(m, "payload", "failed to encode payload: %v", err)
	}

	// Use jsonschema.UnmarshalJSON so numbers decode as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return invalid(m, "payload", "failed to decode payload: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalid(m, "payload", "schema validation failed: %v", err)
	}
	return nil
}
