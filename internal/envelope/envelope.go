// Package envelope defines the canonical message record exchanged between
// agents, including validation, the JSON wire format and reply construction.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version written to the wire.
const Version = "v0.1"

// agentIDPattern matches ActivityPub-style agent identifiers of the shape
// scheme://host/@name, e.g. https://example.com/@alice.
var agentIDPattern = regexp.MustCompile(`^https?://[a-zA-Z0-9.\-]+/@[a-zA-Z0-9_.\-]+$`)

// ValidateAgentID checks that id follows the ActivityPub-style shape
// scheme://host/@name.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent ID %q must follow ActivityPub style (e.g., https://domain/@name)", id)
	}
	return nil
}

// Envelope is a single message between two agents. Payload is either a
// plain text string or a JSON object decoded as map[string]any; no other
// payload types are valid. Envelopes are immutable after construction.
type Envelope struct {
	ID        string
	Type      string
	Sender    string
	Recipient string
	Payload   any
	CreatedAt time.Time
	Context   string
	InReplyTo string
	Version   string
}

// Draft holds the inputs for constructing an Envelope. Zero values get
// defaults: ID is generated, CreatedAt becomes the current UTC time and
// Version becomes the current schema version.
type Draft struct {
	ID        string
	Type      string
	Sender    string
	Recipient string
	Payload   any
	CreatedAt time.Time
	Context   string
	InReplyTo string
	Version   string
}

// New validates a draft and constructs an Envelope from it.
func New(d Draft) (*Envelope, error) {
	e := &Envelope{
		ID:        d.ID,
		Type:      d.Type,
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
		Context:   d.Context,
		InReplyTo: d.InReplyTo,
		Version:   d.Version,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == "" {
		e.Version = Version
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reply constructs a reply envelope: sender and recipient swapped, the
// context carried forward and InReplyTo pointing at the original id.
func (e *Envelope) Reply(payload any) (*Envelope, error) {
	return New(Draft{
		Type:      "reply",
		Sender:    e.Recipient,
		Recipient: e.Sender,
		Payload:   payload,
		Context:   e.Context,
		InReplyTo: e.ID,
	})
}

func (e *Envelope) validate() error {
	if err := ValidateAgentID(e.Sender); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateAgentID(e.Recipient); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	switch p := e.Payload.(type) {
	case string:
	case map[string]any:
		if _, err := json.Marshal(p); err != nil {
			return fmt.Errorf("payload is not JSON-serializable: %w", err)
		}
	default:
		return fmt.Errorf("payload must be a JSON object or text string, got %T", e.Payload)
	}
	return nil
}

// wireEnvelope is the fixed on-disk / on-queue JSON representation.
// Field names are part of the interop contract and must not change.
type wireEnvelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Time      string          `json:"time"`
	Context   *string         `json:"context"`
	InReplyTo *string         `json:"inReplyTo"`
}

// MarshalJSON encodes the envelope in the wire format. Optional fields are
// encoded as null when unset, matching consumers that expect the keys to be
// present.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	w := wireEnvelope{
		Version: e.Version,
		ID:      e.ID,
		From:    e.Sender,
		To:      e.Recipient,
		Type:    e.Type,
		Payload: payload,
		Time:    e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.Context != "" {
		w.Context = &e.Context
	}
	if e.InReplyTo != "" {
		w.InReplyTo = &e.InReplyTo
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format back into an Envelope, enforcing the
// same invariants as New.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if w.Time == "" {
		return fmt.Errorf("envelope is missing required field %q", "time")
	}
	createdAt, err := ParseTime(w.Time)
	if err != nil {
		return fmt.Errorf("invalid envelope time %q: %w", w.Time, err)
	}

	payload, err := decodePayload(w.Payload)
	if err != nil {
		return err
	}

	d := Draft{
		ID:        w.ID,
		Type:      w.Type,
		Sender:    w.From,
		Recipient: w.To,
		Payload:   payload,
		CreatedAt: createdAt,
		Version:   w.Version,
	}
	if w.Context != nil {
		d.Context = *w.Context
	}
	if w.InReplyTo != nil {
		d.InReplyTo = *w.InReplyTo
	}
	decoded, err := New(d)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// decodePayload decodes a raw payload value, accepting only JSON strings and
// objects.
func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("envelope is missing required field %q", "payload")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	switch v.(type) {
	case string, map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("payload must be a JSON object or text string, got %T", v)
	}
}

// isoLayouts are the accepted ISO-8601 shapes beyond RFC 3339. Layouts
// without a zone are interpreted as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTime parses an ISO-8601 timestamp. Timestamps without a timezone
// offset are coerced to UTC, never rejected.
func ParseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
