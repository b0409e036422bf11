// Package sender defines the outbound delivery interface for reply envelopes
// and the shared envelope-to-MIME rendering used by its backends.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/agent-hub/internal/envelope"
)

// Sender is the interface outbound delivery backends must implement.
type Sender interface {
	// Send delivers a reply envelope. It returns an error if delivery fails.
	Send(ctx context.Context, env *envelope.Envelope) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Addresses are the transport-level addr-spec values used on the wire.
// Agent identity travels in the header display names, not in these.
type Addresses struct {
	From string
	To   string
}

// DefaultAddresses are the conventional local transport addresses.
var DefaultAddresses = Addresses{From: "agent@localhost", To: "worker@localhost"}

// BuildMessage renders an envelope as a MIME message. The From/To headers
// carry the agent IDs as display names over the transport addr-specs, so the
// receiving side can recover them with the agent-ID extractor. The body is a
// JSON object with the envelope's payload and metadata.
func BuildMessage(env *envelope.Envelope, addrs Addresses) ([]byte, error) {
	if addrs.From == "" {
		addrs.From = DefaultAddresses.From
	}
	if addrs.To == "" {
		addrs.To = DefaultAddresses.To
	}

	body, err := json.Marshal(map[string]any{
		"payload":   env.Payload,
		"context":   nullable(env.Context),
		"inReplyTo": nullable(env.InReplyTo),
		"time":      env.CreatedAt.Format(time.RFC3339Nano),
		"version":   env.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope body: %w", err)
	}

	var h mail.Header
	h.SetDate(env.CreatedAt)
	h.SetAddressList("From", []*mail.Address{{Name: env.Sender, Address: addrs.From}})
	h.SetAddressList("To", []*mail.Address{{Name: env.Recipient, Address: addrs.To}})
	h.SetSubject("Agent-Hub: " + env.Type)
	h.SetMessageID(env.ID + "@agent-hub")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	return buf.Bytes(), nil
}

// nullable maps the empty string to JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
