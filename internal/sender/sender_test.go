package sender

import (
	"strings"
	"testing"
	"time"

	"github.com/shineum/agent-hub/internal/envelope"
	"github.com/shineum/agent-hub/internal/mailparse"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Draft{
		Type:      "reply",
		Sender:    "https://agent.local/@worker",
		Recipient: "https://example.com/@alice",
		Payload:   map[string]any{"pong": true},
		CreatedAt: time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC),
		Context:   "thread-42",
		InReplyTo: "original-id",
	})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func TestBuildMessage_Headers(t *testing.T) {
	t.Parallel()

	raw, err := BuildMessage(testEnvelope(t), DefaultAddresses)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	msg := string(raw)
	for _, want := range []string{
		"agent@localhost",
		"worker@localhost",
		"https://agent.local/@worker",
		"https://example.com/@alice",
		"Subject: Agent-Hub: reply",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	env := testEnvelope(t)
	raw, err := BuildMessage(env, Addresses{})
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	// The rendered message must survive the inbound assembly pipeline.
	decoded, err := mailparse.Assemble(raw)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if decoded.Sender != env.Sender {
		t.Errorf("sender: got %q, want %q", decoded.Sender, env.Sender)
	}
	if decoded.Recipient != env.Recipient {
		t.Errorf("recipient: got %q, want %q", decoded.Recipient, env.Recipient)
	}
	meta, ok := decoded.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want object", decoded.Payload)
	}
	if meta["pong"] != true {
		t.Errorf("payload: got %v", decoded.Payload)
	}
	if decoded.Context != env.Context {
		t.Errorf("context: got %q, want %q", decoded.Context, env.Context)
	}
	if decoded.InReplyTo != env.InReplyTo {
		t.Errorf("inReplyTo: got %q, want %q", decoded.InReplyTo, env.InReplyTo)
	}
	if !decoded.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("time: got %v, want %v", decoded.CreatedAt, env.CreatedAt)
	}
}

func TestBuildMessage_TextPayloadAndEmptyMetadata(t *testing.T) {
	t.Parallel()

	env, err := envelope.New(envelope.Draft{
		Type:      "reply",
		Sender:    "https://agent.local/@worker",
		Recipient: "https://example.com/@alice",
		Payload:   "plain text reply",
	})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}

	raw, err := BuildMessage(env, DefaultAddresses)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	msg := string(raw)
	if !strings.Contains(msg, `"context":null`) {
		t.Errorf("unset context should render as null:\n%s", msg)
	}
	if !strings.Contains(msg, `"inReplyTo":null`) {
		t.Errorf("unset inReplyTo should render as null:\n%s", msg)
	}

	decoded, err := mailparse.Assemble(raw)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if decoded.Payload != "plain text reply" {
		t.Errorf("payload: got %q", decoded.Payload)
	}
	if decoded.Context != "" || decoded.InReplyTo != "" {
		t.Errorf("metadata should stay unset, got context=%q inReplyTo=%q",
			decoded.Context, decoded.InReplyTo)
	}
}
