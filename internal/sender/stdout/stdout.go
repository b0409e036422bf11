// Package stdout implements a Sender that prints envelopes to standard
// output, useful for local development and tests.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/agent-hub/internal/envelope"
)

// Sender prints reply envelopes to stdout in a human-readable format.
type Sender struct {
	writer io.Writer
}

// New creates a stdout Sender that writes to os.Stdout.
func New() *Sender {
	return &Sender{writer: os.Stdout}
}

// NewWithWriter creates a stdout Sender that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Sender {
	return &Sender{writer: w}
}

// Send prints the envelope. It always returns nil.
func (s *Sender) Send(_ context.Context, env *envelope.Envelope) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", env.Sender)
	fmt.Fprintf(&b, "To: %s\n", env.Recipient)
	fmt.Fprintf(&b, "Type: %s\n", env.Type)
	if env.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", env.Context)
	}
	if env.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\n", env.InReplyTo)
	}
	b.WriteString("Payload:\n")

	payload, err := json.MarshalIndent(env.Payload, "", "  ")
	if err != nil {
		fmt.Fprintf(&b, "%v\n", env.Payload)
	} else {
		b.Write(payload)
		b.WriteString("\n")
	}
	b.WriteString("========================================\n")

	fmt.Fprint(s.writer, b.String())
	return nil
}

// Name returns the backend name.
func (s *Sender) Name() string {
	return "stdout"
}
