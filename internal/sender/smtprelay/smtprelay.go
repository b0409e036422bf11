// Package smtprelay implements a Sender that hands reply envelopes to an
// MTA over SMTP.
package smtprelay

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/agent-hub/internal/envelope"
	"github.com/shineum/agent-hub/internal/sender"
)

// Config holds the configuration for the SMTP sender.
type Config struct {
	// Host is the MTA address in host:port form (e.g. "localhost:25").
	Host string

	// StartTLS upgrades the connection with STARTTLS before sending.
	StartTLS bool

	// TLSSkipVerify disables certificate verification for STARTTLS.
	TLSSkipVerify bool

	// Username and Password enable SMTP AUTH PLAIN when both are set.
	Username string
	Password string

	// LocalName is the hostname announced in HELO/EHLO. Empty uses the
	// client default.
	LocalName string

	// Addresses are the transport-level addr-specs used on the wire.
	Addresses sender.Addresses
}

// Sender delivers envelopes to an MTA over SMTP.
type Sender struct {
	cfg Config
}

// New creates an SMTP Sender for the given configuration.
func New(cfg Config) *Sender {
	if cfg.Host == "" {
		cfg.Host = "localhost:25"
	}
	return &Sender{cfg: cfg}
}

// Send renders the envelope as MIME and submits it to the configured MTA.
// The transport-level MAIL FROM and RCPT TO are plain addr-specs; agent IDs
// travel only in the message headers.
func (s *Sender) Send(ctx context.Context, env *envelope.Envelope) error {
	msg, err := sender.BuildMessage(env, s.cfg.Addresses)
	if err != nil {
		return err
	}

	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP host %s: %w", s.cfg.Host, err)
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
	}

	if s.cfg.LocalName != "" {
		if err := c.Hello(s.cfg.LocalName); err != nil {
			return fmt.Errorf("failed to greet SMTP host: %w", err)
		}
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	from := s.cfg.Addresses.From
	if from == "" {
		from = sender.DefaultAddresses.From
	}
	to := s.cfg.Addresses.To
	if to == "" {
		to = sender.DefaultAddresses.To
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to open data stream: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	return c.Quit()
}

// dial connects to the MTA, optionally upgrading with STARTTLS.
func (s *Sender) dial() (*gosmtp.Client, error) {
	if !s.cfg.StartTLS {
		return gosmtp.Dial(s.cfg.Host)
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.TLSSkipVerify,
	}
	return gosmtp.DialStartTLS(s.cfg.Host, tlsConfig)
}

// Name returns the backend name.
func (s *Sender) Name() string {
	return "smtp"
}
