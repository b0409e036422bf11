// Package lmtp implements the inbound LMTP server: a line-oriented session
// state machine that accepts one message at a time, assembles it into an
// Envelope and hands it to a persistence sink.
package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/agent-hub/internal/envelope"
	"github.com/shineum/agent-hub/internal/mailparse"
	"github.com/shineum/agent-hub/internal/metrics"
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Sink persists assembled envelopes. Implementations must be safe for use
// from concurrent sessions.
type Sink interface {
	Save(env *envelope.Envelope) error
}

// Session represents a single LMTP client connection. Each session owns its
// transaction state exclusively; nothing is shared across connections except
// the sink.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	hostname string
	sink     Sink
	maxSize  int64

	// Current transaction. mailFrom and rcptTo are transport-level values
	// kept for logging only; envelope identity comes from MIME headers.
	mailFrom string
	rcptTo   []string
	inData   bool
	oversize bool
	dataBuf  bytes.Buffer
}

// NewSession creates a new LMTP session for the given connection. A maxSize
// of zero falls back to the default message size limit.
func NewSession(conn net.Conn, sink Sink, hostname string, maxSize int64) *Session {
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		hostname: hostname,
		sink:     sink,
		maxSize:  maxSize,
	}
}

// Handle runs the LMTP session, processing lines strictly in arrival order
// until the client disconnects. A peer close in any state terminates the
// session without further response.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	metrics.SessionsTotal.Inc()
	s.writeLine("220 %s LMTP server ready", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		raw, err := s.reader.ReadBytes('\n')
		if len(raw) > 0 {
			var done bool
			if s.inData {
				s.handleDataLine(raw)
			} else {
				done = s.handleCommand(s.commandLine(raw))
			}
			if done {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
	}
}

// commandLine decodes a raw command line leniently and strips surrounding
// whitespace including the CRLF terminator.
func (s *Session) commandLine(raw []byte) string {
	return strings.TrimSpace(string(bytes.ToValidUTF8(raw, []byte("�"))))
}

// handleCommand processes a single command-mode line and returns true if the
// session should end. Command keywords are matched case-insensitively;
// argument bytes keep their original case.
func (s *Session) handleCommand(line string) bool {
	upper := strings.ToUpper(line)

	switch {
	case strings.HasPrefix(upper, "LHLO"):
		s.writeLine("250 OK")
	case strings.HasPrefix(upper, "MAIL FROM:"):
		s.mailFrom = strings.TrimSpace(line[len("MAIL FROM:"):])
		s.writeLine("250 OK")
	case strings.HasPrefix(upper, "RCPT TO:"):
		s.rcptTo = append(s.rcptTo, strings.TrimSpace(line[len("RCPT TO:"):]))
		s.writeLine("250 OK")
	case upper == "DATA":
		s.dataBuf.Reset()
		s.inData = true
		s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
	case upper == "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unknown command")
	}
	return false
}

// handleDataLine buffers one data-mode line. A lone "." terminates the
// message; lines starting with ".." have one leading dot stripped
// (dot-unstuffing); everything else is buffered verbatim, line ending
// included.
func (s *Session) handleDataLine(raw []byte) {
	if isTerminator(raw) {
		if s.oversize {
			slog.Warn("message rejected: too large",
				"mail_from", s.mailFrom,
				"limit", s.maxSize,
			)
			metrics.ProcessingErrors.Inc()
			s.writeLine("552 Message size exceeds fixed maximum")
		} else {
			s.processMessage()
		}
		s.resetTransaction()
		return
	}
	if s.oversize {
		return
	}
	if int64(s.dataBuf.Len())+int64(len(raw)) > s.maxSize {
		// Keep consuming lines until the terminator, then refuse.
		s.oversize = true
		s.dataBuf.Reset()
		return
	}
	if bytes.HasPrefix(raw, []byte("..")) {
		raw = raw[1:]
	}
	s.dataBuf.Write(raw)
}

// isTerminator reports whether a data-mode line is the end-of-message marker.
// The bare "." form occurs when the peer closes without a final newline.
func isTerminator(raw []byte) bool {
	switch string(raw) {
	case ".\r\n", ".\n", ".":
		return true
	}
	return false
}

// processMessage runs the assembly pipeline over the buffered message and
// answers the client. Failures are contained to this transaction: the
// session answers 451 and returns to command mode with nothing persisted.
func (s *Session) processMessage() {
	token := uuid.NewString()

	env, err := mailparse.Assemble(s.dataBuf.Bytes())
	if err != nil {
		slog.Error("message processing failed",
			"mail_from", s.mailFrom,
			"recipients", s.rcptTo,
			"error", err,
		)
		metrics.ProcessingErrors.Inc()
		s.writeLine("451 Requested action aborted: processing error")
		return
	}

	if err := s.sink.Save(env); err != nil {
		slog.Error("failed to persist envelope",
			"id", env.ID,
			"error", err,
		)
		metrics.ProcessingErrors.Inc()
		s.writeLine("451 Requested action aborted: processing error")
		return
	}

	metrics.EnvelopesQueued.Inc()
	slog.Info("envelope queued",
		"id", env.ID,
		"from", env.Sender,
		"to", env.Recipient,
		"token", token,
	)
	s.writeLine("250 OK queued as %s", token)
}

// resetTransaction clears the transaction state so the session is ready for
// the next message.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.inData = false
	s.oversize = false
	s.dataBuf.Reset()
}

// writeLine writes a formatted response line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}
