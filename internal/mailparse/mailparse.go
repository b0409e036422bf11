// Package mailparse turns raw RFC 5322 message bytes into Envelopes. It
// extracts agent IDs from the From/To headers, pulls the text payload out of
// the MIME structure and lifts optional JSON metadata (context, inReplyTo,
// time) into envelope fields.
package mailparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/shineum/agent-hub/internal/envelope"
)

// Assemble parses a raw message and builds an "email" Envelope from it.
// Transport-level MAIL FROM / RCPT TO values are deliberately not consulted;
// agent identity comes from the MIME headers.
func Assemble(raw []byte) (*envelope.Envelope, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		slog.Debug("message uses unknown charset, continuing", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	d := envelope.Draft{
		Type:      "email",
		Sender:    envelope.ExtractAgentID(ent.Header.Get("From")),
		Recipient: envelope.ExtractAgentID(ent.Header.Get("To")),
	}

	body := ExtractBody(ent)
	d.Payload = body

	if meta, ok := body.(map[string]any); ok {
		if c, ok := meta["context"].(string); ok {
			d.Context = c
		}
		d.InReplyTo = replyReference(meta)
		if raw, ok := meta["time"].(string); ok {
			// Unparseable times fall back to the current UTC time
			// supplied by envelope.New.
			if t, err := envelope.ParseTime(raw); err == nil {
				d.CreatedAt = t
			}
		}
		// A nested "payload" key means the body is a metadata wrapper;
		// the envelope carries the inner value.
		if inner, ok := meta["payload"]; ok {
			d.Payload = inner
		}
	}

	return envelope.New(d)
}

// replyReference reads the reply reference from payload metadata, accepting
// both the wire spelling and the snake_case variant.
func replyReference(meta map[string]any) string {
	if v, ok := meta["inReplyTo"].(string); ok && v != "" {
		return v
	}
	if v, ok := meta["in_reply_to"].(string); ok {
		return v
	}
	return ""
}

// ExtractBody returns the message payload: the first text/plain part in
// document order for multipart messages (empty string when there is none),
// or the whole decoded body otherwise. If the text is syntactically valid
// JSON the parsed value is returned instead of the raw text.
func ExtractBody(ent *message.Entity) any {
	var text string
	if mr := ent.MultipartReader(); mr != nil {
		text, _ = findTextPlain(mr)
	} else {
		text = decodeLossy(ent.Body)
	}
	if v, ok := TryParseJSON(text); ok {
		return v
	}
	return text
}

// findTextPlain walks the part tree depth-first looking for the first part
// whose content type is exactly text/plain.
func findTextPlain(mr message.MultipartReader) (string, bool) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", false
		}
		if err != nil {
			slog.Debug("stopping multipart walk on part error", "error", err)
			return "", false
		}
		if nested := part.MultipartReader(); nested != nil {
			if text, ok := findTextPlain(nested); ok {
				return text, true
			}
			continue
		}
		if contentType(part.Header) == "text/plain" {
			return decodeLossy(part.Body), true
		}
	}
}

// contentType reads a part's media type, defaulting to text/plain when the
// header is absent or unparseable.
func contentType(h message.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return t
}

// decodeLossy reads r as UTF-8 text, replacing invalid byte sequences with
// the replacement character instead of failing.
func decodeLossy(r io.Reader) string {
	b, err := io.ReadAll(r)
	if err != nil {
		slog.Debug("partial body read", "error", err)
	}
	return string(bytes.ToValidUTF8(b, []byte("�")))
}

// TryParseJSON attempts to decode text as JSON. The boolean reports whether
// the text was valid JSON; a false result is not an error condition.
func TryParseJSON(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	return v, true
}
