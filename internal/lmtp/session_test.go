package lmtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shineum/agent-hub/internal/envelope"
	"github.com/shineum/agent-hub/internal/queue"
)

// mockSink implements Sink for testing.
type mockSink struct {
	saved   []*envelope.Envelope
	saveErr error
}

func (m *mockSink) Save(env *envelope.Envelope) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, env)
	return nil
}

// connPair creates a connected pair of net.Conn for testing LMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader with a timeout.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command line to the LMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// startSession wires a session over a fresh connection pair and returns the
// client side with the greeting already consumed.
func startSession(t *testing.T, sink Sink) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	sess := NewSession(server, sink, "hub.test.com", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader) // Skip greeting
	return client, reader
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, &mockSink{}, "hub.test.com", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)

	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "hub.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
	if !strings.Contains(greeting, "LMTP server ready") {
		t.Errorf("greeting should announce LMTP, got %q", greeting)
	}
}

func TestSession_LHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	sendCmd(t, client, "LHLO client.test.com")
	resp := readLine(t, reader)
	if resp != "250 OK" {
		t.Errorf("LHLO response: got %q, want '250 OK'", resp)
	}
}

func TestSession_QUIT(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	sendCmd(t, client, "QUIT")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	sendCmd(t, client, "NOOP")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "500 ") {
		t.Errorf("unknown command response: got %q, want prefix '500 '", resp)
	}
}

func TestSession_CommandsAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	for _, cmd := range []string{
		"lhlo client.test.com",
		"mail from:<agent@example.com>",
		"rcpt to:<worker@agent.local>",
	} {
		sendCmd(t, client, cmd)
		resp := readLine(t, reader)
		if !strings.HasPrefix(resp, "250 ") {
			t.Errorf("%s: got %q, want prefix '250 '", cmd, resp)
		}
	}
}

func TestSession_MessageTransaction(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)

	sendCmd(t, client, "LHLO client.test.com")
	readLine(t, reader)

	sendCmd(t, client, "MAIL FROM:<agent@example.com>")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("MAIL FROM response: got %q, want prefix '250 '", resp)
	}

	sendCmd(t, client, "RCPT TO:<worker@agent.local>")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("RCPT TO response: got %q, want prefix '250 '", resp)
	}

	sendCmd(t, client, "DATA")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "354 ") {
		t.Errorf("DATA response: got %q, want prefix '354 '", resp)
	}

	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"To: https://agent.local/@worker",
		"Subject: greetings",
		"Content-Type: text/plain",
		"",
		"Hello, agent.",
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "250 OK queued as ") {
		t.Errorf("DATA completion response: got %q, want prefix '250 OK queued as '", resp)
	}

	if len(sink.saved) != 1 {
		t.Fatalf("sink received %d envelopes, want 1", len(sink.saved))
	}
	env := sink.saved[0]
	if env.Sender != "https://example.com/@alice" {
		t.Errorf("sender: got %q", env.Sender)
	}
	if env.Recipient != "https://agent.local/@worker" {
		t.Errorf("recipient: got %q", env.Recipient)
	}
	body, ok := env.Payload.(string)
	if !ok {
		t.Fatalf("payload is %T, want string", env.Payload)
	}
	if strings.TrimRight(body, "\r\n") != "Hello, agent." {
		t.Errorf("payload: got %q", body)
	}
}

func TestSession_DotUnstuffing(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)

	sendCmd(t, client, "DATA")
	readLine(t, reader) // 354

	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"",
		"..hidden dot line",
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	readLine(t, reader) // 250

	if len(sink.saved) != 1 {
		t.Fatalf("sink received %d envelopes, want 1", len(sink.saved))
	}
	body, ok := sink.saved[0].Payload.(string)
	if !ok {
		t.Fatalf("payload is %T, want string", sink.saved[0].Payload)
	}
	if !strings.HasPrefix(body, ".hidden dot line") {
		t.Errorf("leading dot not unstuffed, body %q", body)
	}
	if strings.HasPrefix(body, "..") {
		t.Errorf("double dot survived unstuffing, body %q", body)
	}
}

func TestSession_InvalidPayloadAborts(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)

	sendCmd(t, client, "DATA")
	readLine(t, reader) // 354

	// A JSON array body is neither text nor an object and must be refused.
	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"Content-Type: text/plain",
		"",
		"[1, 2, 3]",
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "451 ") {
		t.Errorf("invalid payload response: got %q, want prefix '451 '", resp)
	}
	if len(sink.saved) != 0 {
		t.Errorf("sink received %d envelopes, want none", len(sink.saved))
	}

	// The session must survive the failure and keep answering commands.
	sendCmd(t, client, "QUIT")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT after failure: got %q, want prefix '221 '", resp)
	}
}

func TestSession_SinkFailureAborts(t *testing.T) {
	t.Parallel()

	sink := &mockSink{saveErr: errors.New("disk full")}
	client, reader := startSession(t, sink)

	sendCmd(t, client, "DATA")
	readLine(t, reader) // 354

	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"",
		"hello",
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "451 ") {
		t.Errorf("sink failure response: got %q, want prefix '451 '", resp)
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sink := &mockSink{}
	sess := NewSession(server, sink, "hub.test.com", 64)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader) // Skip greeting

	sendCmd(t, client, "DATA")
	readLine(t, reader) // 354

	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"",
		strings.Repeat("x", 200),
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized message response: got %q, want prefix '552 '", resp)
	}
	if len(sink.saved) != 0 {
		t.Errorf("sink received %d envelopes, want none", len(sink.saved))
	}

	// Back in command mode afterwards.
	sendCmd(t, client, "QUIT")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT after rejection: got %q, want prefix '221 '", resp)
	}
}

func TestSession_ConsecutiveTransactions(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)

	for i := 0; i < 2; i++ {
		sendCmd(t, client, "MAIL FROM:<agent@example.com>")
		readLine(t, reader)
		sendCmd(t, client, "RCPT TO:<worker@agent.local>")
		readLine(t, reader)
		sendCmd(t, client, "DATA")
		readLine(t, reader)

		message := strings.Join([]string{
			"From: https://example.com/@alice",
			"",
			"message body",
			".",
		}, "\r\n")
		if _, err := client.Write([]byte(message + "\r\n")); err != nil {
			t.Fatalf("failed to write DATA: %v", err)
		}
		resp := readLine(t, reader)
		if !strings.HasPrefix(resp, "250 OK queued as ") {
			t.Errorf("transaction %d: got %q, want prefix '250 OK queued as '", i, resp)
		}
	}

	if len(sink.saved) != 2 {
		t.Errorf("sink received %d envelopes, want 2", len(sink.saved))
	}
	if sink.saved[0].ID == sink.saved[1].ID {
		t.Error("consecutive envelopes share an id")
	}
}

func TestSession_QueueIntegration(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	q, err := queue.New(filepath.Join(root, "queue"), filepath.Join(root, "processed"))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	client, reader := startSession(t, q)

	sendCmd(t, client, "LHLO client.test.com")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)

	message := strings.Join([]string{
		"From: https://example.com/@alice",
		"To: https://agent.local/@worker",
		"Content-Type: text/plain",
		"",
		`{"intent": "ping"}`,
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 OK queued as ") {
		t.Fatalf("DATA completion response: got %q", resp)
	}

	_, env, err := q.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if env == nil {
		t.Fatal("no envelope reached the queue")
	}
	meta, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want object", env.Payload)
	}
	if meta["intent"] != "ping" {
		t.Errorf("intent: got %v", meta["intent"])
	}
}

func TestServer_AcceptsConnections(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	srv := New(ServerConfig{ListenAddr: "127.0.0.1:0", Hostname: "hub.test.com", Sink: sink})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ListenAndServe(ctx) }()

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Addr() == "" {
		cancel()
		t.Fatal("server never started listening")
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		cancel()
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}

	sendCmd(t, conn, "QUIT")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("server did not shut down")
	}
}
