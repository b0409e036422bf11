package lmtp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an LMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8024").
	ListenAddr string

	// Hostname is the service name announced in the greeting.
	Hostname string

	// Sink receives every successfully assembled envelope.
	Sink Sink

	// MaxMessageSize caps the buffered DATA payload per message, in bytes.
	// Zero falls back to the session default.
	MaxMessageSize int64
}

// Server is an LMTP server that accepts connections and converts delivered
// messages into queued envelopes.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new LMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{config: cfg}
}

// ListenAndServe starts the LMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting new connections and waits up
// to 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("LMTP server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("shutting down LMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.config.Sink, s.config.Hostname, s.config.MaxMessageSize).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
