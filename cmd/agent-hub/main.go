// Package main is the entry point for the agent hub relay daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/agent-hub/internal/config"
	"github.com/shineum/agent-hub/internal/lmtp"
	"github.com/shineum/agent-hub/internal/queue"
	"github.com/shineum/agent-hub/internal/sender"
	"github.com/shineum/agent-hub/internal/sender/ses"
	"github.com/shineum/agent-hub/internal/sender/smtprelay"
	"github.com/shineum/agent-hub/internal/sender/stdout"
	"github.com/shineum/agent-hub/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	q, err := queue.New(cfg.Queue.Dir, cfg.Queue.ProcessedDir)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	var wrk *worker.Worker
	if cfg.Worker.Enabled {
		snd := selectSender(ctx, cfg)
		wrk = worker.New(q, snd, cfg.Worker.Interval())
		go wrk.Run(ctx)
	}

	server := lmtp.New(lmtp.ServerConfig{
		ListenAddr:     cfg.LMTP.Listen,
		Hostname:       cfg.LMTP.Hostname,
		Sink:           q,
		MaxMessageSize: cfg.LMTP.MaxMessageSize,
	})

	slog.Info("starting agent-hub",
		"listen", cfg.LMTP.Listen,
		"queue_dir", cfg.Queue.Dir,
		"worker_enabled", cfg.Worker.Enabled,
	)

	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	if wrk != nil {
		wrk.Wait()
	}
	slog.Info("agent-hub stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectSender chooses the outbound delivery backend based on configuration.
// If sender.backend is set, it takes precedence. Otherwise SES is used when
// configured and SMTP submission to the local MTA is the fallback.
func selectSender(ctx context.Context, cfg *config.Config) sender.Sender {
	addrs := sender.Addresses{
		From: cfg.Sender.FromAddress,
		To:   cfg.Sender.ToAddress,
	}

	newSMTP := func() sender.Sender {
		slog.Info("using SMTP sender", "host", cfg.Sender.SMTP.Host)
		return smtprelay.New(smtprelay.Config{
			Host:          cfg.Sender.SMTP.Host,
			StartTLS:      cfg.Sender.SMTP.StartTLS,
			TLSSkipVerify: cfg.Sender.SMTP.TLSSkipVerify,
			Username:      cfg.Sender.SMTP.Username,
			Password:      cfg.Sender.SMTP.Password,
			LocalName:     cfg.Sender.SMTP.LocalName,
			Addresses:     addrs,
		})
	}

	newSES := func() sender.Sender {
		slog.Info("using AWS SES sender", "region", cfg.Sender.SES.Region)
		s, err := ses.New(ctx, ses.Config{
			Region:          cfg.Sender.SES.Region,
			AccessKeyID:     cfg.Sender.SES.AccessKeyID,
			SecretAccessKey: cfg.Sender.SES.SecretAccessKey,
			Addresses:       addrs,
		})
		if err != nil {
			slog.Error("failed to create SES sender", "error", err)
			os.Exit(1)
		}
		return s
	}

	switch cfg.Sender.Backend {
	case "smtp":
		return newSMTP()
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES sender selected but AGENTHUB_SES_REGION is required")
			os.Exit(1)
		}
		return newSES()
	case "stdout":
		slog.Info("using stdout sender")
		return stdout.New()
	case "":
		if cfg.SESConfigured() {
			return newSES()
		}
		return newSMTP()
	default:
		slog.Error("unknown sender backend", "backend", cfg.Sender.Backend)
		os.Exit(1)
		return nil
	}
}

// serveMetrics exposes the Prometheus endpoint.
func serveMetrics(listen, path string) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("metrics endpoint listening", "addr", listen, "path", path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server error", "error", err)
	}
}
