// Package worker drains the envelope queue: it loads the oldest queued
// envelope, dispatches it by declared intent, relocates the file to the
// processed directory and sends the reply envelope through the configured
// sender.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/agent-hub/internal/envelope"
	"github.com/shineum/agent-hub/internal/metrics"
	"github.com/shineum/agent-hub/internal/queue"
	"github.com/shineum/agent-hub/internal/sender"
)

// defaultPollInterval is how long the worker sleeps when the queue is empty.
const defaultPollInterval = 1 * time.Second

// Worker polls a queue directory and processes envelopes one at a time.
type Worker struct {
	queue    *queue.Dir
	sender   sender.Sender
	handlers map[string]Handler
	interval time.Duration

	wg sync.WaitGroup
}

// New creates a Worker over the given queue and sender with the built-in
// intent handlers. The dispatch table is constructed once here and never
// mutated afterwards.
func New(q *queue.Dir, snd sender.Sender, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		queue:    q,
		sender:   snd,
		handlers: builtinHandlers(),
		interval: pollInterval,
	}
}

// Run polls the queue until the context is cancelled, draining all available
// envelopes before sleeping.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	slog.Info("queue worker started",
		"queue", w.queue.Path(),
		"sender", w.sender.Name(),
		"poll_interval", w.interval,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			slog.Error("failed to process envelope", "error", err)
		}
		if processed {
			// Drain without sleeping while the queue has work.
			continue
		}

		if depth, err := w.queue.Depth(); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			slog.Info("queue worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the run loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// ProcessNext handles the oldest queued envelope if one is present, and
// reports whether a file was consumed. Undecodable files are relocated to the
// processed directory so they cannot wedge the queue.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	path, env, err := w.queue.Next()
	if path == "" {
		return false, err
	}
	if err != nil {
		if _, moveErr := w.queue.MarkProcessed(path); moveErr != nil {
			return true, fmt.Errorf("%w (and failed to relocate: %v)", err, moveErr)
		}
		return true, err
	}

	reply := w.handleEnvelope(env)

	if _, err := w.queue.MarkProcessed(path); err != nil {
		return true, err
	}

	if reply == nil {
		return true, nil
	}

	if err := w.sender.Send(ctx, reply); err != nil {
		metrics.RepliesSent.WithLabelValues(w.sender.Name(), "failure").Inc()
		return true, fmt.Errorf("failed to send reply %s: %w", reply.ID, err)
	}
	metrics.RepliesSent.WithLabelValues(w.sender.Name(), "success").Inc()
	return true, nil
}

// handleEnvelope dispatches an envelope by intent and builds the reply, or
// returns nil when no reply should be sent.
func (w *Worker) handleEnvelope(env *envelope.Envelope) *envelope.Envelope {
	intent := extractIntent(env)
	if intent == "" {
		slog.Info("no intent found, skipping envelope", "id", env.ID)
		metrics.EnvelopesProcessed.WithLabelValues("none").Inc()
		return nil
	}

	var payload any
	if handler, ok := w.handlers[intent]; ok {
		slog.Info("dispatching intent",
			"intent", intent,
			"from", env.Sender,
			"id", env.ID,
		)
		payload = safeInvoke(intent, handler, env)
		metrics.EnvelopesProcessed.WithLabelValues(intent).Inc()
	} else {
		slog.Warn("unknown intent",
			"intent", intent,
			"from", env.Sender,
			"id", env.ID,
		)
		payload = map[string]any{"error": "unknown intent"}
		metrics.EnvelopesProcessed.WithLabelValues("unknown").Inc()
	}

	if payload == nil {
		return nil
	}

	reply, err := env.Reply(payload)
	if err != nil {
		slog.Error("failed to build reply", "id", env.ID, "error", err)
		return nil
	}
	return reply
}

// safeInvoke runs a handler, converting a panic into an error payload so a
// misbehaving handler never takes down the worker loop.
func safeInvoke(intent string, h Handler, env *envelope.Envelope) (payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "intent", intent, "panic", r)
			payload = map[string]any{"error": fmt.Sprint(r)}
		}
	}()
	return h(env)
}

// extractIntent reads the intent name from an object payload, or returns ""
// when the envelope declares none.
func extractIntent(env *envelope.Envelope) string {
	meta, ok := env.Payload.(map[string]any)
	if !ok {
		return ""
	}
	intent, _ := meta["intent"].(string)
	return intent
}
