// Package agent implements the relay agent: it keeps one authenticated
// connection to the gateway open and executes delegated requests inside
// the user's running browser.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/gobwas/ws"
)

const (
	dialTimeout = 15 * time.Second

	// The gateway pings every 20s by default; a socket silent for this
	// long is dead even if the kernel hasn't noticed.
	readIdleTimeout = 90 * time.Second
	idleCheckEvery  = 15 * time.Second

	// Sessions that survive this long reset the reconnect backoff.
	healthySession = time.Minute
)

// Agent owns the gateway connection and the per-request workers.
type Agent struct {
	wsURL        string
	token        string
	exec         Executor
	fetchTimeout time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration

	writeMu  sync.Mutex
	lastRead atomic.Int64
}

// Options configures an Agent. FetchTimeout bounds each delegated fetch;
// BackoffMin/BackoffMax bound the reconnect delay.
type Options struct {
	GatewayWSURL string
	Token        string
	Executor     Executor
	FetchTimeout time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func New(opts Options) *Agent {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 30 * time.Second
	}
	return &Agent{
		wsURL:        opts.GatewayWSURL,
		token:        opts.Token,
		exec:         opts.Executor,
		fetchTimeout: opts.FetchTimeout,
		backoffMin:   opts.BackoffMin,
		backoffMax:   opts.BackoffMax,
	}
}

// Run connects and reconnects until ctx is cancelled. Each lost session
// doubles the retry delay up to the cap; a session that stays up for a
// while resets it.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.backoffMin
	for {
		start := time.Now()
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) >= healthySession {
			backoff = a.backoffMin
		}

		slog.Warn("gateway connection lost", "error", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > a.backoffMax {
			backoff = a.backoffMax
		}
	}
}

// runOnce dials, authenticates, and serves frames until the connection
// fails.
func (a *Agent) runOnce(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, a.wsURL)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	tr := protocol.NewClientTransport(conn)
	defer tr.Close()

	// Closing the transport is the only way to unblock the read below, so
	// a watchdog does it on cancellation or a silent socket.
	a.lastRead.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go a.watchdog(ctx, tr, watchdogDone)

	if err := a.send(tr, &protocol.Message{Type: protocol.TypeAuth, Token: a.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	slog.Info("connected to gateway", "url", a.wsURL)

	for {
		data, err := tr.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.lastRead.Store(time.Now().UnixNano())

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed frame from gateway", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			if err := a.send(tr, &protocol.Message{Type: protocol.TypePong, ID: msg.ID}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case protocol.TypeRequest:
			go a.handleRequest(ctx, tr, msg)
		case protocol.TypeNotification:
			logNotification(msg)
		case protocol.TypeError:
			// Terminal per protocol; the gateway closes after this. Keep
			// reading so the close surfaces as the session error.
			slog.Error("gateway reported error", "code", msg.Code, "message", msg.Message)
		case protocol.TypePong:
			// Liveness is gateway-driven; nothing to track here.
		default:
			slog.Debug("ignoring unknown frame", "type", msg.Type)
		}
	}
}

// handleRequest executes one delegated request and sends exactly one
// response frame. Requests run concurrently; responses return in completion
// order and the gateway re-matches them by request id.
func (a *Agent) handleRequest(ctx context.Context, tr protocol.Transport, msg protocol.Message) {
	if msg.RequestID == "" {
		// A response without an id would be a protocol violation, so a
		// request without one can only be logged and dropped.
		slog.Warn("dropping request frame without request_id", "endpoint", msg.Endpoint)
		return
	}
	start := time.Now()

	success := false
	resp := &protocol.Message{Type: protocol.TypeResponse, RequestID: msg.RequestID, Success: &success}
	if msg.Built == nil {
		resp.Error = "request frame carries no built request"
	} else {
		fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
		payload, err := a.exec.ExecuteFetch(fetchCtx, msg.Built)
		cancel()
		if err != nil {
			resp.Error = err.Error()
		} else if raw, merr := json.Marshal(payload); merr != nil {
			resp.Error = fmt.Sprintf("encode fetch payload: %v", merr)
		} else {
			success = true
			resp.Payload = raw
			slog.Info("delegated request complete",
				"request_id", msg.RequestID,
				"endpoint", msg.Endpoint,
				"status", payload.Status,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}
	if !success {
		slog.Warn("delegated request failed",
			"request_id", msg.RequestID,
			"endpoint", msg.Endpoint,
			"error", resp.Error,
			"duration_ms", time.Since(start).Milliseconds())
	}
	if err := a.send(tr, resp); err != nil {
		slog.Warn("response send failed", "request_id", msg.RequestID, "error", err)
	}
}

// watchdog closes the transport when the context ends or the socket has
// been silent past the idle window.
func (a *Agent) watchdog(ctx context.Context, tr protocol.Transport, done chan struct{}) {
	ticker := time.NewTicker(idleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			tr.Close()
			return
		case <-ticker.C:
			last := time.Unix(0, a.lastRead.Load())
			if time.Since(last) > readIdleTimeout {
				slog.Warn("gateway silent past idle window, closing connection",
					"idle", time.Since(last).Round(time.Second))
				tr.Close()
				return
			}
		}
	}
}

func (a *Agent) send(tr protocol.Transport, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return tr.WriteMessage(data)
}

func logNotification(msg protocol.Message) {
	switch msg.Level {
	case "warn":
		slog.Warn("gateway notification", "message", msg.Message)
	case "error":
		slog.Error("gateway notification", "message", msg.Message)
	default:
		slog.Info("gateway notification", "message", msg.Message)
	}
}
