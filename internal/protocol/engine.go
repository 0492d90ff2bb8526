package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/events"
	"github.com/dgnsrekt/browser_relay/internal/executor"
	"github.com/dgnsrekt/browser_relay/internal/metrics"
	"github.com/dgnsrekt/browser_relay/internal/notify"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

// TokenResolver maps a presented agent token to a user id; "" means the
// token is unknown.
type TokenResolver interface {
	ResolveAgentToken(ctx context.Context, token string) (string, error)
}

// ConnTable registers authenticated connections. Register returns the
// previous connection for the user, if any, so the engine can supersede it.
type ConnTable interface {
	Register(userID string, c *Conn) (prev *Conn)
	Deregister(userID string, c *Conn) bool
}

// Config bounds the engine's handshake and liveness timing.
type Config struct {
	AuthTimeout  time.Duration
	PingInterval time.Duration
	PongWindow   time.Duration
}

// Engine runs the gateway side of the correlation protocol.
type Engine struct {
	table    ConnTable
	resolver TokenResolver
	metrics  *metrics.Metrics
	alerts   *notify.Notifier
	events   *events.Broker
	cfg      Config
}

// NewEngine creates an engine. metrics, alerts, and broker may be nil.
func NewEngine(table ConnTable, resolver TokenResolver, m *metrics.Metrics, alerts *notify.Notifier, broker *events.Broker, cfg Config) *Engine {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongWindow <= 0 {
		cfg.PongWindow = 3 * cfg.PingInterval
	}
	return &Engine{table: table, resolver: resolver, metrics: m, alerts: alerts, events: broker, cfg: cfg}
}

// HandleConn owns a fresh transport for its whole lifetime: handshake,
// registration, read loop, ping loop, teardown. It returns when the
// connection leaves service.
func (e *Engine) HandleConn(tr Transport, remote string) {
	conn := NewConn(tr, remote)

	userID, err := e.handshake(conn)
	if err != nil {
		slog.Warn("agent handshake failed", "remote", remote, "error", err)
		conn.teardown(StateClosed)
		return
	}
	conn.UserID = userID
	conn.Open()

	if prev := e.table.Register(userID, conn); prev != nil {
		slog.Info("superseding previous agent connection",
			"user_id", userID,
			"old_conn", prev.ID,
			"new_conn", conn.ID)
		prev.send(&Message{Type: TypeNotification, Message: "superseded by a newer connection", Level: "warn"})
		prev.teardown(StateClosing)
		e.metrics.Superseded()
		e.publishConn(userID, prev.ID, "superseded")
	}

	e.metrics.AgentConnected()
	slog.Info("agent connected",
		"user_id", userID,
		"conn_id", conn.ID,
		"remote", remote)
	conn.send(&Message{Type: TypeNotification, Message: "authenticated", Level: "info"})
	e.publishConn(userID, conn.ID, "connected")

	go e.pingLoop(conn)
	e.readLoop(conn)

	conn.teardown(StateDisconnected)
	e.table.Deregister(userID, conn)
	e.metrics.AgentDisconnected()
	slog.Info("agent disconnected",
		"user_id", userID,
		"conn_id", conn.ID,
		"state", conn.State().String(),
		"failed_calls", conn.FailedCalls())
	e.alerts.AgentDisconnected(userID, conn.State().String(), conn.FailedCalls())
	e.publishConn(userID, conn.ID, "disconnected")
}

func (e *Engine) publishConn(userID, connID, state string) {
	e.events.PublishJSON(events.FeedConnections, connectionEvent{
		UserID: userID,
		ConnID: connID,
		State:  state,
	})
}

type connectionEvent struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
	State  string `json:"state"`
}

// handshake reads exactly one frame, which must be auth{token}, and
// resolves the token to a user id. Failures send an error envelope before
// returning.
func (e *Engine) handshake(conn *Conn) (string, error) {
	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := conn.tr.ReadMessage()
		ch <- readResult{data, err}
	}()

	var data []byte
	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read auth frame: %w", r.err)
		}
		data = r.data
	case <-time.After(e.cfg.AuthTimeout):
		conn.send(&Message{Type: TypeError, Message: "auth timeout", Code: types.CodeProtocolError})
		return "", fmt.Errorf("no auth frame within %s", e.cfg.AuthTimeout)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.send(&Message{Type: TypeError, Message: "malformed auth frame", Code: types.CodeProtocolError})
		return "", fmt.Errorf("malformed auth frame: %w", err)
	}
	if msg.Type != TypeAuth || msg.Token == "" {
		conn.send(&Message{Type: TypeError, Message: "first frame must be auth", Code: types.CodeProtocolError})
		return "", fmt.Errorf("expected auth frame, got %q", msg.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	userID, err := e.resolver.ResolveAgentToken(ctx, msg.Token)
	if err != nil {
		conn.send(&Message{Type: TypeError, Message: "credential store unavailable", Code: types.CodeUpstreamError})
		return "", fmt.Errorf("resolve agent token: %w", err)
	}
	if userID == "" {
		conn.send(&Message{Type: TypeError, Message: "invalid agent token", Code: types.CodeAuthRejected})
		return "", fmt.Errorf("unknown agent token")
	}
	return userID, nil
}

// readLoop drains incoming frames until the transport fails or a protocol
// violation tears the connection down. It never blocks on a slow caller;
// result slots are buffered and delivery happens after the pending entry is
// removed.
func (e *Engine) readLoop(conn *Conn) {
	for {
		data, err := conn.tr.ReadMessage()
		if err != nil {
			slog.Debug("agent read loop exit", "conn_id", conn.ID, "error", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			e.violation(conn, "malformed frame", err)
			return
		}

		switch msg.Type {
		case TypeResponse:
			if msg.RequestID == "" {
				e.violation(conn, "response without request_id", nil)
				return
			}
			e.dispatchResponse(conn, &msg)
		case TypePing:
			conn.send(&Message{
				Type:       TypePong,
				ID:         msg.ID,
				ServerTime: time.Now().UTC().Format(time.RFC3339),
			})
		case TypePong:
			conn.markPong()
		case TypeError:
			// Peer-reported failure is informational; the peer decides
			// whether to drop the connection.
			slog.Warn("agent reported error",
				"conn_id", conn.ID,
				"user_id", conn.UserID,
				"message", msg.Message,
				"code", msg.Code)
		case TypeAuth:
			e.violation(conn, "auth after handshake", nil)
			return
		default:
			e.violation(conn, fmt.Sprintf("unexpected message type %q", msg.Type), nil)
			return
		}
	}
}

// dispatchResponse hands a response to its waiting caller. Unmatched
// responses (already timed out, or never ours) are logged and discarded,
// never delivered twice.
func (e *Engine) dispatchResponse(conn *Conn, msg *Message) {
	ch, ok := conn.takePending(msg.RequestID)
	if !ok {
		slog.Warn("discarding unmatched response",
			"conn_id", conn.ID,
			"user_id", conn.UserID,
			"request_id", msg.RequestID)
		e.metrics.LateResponse()
		return
	}
	ch <- msg
}

// violation logs a protocol violation and tears the offending connection
// down. Never fatal to the process; other users' connections are
// unaffected.
func (e *Engine) violation(conn *Conn, what string, err error) {
	slog.Warn("protocol violation, closing connection",
		"conn_id", conn.ID,
		"user_id", conn.UserID,
		"violation", what,
		"error", err)
	e.metrics.ProtocolError()
	conn.send(&Message{Type: TypeError, Message: what, Code: types.CodeProtocolError})
	conn.teardown(StateDisconnected)
}

// pingLoop sends liveness pings and enforces the pong window. Only pongs
// refresh the liveness clock.
func (e *Engine) pingLoop(conn *Conn) {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if time.Since(conn.LastPong()) > e.cfg.PongWindow {
				slog.Warn("agent liveness timeout",
					"conn_id", conn.ID,
					"user_id", conn.UserID,
					"last_pong", conn.LastPong())
				conn.teardown(StateDisconnected)
				return
			}
			if err := conn.send(&Message{Type: TypePing, ID: conn.nextID()}); err != nil {
				slog.Debug("ping send failed", "conn_id", conn.ID, "error", err)
				conn.teardown(StateDisconnected)
				return
			}
		}
	}
}

// Delegate sends one built request over the connection and waits for the
// matching response, the timeout, or connection loss, whichever resolves
// first. A response that loses the race is discarded by dispatchResponse;
// the caller is resolved exactly once.
func (e *Engine) Delegate(ctx context.Context, conn *Conn, req types.LogicalRequest, built *types.BuiltRequest, timeout time.Duration) (*types.Result, error) {
	id := conn.nextID()
	ch, ok := conn.addPending(id)
	if !ok {
		return nil, types.NewError(types.CodeNoDelegate,
			fmt.Sprintf("connection for %s is %s", req.UserID, conn.State()), nil)
	}

	err := conn.send(&Message{
		Type:      TypeRequest,
		RequestID: id,
		Endpoint:  req.Endpoint,
		Params:    req.Params,
		Built:     built,
	})
	if err != nil {
		conn.takePending(id)
		return nil, types.NewError(types.CodeDisconnected, "failed to send delegated request", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, disconnectedError()
		}
		return resolveResponse(resp)
	case <-timer.C:
		if _, taken := conn.takePending(id); taken {
			return nil, types.NewError(types.CodeTimeout,
				fmt.Sprintf("delegated call timed out after %s; the browser may still complete it", timeout), nil)
		}
		// Lost the removal race: a response or teardown already owns the
		// slot, and either delivers or closes it promptly.
		resp, ok := <-ch
		if !ok {
			return nil, disconnectedError()
		}
		return resolveResponse(resp)
	case <-ctx.Done():
		if _, taken := conn.takePending(id); taken {
			return nil, types.NewError(types.CodeTimeout, "delegated call cancelled", ctx.Err())
		}
		resp, ok := <-ch
		if !ok {
			return nil, disconnectedError()
		}
		return resolveResponse(resp)
	}
}

// Notify sends a fire-and-forget notification to the agent.
func (e *Engine) Notify(conn *Conn, message, level string) error {
	if level == "" {
		level = "info"
	}
	return conn.send(&Message{Type: TypeNotification, Message: message, Level: level})
}

func disconnectedError() error {
	return types.NewError(types.CodeDisconnected, "connection lost during delegated call", nil)
}

// resolveResponse normalizes a response message into the shared result
// shape, classifying the embedded upstream status exactly like the direct
// path.
func resolveResponse(msg *Message) (*types.Result, error) {
	if msg.Success == nil {
		return nil, types.NewError(types.CodeProtocolError, "response missing success flag", nil)
	}
	if !*msg.Success {
		errText := msg.Error
		if errText == "" {
			errText = "delegate reported failure"
		}
		return nil, types.NewError(types.CodeUpstreamError, errText, nil)
	}

	var pl ResponsePayload
	if len(msg.Payload) > 0 {
		// Best effort; non-envelope payloads fall through to the raw
		// path below.
		json.Unmarshal(msg.Payload, &pl)
	}
	if pl.Status == 0 {
		// Envelope-less agent: the whole payload is the body of an
		// implied 200.
		return executor.ResultFromStatus(200, nil, []byte(msg.Payload), types.PolicyDelegate)
	}
	return executor.ResultFromStatus(pl.Status, pl.Headers, []byte(pl.Body), types.PolicyDelegate)
}
