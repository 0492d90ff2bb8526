package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// EndpointSummary describes one catalog entry for the listing API.
type EndpointSummary struct {
	Name     string   `json:"name"`
	Method   string   `json:"method"`
	Path     string   `json:"path"`
	Params   []string `json:"params,omitempty"`
	Required []string `json:"required,omitempty"`
	CSRF     bool     `json:"csrf"`
}

// Endpoints returns a summary of the active catalog, sorted by name.
func (s *Service) Endpoints() []EndpointSummary {
	names := s.templates.Names()
	out := make([]EndpointSummary, 0, len(names))
	for _, name := range names {
		ep, ok := s.templates.Lookup(name)
		if !ok {
			continue
		}
		sum := EndpointSummary{Name: name, Method: ep.Method, Path: ep.Path, CSRF: ep.CSRF}
		for _, f := range ep.Query {
			sum.Params = append(sum.Params, f.Param)
			if f.Required {
				sum.Required = append(sum.Required, f.Param)
			}
		}
		if ep.Body != nil {
			for _, f := range ep.Body.Fields {
				sum.Params = append(sum.Params, f.Param)
				if f.Required {
					sum.Required = append(sum.Required, f.Param)
				}
			}
		}
		out = append(out, sum)
	}
	return out
}

// ConnStatus reports a user's delegate connection.
type ConnStatus struct {
	UserID      string    `json:"user_id"`
	Connected   bool      `json:"connected"`
	State       string    `json:"state,omitempty"`
	ConnID      string    `json:"conn_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastPong    time.Time `json:"last_pong,omitempty"`
	Pending     int       `json:"pending"`
}

// ConnectionStatus reports the user's delegate connection state. Users with
// no tracked connection report Connected=false.
func (s *Service) ConnectionStatus(userID string) ConnStatus {
	st := ConnStatus{UserID: userID}
	conn, ok := s.conns.Peek(userID)
	if !ok {
		return st
	}
	st.Connected = conn.State().String() == "open"
	st.State = conn.State().String()
	st.ConnID = conn.ID
	st.ConnectedAt = conn.ConnectedAt
	st.LastPong = conn.LastPong()
	st.Pending = conn.PendingCount()
	return st
}

// SaveCredentials stores a user's snapshot and optional default policy.
func (s *Service) SaveCredentials(ctx context.Context, snap *types.CredentialSnapshot, defaultPolicy types.Policy) error {
	if snap.UserID == "" {
		return types.NewError(types.CodeValidation, "user_id is required", nil)
	}
	if defaultPolicy != "" && !defaultPolicy.Valid() {
		return types.NewError(types.CodeValidation,
			fmt.Sprintf("unknown policy %q", defaultPolicy), nil)
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return types.NewError(types.CodeUpstreamError, "credential store write failed", err)
	}
	if defaultPolicy != "" {
		if err := s.store.SetDefaultPolicy(ctx, snap.UserID, defaultPolicy); err != nil {
			return types.NewError(types.CodeUpstreamError, "credential store write failed", err)
		}
	}
	return nil
}

// CredentialInfo is the redacted view of a stored snapshot: field names and
// capture time only, never values.
type CredentialInfo struct {
	UserID     string    `json:"user_id"`
	HasCSRF    bool      `json:"has_csrf"`
	Cookies    []string  `json:"cookies,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// CredentialStatus returns the redacted snapshot view, or nil when none is
// stored.
func (s *Service) CredentialStatus(ctx context.Context, userID string) (*CredentialInfo, error) {
	snap, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, types.NewError(types.CodeUpstreamError, "credential store lookup failed", err)
	}
	if snap == nil {
		return nil, nil
	}
	info := &CredentialInfo{
		UserID:     snap.UserID,
		HasCSRF:    snap.CSRFToken != "",
		CapturedAt: snap.CapturedAt,
	}
	for name := range snap.Cookies {
		info.Cookies = append(info.Cookies, name)
	}
	sort.Strings(info.Cookies)
	return info, nil
}

// NotifyUser sends a fire-and-forget notification to the user's agent.
func (s *Service) NotifyUser(userID, message, level string) error {
	if message == "" {
		return types.NewError(types.CodeValidation, "message is required", nil)
	}
	conn, ok := s.conns.Lookup(userID)
	if !ok {
		return types.NewError(types.CodeNoDelegate,
			fmt.Sprintf("no live agent connection for user %s", userID), nil)
	}
	if err := s.delegator.Notify(conn, message, level); err != nil {
		return types.NewError(types.CodeDisconnected, "notification send failed", err)
	}
	return nil
}

// Health reports component liveness.
type Health struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Connections int    `json:"connections"`
}

// HealthCheck pings the credential store and counts live connections.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "ok", Store: "ok", Connections: s.conns.Size()}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}
	return h
}
