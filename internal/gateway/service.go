// Package gateway routes logical requests onto an execution path and
// normalizes the outcome. The routing policy is explicit data; the router
// never switches paths on its own.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/audit"
	"github.com/dgnsrekt/browser_relay/internal/credstore"
	"github.com/dgnsrekt/browser_relay/internal/events"
	"github.com/dgnsrekt/browser_relay/internal/metrics"
	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/ratelimit"
	"github.com/dgnsrekt/browser_relay/internal/registry"
	"github.com/dgnsrekt/browser_relay/internal/template"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Delegator dispatches a built request over a live connection and awaits
// the matched response. Implemented by the protocol engine.
type Delegator interface {
	Delegate(ctx context.Context, conn *protocol.Conn, req types.LogicalRequest, built *types.BuiltRequest, timeout time.Duration) (*types.Result, error)
	Notify(conn *protocol.Conn, message, level string) error
}

// DirectExecutor sends a built request straight to the target. Implemented
// by the server executor.
type DirectExecutor interface {
	Execute(ctx context.Context, built *types.BuiltRequest) (*types.Result, error)
}

// Service is the execution router.
type Service struct {
	templates *template.Engine
	store     credstore.Store
	direct    DirectExecutor
	conns     *registry.Registry
	delegator Delegator
	limiter   *ratelimit.PerUser
	metrics   *metrics.Metrics
	audit     *audit.Log
	events    *events.Broker

	defaultPolicy  types.Policy
	defaultTimeout time.Duration
}

// Options carries the router's collaborators. Limiter, Metrics, Audit,
// and Events may be nil.
type Options struct {
	Templates *template.Engine
	Store     credstore.Store
	Direct    DirectExecutor
	Conns     *registry.Registry
	Delegator Delegator
	Limiter   *ratelimit.PerUser
	Metrics   *metrics.Metrics
	Audit     *audit.Log
	Events    *events.Broker

	DefaultPolicy  types.Policy
	DefaultTimeout time.Duration
}

// NewService creates the router.
func NewService(opts Options) *Service {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = types.PolicyDelegate
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	return &Service{
		templates:      opts.Templates,
		store:          opts.Store,
		direct:         opts.Direct,
		conns:          opts.Conns,
		delegator:      opts.Delegator,
		limiter:        opts.Limiter,
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		events:         opts.Events,
		defaultPolicy:  opts.DefaultPolicy,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// ExecuteRequest is one logical call plus its routing inputs. An empty
// Policy resolves to the user's stored default, then the gateway default.
// A zero Timeout resolves to the gateway default.
type ExecuteRequest struct {
	UserID   string
	Endpoint string
	Params   map[string]any
	Policy   types.Policy
	Timeout  time.Duration
}

// Execute routes one call: RECEIVED, then exactly one of the two paths,
// then SUCCEEDED or FAILED. Every terminal outcome is audited and counted.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*types.Result, error) {
	start := time.Now()
	res, err := s.execute(ctx, &req)
	s.record(&req, res, err, time.Since(start))
	return res, err
}

func (s *Service) execute(ctx context.Context, req *ExecuteRequest) (*types.Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, types.NewError(types.CodeValidation, "user_id is required", nil)
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, types.NewError(types.CodeValidation, "endpoint is required", nil)
	}
	if req.Policy != "" && !req.Policy.Valid() {
		return nil, types.NewError(types.CodeValidation,
			fmt.Sprintf("unknown policy %q (use %q or %q)", req.Policy, types.PolicyServer, types.PolicyDelegate), nil)
	}
	if req.Timeout <= 0 {
		req.Timeout = s.defaultTimeout
	}

	if req.Policy == "" {
		stored, err := s.store.DefaultPolicy(ctx, req.UserID)
		if err != nil {
			return nil, types.NewError(types.CodeUpstreamError, "credential store lookup failed", err)
		}
		if stored.Valid() {
			req.Policy = stored
		} else {
			req.Policy = s.defaultPolicy
		}
	}

	if s.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
		err := s.limiter.Wait(waitCtx, req.UserID)
		cancel()
		if err != nil {
			return nil, types.NewError(types.CodeRateLimited, "per-user rate limit exceeded", err)
		}
	}

	snap, err := s.store.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, types.NewError(types.CodeUpstreamError, "credential store lookup failed", err)
	}
	if snap == nil {
		snap = &types.CredentialSnapshot{UserID: req.UserID}
	}

	logical := types.LogicalRequest{
		Endpoint: req.Endpoint,
		Params:   req.Params,
		UserID:   req.UserID,
	}
	built, missing, err := s.templates.Build(logical, snap)
	if err != nil {
		return nil, err
	}

	switch req.Policy {
	case types.PolicyServer:
		// Fail fast before any network I/O; a doomed request would only
		// burn the upstream's patience.
		if len(missing) > 0 {
			return nil, types.NewError(types.CodeIncompleteCredentials,
				fmt.Sprintf("credential snapshot missing: %s", strings.Join(missing, ", ")), nil)
		}
		execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		return s.direct.Execute(execCtx, built)

	case types.PolicyDelegate:
		conn, ok := s.conns.Lookup(req.UserID)
		if !ok {
			return nil, types.NewError(types.CodeNoDelegate,
				fmt.Sprintf("no live agent connection for user %s", req.UserID), nil)
		}
		return s.delegator.Delegate(ctx, conn, logical, built, req.Timeout)

	default:
		return nil, types.NewError(types.CodeValidation,
			fmt.Sprintf("unknown policy %q", req.Policy), nil)
	}
}

// record writes the terminal outcome to metrics and the audit log.
func (s *Service) record(req *ExecuteRequest, res *types.Result, err error, dur time.Duration) {
	path := string(req.Policy)
	if path == "" {
		path = "none"
	}

	outcome := "ok"
	status := 0
	detail := ""
	if err != nil {
		outcome = types.ErrorCode(err)
		detail = err.Error()
		var cerr *types.CodedError
		if errors.As(err, &cerr) {
			status = cerr.Status
		}
	} else if res != nil {
		status = res.Status
	}

	s.metrics.RecordExecute(path, req.Endpoint, outcome, float64(dur.Milliseconds()))
	s.audit.Write(audit.Record{
		UserID:     req.UserID,
		Endpoint:   req.Endpoint,
		Path:       path,
		Outcome:    outcome,
		Status:     status,
		DurationMS: dur.Milliseconds(),
		Detail:     detail,
	})
	s.events.PublishJSON(events.FeedExecutions, executionEvent{
		UserID:     req.UserID,
		Endpoint:   req.Endpoint,
		Path:       path,
		Outcome:    outcome,
		Status:     status,
		DurationMS: dur.Milliseconds(),
	})
}

type executionEvent struct {
	UserID     string `json:"user_id"`
	Endpoint   string `json:"endpoint"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	Status     int    `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
