package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/credstore"
	"github.com/dgnsrekt/browser_relay/internal/events"
	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/ratelimit"
	"github.com/dgnsrekt/browser_relay/internal/registry"
	"github.com/dgnsrekt/browser_relay/internal/template"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

type stubTransport struct{}

func (stubTransport) ReadMessage() ([]byte, error) { return nil, io.EOF }
func (stubTransport) WriteMessage([]byte) error    { return nil }
func (stubTransport) Close() error                 { return nil }

type countingDirect struct {
	mu    sync.Mutex
	calls int
	last  *types.BuiltRequest
	ctx   context.Context
	res   *types.Result
	err   error
}

func (c *countingDirect) Execute(ctx context.Context, built *types.BuiltRequest) (*types.Result, error) {
	c.mu.Lock()
	c.calls++
	c.last = built
	c.ctx = ctx
	c.mu.Unlock()
	if c.res == nil && c.err == nil {
		return &types.Result{Status: 200, Body: []byte("direct"), Path: "server"}, nil
	}
	return c.res, c.err
}

func (c *countingDirect) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeDelegator struct {
	mu      sync.Mutex
	calls   int
	last    *types.BuiltRequest
	notes   []string
	noteErr error
	res     *types.Result
	err     error
}

func (f *fakeDelegator) Delegate(_ context.Context, _ *protocol.Conn, _ types.LogicalRequest, built *types.BuiltRequest, _ time.Duration) (*types.Result, error) {
	f.mu.Lock()
	f.calls++
	f.last = built
	f.mu.Unlock()
	if f.res == nil && f.err == nil {
		return &types.Result{Status: 200, Body: []byte("delegated"), Path: "delegate"}, nil
	}
	return f.res, f.err
}

func (f *fakeDelegator) Notify(_ *protocol.Conn, message, level string) error {
	f.mu.Lock()
	f.notes = append(f.notes, level+":"+message)
	f.mu.Unlock()
	return f.noteErr
}

func (f *fakeDelegator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingStore wraps a working store and fails selected operations.
type failingStore struct {
	credstore.Store
	failSnapshot bool
	failPolicy   bool
	failPing     bool
}

func (f *failingStore) Snapshot(ctx context.Context, userID string) (*types.CredentialSnapshot, error) {
	if f.failSnapshot {
		return nil, errors.New("store down")
	}
	return f.Store.Snapshot(ctx, userID)
}

func (f *failingStore) DefaultPolicy(ctx context.Context, userID string) (types.Policy, error) {
	if f.failPolicy {
		return "", errors.New("store down")
	}
	return f.Store.DefaultPolicy(ctx, userID)
}

func (f *failingStore) Ping(context.Context) error {
	if f.failPing {
		return errors.New("store down")
	}
	return nil
}

type harness struct {
	svc       *Service
	store     *credstore.Memory
	direct    *countingDirect
	delegator *fakeDelegator
	conns     *registry.Registry
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:     credstore.NewMemory(),
		direct:    &countingDirect{},
		delegator: &fakeDelegator{},
		conns:     registry.New(),
	}
	opts := Options{
		Templates:      template.NewEngine(template.DefaultCatalog("https://example.test")),
		Store:          h.store,
		Direct:         h.direct,
		Conns:          h.conns,
		Delegator:      h.delegator,
		DefaultPolicy:  types.PolicyDelegate,
		DefaultTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.svc = NewService(opts)
	return h
}

func (h *harness) connect(userID string) *protocol.Conn {
	c := protocol.NewConn(stubTransport{}, "test")
	c.UserID = userID
	c.Open()
	h.conns.Register(userID, c)
	return c
}

func (h *harness) saveFullCreds(t *testing.T, userID string) {
	t.Helper()
	err := h.store.SaveSnapshot(context.Background(), &types.CredentialSnapshot{
		UserID:    userID,
		CSRFToken: "tok",
		Cookies: map[string]string{
			"sessionid":      "s",
			"sessionid_sign": "v",
		},
	})
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
}

func assertCode(t *testing.T, err error, code string) *types.CodedError {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil; want code %s", code)
	}
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error type = %T (%v); want *types.CodedError", err, err)
	}
	if coded.Code != code {
		t.Fatalf("code = %q (%v); want %q", coded.Code, err, code)
	}
	return coded
}

func TestExecuteValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Execute(ctx, ExecuteRequest{Endpoint: "feed"})
	assertCode(t, err, types.CodeValidation)

	_, err = h.svc.Execute(ctx, ExecuteRequest{UserID: "u1"})
	assertCode(t, err, types.CodeValidation)

	_, err = h.svc.Execute(ctx, ExecuteRequest{UserID: "u1", Endpoint: "feed", Policy: "browser"})
	coded := assertCode(t, err, types.CodeValidation)
	if !strings.Contains(coded.Message, "server") || !strings.Contains(coded.Message, "delegate") {
		t.Fatalf("message = %q; want both valid policies named", coded.Message)
	}
}

func TestExecuteUnsupportedEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("u1")

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{UserID: "u1", Endpoint: "nonsense"})
	assertCode(t, err, types.CodeUnsupportedEndpoint)
}

func TestExecuteExplicitPolicyWinsOverStored(t *testing.T) {
	h := newHarness(t, nil)
	h.saveFullCreds(t, "u1")
	h.connect("u1")
	if err := h.store.SetDefaultPolicy(context.Background(), "u1", types.PolicyServer); err != nil {
		t.Fatalf("SetDefaultPolicy() error = %v", err)
	}

	res, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Policy:   types.PolicyDelegate,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Path != "delegate" {
		t.Fatalf("path = %q; want delegate", res.Path)
	}
	if h.direct.callCount() != 0 {
		t.Fatalf("direct executor called %d times; explicit policy must win", h.direct.callCount())
	}
	if h.delegator.callCount() != 1 {
		t.Fatalf("delegator called %d times; want 1", h.delegator.callCount())
	}
}

func TestExecuteStoredDefaultWinsOverGatewayDefault(t *testing.T) {
	// Gateway default is delegate; the user's stored default says server.
	h := newHarness(t, nil)
	h.saveFullCreds(t, "u1")
	h.connect("u1")
	if err := h.store.SetDefaultPolicy(context.Background(), "u1", types.PolicyServer); err != nil {
		t.Fatalf("SetDefaultPolicy() error = %v", err)
	}

	res, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Path != "server" {
		t.Fatalf("path = %q; want server", res.Path)
	}
	if h.delegator.callCount() != 0 {
		t.Fatalf("delegator called %d times; want 0", h.delegator.callCount())
	}
}

func TestExecuteFallsBackToGatewayDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("u1")

	res, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Path != "delegate" {
		t.Fatalf("path = %q; want the gateway default", res.Path)
	}
}

func TestExecuteServerPolicyFailsFastOnIncompleteCredentials(t *testing.T) {
	h := newHarness(t, nil)
	// No snapshot at all; vote needs csrf and session cookies.

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "vote",
		Params:   map[string]any{"target": "p1", "direction": "up"},
		Policy:   types.PolicyServer,
	})
	coded := assertCode(t, err, types.CodeIncompleteCredentials)

	for _, want := range []string{"csrf_token", "cookie:sessionid", "cookie:sessionid_sign"} {
		if !strings.Contains(coded.Message, want) {
			t.Fatalf("message = %q; want %q listed", coded.Message, want)
		}
	}
	// The refusal happens before any network I/O.
	if h.direct.callCount() != 0 {
		t.Fatalf("direct executor called %d times; want 0", h.direct.callCount())
	}
}

func TestExecuteDelegatePolicyIgnoresMissingCredentials(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("u1")
	// No stored snapshot; the browser brings its own cookie jar.

	res, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "vote",
		Params:   map[string]any{"target": "p1", "direction": "up"},
		Policy:   types.PolicyDelegate,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Path != "delegate" {
		t.Fatalf("path = %q; want delegate", res.Path)
	}
}

func TestExecuteDelegateWithoutConnection(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Policy:   types.PolicyDelegate,
	})
	assertCode(t, err, types.CodeNoDelegate)
	if h.delegator.callCount() != 0 {
		t.Fatalf("delegator called %d times; want 0", h.delegator.callCount())
	}
}

func TestExecuteNeverInfersPolicyFromCredentials(t *testing.T) {
	// Full credentials and server as the gateway default must not pull a
	// delegate-policy call onto the server path, and vice versa.
	h := newHarness(t, func(o *Options) { o.DefaultPolicy = types.PolicyServer })
	h.saveFullCreds(t, "u1")
	// No delegate connection exists.

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Policy:   types.PolicyDelegate,
	})
	assertCode(t, err, types.CodeNoDelegate)
	if h.direct.callCount() != 0 {
		t.Fatalf("direct executor called %d times; the router switched paths on its own", h.direct.callCount())
	}
}

func TestExecuteStoreFailureIsUpstreamError(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Store = &failingStore{Store: credstore.NewMemory(), failSnapshot: true}
	})
	h.connect("u1")

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Policy:   types.PolicyDelegate,
	})
	assertCode(t, err, types.CodeUpstreamError)
}

func TestExecutePolicyLookupFailureIsUpstreamError(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Store = &failingStore{Store: credstore.NewMemory(), failPolicy: true}
	})

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
	})
	assertCode(t, err, types.CodeUpstreamError)
}

func TestExecuteRateLimited(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Limiter = ratelimit.New(0.01, 1)
	})
	h.connect("u1")

	if _, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Timeout:  100 * time.Millisecond,
	}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	_, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
		Timeout:  100 * time.Millisecond,
	})
	assertCode(t, err, types.CodeRateLimited)
}

func TestExecuteAppliesDefaultTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DefaultPolicy = types.PolicyServer
		o.DefaultTimeout = 250 * time.Millisecond
	})
	h.saveFullCreds(t, "u1")

	before := time.Now()
	if _, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	deadline, ok := h.direct.ctx.Deadline()
	if !ok {
		t.Fatalf("direct executor ctx has no deadline")
	}
	if d := deadline.Sub(before); d <= 0 || d > time.Second {
		t.Fatalf("deadline %v from call start; want about the 250ms default", d)
	}
}

func TestExecutePublishesOutcomeEvent(t *testing.T) {
	broker := events.NewBroker()
	h := newHarness(t, func(o *Options) { o.Events = broker })
	h.connect("u1")

	_, ch := broker.Subscribe()

	if _, err := h.svc.Execute(context.Background(), ExecuteRequest{
		UserID:   "u1",
		Endpoint: "feed",
		Params:   map[string]any{"count": 5},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Feed != events.FeedExecutions {
			t.Fatalf("event feed = %q; want %q", evt.Feed, events.FeedExecutions)
		}
		if !strings.Contains(evt.Payload, `"endpoint":"feed"`) || !strings.Contains(evt.Payload, `"outcome":"ok"`) {
			t.Fatalf("event payload = %q", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no execution event published")
	}
}
