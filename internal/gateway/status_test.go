package gateway

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/credstore"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

func TestEndpointsSortedSummaries(t *testing.T) {
	h := newHarness(t, nil)

	eps := h.svc.Endpoints()
	var names []string
	for _, ep := range eps {
		names = append(names, ep.Name)
	}
	want := []string{"comments", "compose", "feed", "profile", "search", "vote"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Endpoints() names = %v; want %v", names, want)
	}

	var vote *EndpointSummary
	for i := range eps {
		if eps[i].Name == "vote" {
			vote = &eps[i]
		}
	}
	if vote == nil {
		t.Fatalf("vote endpoint missing from summaries")
	}
	if vote.Method != "POST" || vote.Path != "/api/v1/vote/" || !vote.CSRF {
		t.Fatalf("vote summary = %+v", vote)
	}
	if !reflect.DeepEqual(vote.Params, []string{"target", "direction"}) {
		t.Fatalf("vote params = %v", vote.Params)
	}
	if !reflect.DeepEqual(vote.Required, []string{"target", "direction"}) {
		t.Fatalf("vote required = %v", vote.Required)
	}
}

func TestConnectionStatus(t *testing.T) {
	h := newHarness(t, nil)

	st := h.svc.ConnectionStatus("u1")
	if st.Connected || st.UserID != "u1" {
		t.Fatalf("ConnectionStatus() = %+v; want disconnected", st)
	}

	conn := h.connect("u1")
	st = h.svc.ConnectionStatus("u1")
	if !st.Connected || st.State != "open" {
		t.Fatalf("ConnectionStatus() = %+v; want open", st)
	}
	if st.ConnID != conn.ID {
		t.Fatalf("ConnID = %q; want %q", st.ConnID, conn.ID)
	}
	if st.Pending != 0 {
		t.Fatalf("Pending = %d; want 0", st.Pending)
	}
	if st.LastPong.IsZero() {
		t.Fatalf("LastPong zero; want liveness timestamp")
	}
}

func TestSaveCredentials(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.svc.SaveCredentials(ctx, &types.CredentialSnapshot{}, "")
	assertCode(t, err, types.CodeValidation)

	err = h.svc.SaveCredentials(ctx, &types.CredentialSnapshot{UserID: "u1"}, "both")
	assertCode(t, err, types.CodeValidation)

	snap := &types.CredentialSnapshot{
		UserID:    "u1",
		CSRFToken: "tok",
		Cookies:   map[string]string{"sessionid": "s"},
	}
	if err := h.svc.SaveCredentials(ctx, snap, types.PolicyServer); err != nil {
		t.Fatalf("SaveCredentials() error = %v", err)
	}

	stored, err := h.store.Snapshot(ctx, "u1")
	if err != nil || stored == nil {
		t.Fatalf("Snapshot() = (%v, %v); want stored snapshot", stored, err)
	}
	if stored.CapturedAt.IsZero() {
		t.Fatalf("CapturedAt not defaulted on save")
	}
	pol, err := h.store.DefaultPolicy(ctx, "u1")
	if err != nil || pol != types.PolicyServer {
		t.Fatalf("DefaultPolicy() = (%v, %v); want server", pol, err)
	}
}

func TestCredentialStatusRedactsValues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	info, err := h.svc.CredentialStatus(ctx, "ghost")
	if err != nil || info != nil {
		t.Fatalf("CredentialStatus(ghost) = (%v, %v); want (nil, nil)", info, err)
	}

	captured := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := h.store.SaveSnapshot(ctx, &types.CredentialSnapshot{
		UserID:     "u1",
		CSRFToken:  "secret-token",
		Cookies:    map[string]string{"sessionid_sign": "sv", "sessionid": "s"},
		CapturedAt: captured,
	}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	info, err = h.svc.CredentialStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("CredentialStatus() error = %v", err)
	}
	if !info.HasCSRF {
		t.Fatalf("HasCSRF = false; want true")
	}
	if !reflect.DeepEqual(info.Cookies, []string{"sessionid", "sessionid_sign"}) {
		t.Fatalf("Cookies = %v; want sorted names only", info.Cookies)
	}
	if !info.CapturedAt.Equal(captured) {
		t.Fatalf("CapturedAt = %v; want %v", info.CapturedAt, captured)
	}
}

func TestNotifyUser(t *testing.T) {
	h := newHarness(t, nil)

	err := h.svc.NotifyUser("u1", "", "info")
	assertCode(t, err, types.CodeValidation)

	err = h.svc.NotifyUser("u1", "hello", "info")
	assertCode(t, err, types.CodeNoDelegate)

	h.connect("u1")
	if err := h.svc.NotifyUser("u1", "hello", "warn"); err != nil {
		t.Fatalf("NotifyUser() error = %v", err)
	}
	h.delegator.mu.Lock()
	notes := append([]string(nil), h.delegator.notes...)
	h.delegator.mu.Unlock()
	if len(notes) != 1 || notes[0] != "warn:hello" {
		t.Fatalf("notes = %v; want [warn:hello]", notes)
	}
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("u1")

	health := h.svc.HealthCheck(context.Background())
	if health.Status != "ok" || health.Store != "ok" || health.Connections != 1 {
		t.Fatalf("HealthCheck() = %+v", health)
	}

	down := newHarness(t, func(o *Options) {
		o.Store = &failingStore{Store: credstore.NewMemory(), failPing: true}
	})
	health = down.svc.HealthCheck(context.Background())
	if health.Status != "degraded" {
		t.Fatalf("HealthCheck() status = %q; want degraded", health.Status)
	}
}
