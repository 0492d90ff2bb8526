package template

import (
	"errors"
	"reflect"
	"testing"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

func testEngine() *Engine {
	return NewEngine(DefaultCatalog("https://example.test"))
}

func fullSnapshot() *types.CredentialSnapshot {
	return &types.CredentialSnapshot{
		UserID:    "u1",
		CSRFToken: "tok-123",
		Cookies: map[string]string{
			"sessionid":      "s1",
			"sessionid_sign": "v1",
			"device_t":       "d1",
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "search",
		Params:   map[string]any{"query": "golang tips", "type": "post", "count": 25},
		UserID:   "u1",
	}

	first, missing, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("Build() missing = %v; want none", missing)
	}
	for i := 0; i < 50; i++ {
		again, _, err := e.Build(req, fullSnapshot())
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Build() not deterministic:\n first = %+v\n again = %+v", first, again)
		}
	}
}

func TestBuildParityAcrossCredentialSets(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "vote",
		Params:   map[string]any{"target": "p1", "direction": "up"},
		UserID:   "u1",
	}

	full, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	partial, _, err := e.Build(req, &types.CredentialSnapshot{UserID: "u1"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if full.URL != partial.URL || full.Method != partial.Method {
		t.Fatalf("request line differs across credential sets: %s %s vs %s %s",
			full.Method, full.URL, partial.Method, partial.URL)
	}
	if string(full.Body) != string(partial.Body) {
		t.Fatalf("body differs across credential sets: %q vs %q", full.Body, partial.Body)
	}

	// Only the credential-derived headers may differ between the two
	// snapshots; everything else must be shape-identical.
	strip := func(hs []types.Header) []types.Header {
		out := make([]types.Header, 0, len(hs))
		for _, h := range hs {
			if h.Name == "Cookie" || h.Name == "X-CSRF-Token" {
				continue
			}
			out = append(out, h)
		}
		return out
	}
	if !reflect.DeepEqual(strip(full.Headers), strip(partial.Headers)) {
		t.Fatalf("non-credential headers differ:\n full = %v\n partial = %v",
			strip(full.Headers), strip(partial.Headers))
	}
}

func TestBuildQueryOrderMatchesCatalog(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "search",
		Params:   map[string]any{"count": 10, "type": "user", "query": "alice"},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "https://example.test/api/v1/search/?q=alice&type=user&count=10"
	if built.URL != want {
		t.Fatalf("Build() URL = %q; want %q", built.URL, want)
	}
}

func TestBuildOmitsAbsentOptionalParams(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "feed",
		Params:   map[string]any{"count": 30},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "https://example.test/api/v1/feed/?count=30"
	if built.URL != want {
		t.Fatalf("Build() URL = %q; want %q", built.URL, want)
	}
}

func TestBuildUnknownEndpoint(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{Endpoint: "nope", UserID: "u1"}

	_, _, err := e.Build(req, fullSnapshot())
	if err == nil {
		t.Fatalf("Build() = nil; want unsupported endpoint error")
	}
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("Build() error type = %T; want *types.CodedError", err)
	}
	if coded.Code != types.CodeUnsupportedEndpoint {
		t.Fatalf("Build() code = %q; want %q", coded.Code, types.CodeUnsupportedEndpoint)
	}
}

func TestBuildMissingRequiredParam(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "search",
		Params:   map[string]any{"type": "post"},
		UserID:   "u1",
	}

	_, _, err := e.Build(req, fullSnapshot())
	if err == nil {
		t.Fatalf("Build() = nil; want validation error")
	}
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("Build() error type = %T; want *types.CodedError", err)
	}
	if coded.Code != types.CodeValidation {
		t.Fatalf("Build() code = %q; want %q", coded.Code, types.CodeValidation)
	}
}

func TestBuildReportsMissingCredentials(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "vote",
		Params:   map[string]any{"target": "p1", "direction": "up"},
		UserID:   "u1",
	}
	empty := &types.CredentialSnapshot{UserID: "u1"}

	built, missing, err := e.Build(req, empty)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []string{"csrf_token", "cookie:sessionid", "cookie:sessionid_sign"}
	if !reflect.DeepEqual(missing, want) {
		t.Fatalf("Build() missing = %v; want %v", missing, want)
	}
	// device_t is optional and must not be reported.
	for _, m := range missing {
		if m == "cookie:device_t" {
			t.Fatalf("Build() reported optional cookie device_t as missing")
		}
	}
	// Absent credentials drop the headers entirely rather than sending
	// them empty.
	if got := built.HeaderValue("X-CSRF-Token"); got != "" {
		t.Fatalf("Build() X-CSRF-Token = %q; want header absent", got)
	}
	if got := built.HeaderValue("Cookie"); got != "" {
		t.Fatalf("Build() Cookie = %q; want header absent", got)
	}
}

func TestBuildHeaderOrderFixed(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "vote",
		Params:   map[string]any{"target": "p1", "direction": "up"},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	wantNames := []string{"Accept", "Content-Type", "X-Client-Version", "X-CSRF-Token", "Cookie"}
	if len(built.Headers) != len(wantNames) {
		t.Fatalf("Build() header count = %d (%v); want %d", len(built.Headers), built.Headers, len(wantNames))
	}
	for i, want := range wantNames {
		if built.Headers[i].Name != want {
			t.Fatalf("Build() header[%d] = %q; want %q", i, built.Headers[i].Name, want)
		}
	}
	if got, want := built.HeaderValue("Cookie"), "sessionid=s1; sessionid_sign=v1; device_t=d1"; got != want {
		t.Fatalf("Build() Cookie = %q; want %q", got, want)
	}
	if got, want := built.HeaderValue("X-CSRF-Token"), "tok-123"; got != want {
		t.Fatalf("Build() X-CSRF-Token = %q; want %q", got, want)
	}
}

func TestBuildFormBody(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "vote",
		Params:   map[string]any{"target": "post 1", "direction": "up"},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Method != "POST" {
		t.Fatalf("Build() method = %q; want POST", built.Method)
	}
	if got, want := string(built.Body), "target=post%201&direction=up"; got != want {
		t.Fatalf("Build() body = %q; want %q", got, want)
	}
	if got, want := built.HeaderValue("Content-Type"), "application/x-www-form-urlencoded"; got != want {
		t.Fatalf("Build() Content-Type = %q; want %q", got, want)
	}
}

func TestBuildJSONBodyKeepsFieldOrder(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "compose",
		Params:   map[string]any{"reply_to": "c9", "text": "hi there"},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// Declared order is text then reply_to; a map-based marshal would
	// sort them the other way around.
	if got, want := string(built.Body), `{"text":"hi there","reply_to":"c9"}`; got != want {
		t.Fatalf("Build() body = %q; want %q", got, want)
	}
	if got, want := built.HeaderValue("Content-Type"), "application/json"; got != want {
		t.Fatalf("Build() Content-Type = %q; want %q", got, want)
	}
}

func TestBuildCompositeParamJoinsEncoded(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "comments",
		Params:   map[string]any{"targets": []any{"p1", "p2", "p3"}},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// The join comma travels encoded inside the single value.
	want := "https://example.test/api/v1/comments/?targets=p1%2Cp2%2Cp3"
	if built.URL != want {
		t.Fatalf("Build() URL = %q; want %q", built.URL, want)
	}
}

func TestBuildPathPlaceholder(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{
		Endpoint: "profile",
		Params:   map[string]any{"username": "alice smith"},
		UserID:   "u1",
	}

	built, _, err := e.Build(req, fullSnapshot())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "https://example.test/api/v1/users/alice%20smith/"
	if built.URL != want {
		t.Fatalf("Build() URL = %q; want %q", built.URL, want)
	}
}

func TestBuildPathPlaceholderMissingParam(t *testing.T) {
	e := testEngine()
	req := types.LogicalRequest{Endpoint: "profile", UserID: "u1"}

	_, _, err := e.Build(req, fullSnapshot())
	if err == nil {
		t.Fatalf("Build() = nil; want validation error")
	}
	var coded *types.CodedError
	if !errors.As(err, &coded) || coded.Code != types.CodeValidation {
		t.Fatalf("Build() error = %v; want %s", err, types.CodeValidation)
	}
}

func TestFormatValueScalars(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{true, "true"},
		{false, "false"},
		{42, "42"},
		{int64(99), "99"},
		{float64(12), "12"},
		{float64(2.5), "2.5"},
		{[]string{"a", "b"}, "a,b"},
		{[]any{float64(1), "x"}, "1,x"},
	}
	for _, tc := range cases {
		got, err := formatValue(tc.in)
		if err != nil {
			t.Fatalf("formatValue(%v) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("formatValue(%v) = %q; want %q", tc.in, got, tc.want)
		}
	}

	if _, err := formatValue(nil); err == nil {
		t.Fatalf("formatValue(nil) = nil; want error")
	}
	if _, err := formatValue(map[string]any{"x": 1}); err == nil {
		t.Fatalf("formatValue(map) = nil; want error")
	}
}

func TestEngineSwapIsVisible(t *testing.T) {
	e := testEngine()
	if _, ok := e.Lookup("feed"); !ok {
		t.Fatalf("Lookup(feed) = false; want true")
	}

	replacement := &Catalog{
		BaseURL: "https://other.test",
		Endpoints: map[string]*Endpoint{
			"only": {Method: "GET", Path: "/only/"},
		},
	}
	e.Swap(replacement)

	if _, ok := e.Lookup("feed"); ok {
		t.Fatalf("Lookup(feed) = true after swap; want false")
	}
	built, _, err := e.Build(types.LogicalRequest{Endpoint: "only", UserID: "u1"}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.URL != "https://other.test/only/" {
		t.Fatalf("Build() URL = %q; want swapped base", built.URL)
	}
}

func TestEngineNamesSorted(t *testing.T) {
	e := testEngine()
	names := e.Names()
	want := []string{"comments", "compose", "feed", "profile", "search", "vote"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Names() = %v; want %v", names, want)
	}
}
