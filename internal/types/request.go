// Package types holds the data model shared by the execution gateway's
// request construction, routing, and delegation layers.
package types

import "time"

// Execution policy selects which path carries a logical request. The policy
// is explicit data resolved once per call; the router never infers it from
// credential completeness and never switches paths on its own.
type Policy string

const (
	// PolicyServer executes the built request directly from the gateway
	// using the stored partial credential set.
	PolicyServer Policy = "server"
	// PolicyDelegate forwards the built request to the user's live browser
	// agent over the relay connection.
	PolicyDelegate Policy = "delegate"
)

// Valid reports whether p is one of the two supported policies.
func (p Policy) Valid() bool {
	return p == PolicyServer || p == PolicyDelegate
}

// LogicalRequest identifies one call against the target application's
// private API: an endpoint name from the catalog plus its typed parameters.
// It is immutable once constructed and must map to an identical wire request
// on either execution path.
type LogicalRequest struct {
	Endpoint string         `json:"endpoint"`
	Params   map[string]any `json:"params,omitempty"`
	UserID   string         `json:"user_id"`
}

// Header is one outbound header. Order and casing are significant; the
// target service fingerprints request shape, so headers travel as an ordered
// slice rather than a map.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BuiltRequest is the fully rendered outbound request. Construction is
// deterministic: the same LogicalRequest and CredentialSnapshot always
// produce a byte-identical BuiltRequest.
type BuiltRequest struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

// HeaderValue returns the first header with the given name, or "".
func (b *BuiltRequest) HeaderValue(name string) string {
	for _, h := range b.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// CredentialSnapshot is the partial credential set stored for a user: the
// CSRF token and whatever subset of the target's cookies the login flow
// captured. The gateway treats snapshots as read-only and never mutates
// them. A snapshot may be incomplete for direct execution.
type CredentialSnapshot struct {
	UserID     string            `json:"user_id"`
	CSRFToken  string            `json:"csrf_token,omitempty"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Cookie returns the named cookie value and whether it is present and
// non-empty.
func (s *CredentialSnapshot) Cookie(name string) (string, bool) {
	if s == nil || s.Cookies == nil {
		return "", false
	}
	v, ok := s.Cookies[name]
	return v, ok && v != ""
}

// Result is the normalized outcome of an executed call, identical in shape
// for both paths. The gateway does not interpret Body beyond the
// success/failure framing carried in Status.
type Result struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	// Path records which execution path produced the result, "server" or
	// "delegate".
	Path string `json:"path"`
}
