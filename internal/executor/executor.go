// Package executor sends built requests directly from the gateway using the
// stored partial credential set, and owns the upstream status classification
// both execution paths share.
package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// The target serves browser clients; a Go default agent string draws
// challenges.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Server executes built requests over direct HTTP. No retries here; retry
// policy belongs to the caller.
type Server struct {
	client *resty.Client
}

// New creates a direct executor. Redirects are not followed: the target's
// only redirect in practice is to its login page, so a 3xx is an auth
// signal, not something to chase.
func New() *Server {
	client := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", defaultUserAgent)
	client.GetClient().CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Server{client: client}
}

// SetTimeout configures the client-wide request timeout. Per-call deadlines
// still come from ctx.
func (s *Server) SetTimeout(d time.Duration) {
	s.client.SetTimeout(d)
}

// Execute sends the built request as-is and classifies the outcome.
func (s *Server) Execute(ctx context.Context, built *types.BuiltRequest) (*types.Result, error) {
	r := s.client.R().SetContext(ctx)
	for _, h := range built.Headers {
		// Verbatim keeps the wire casing the catalog declares; the
		// default setter would canonicalize X-CSRF-Token.
		r.SetHeaderVerbatim(h.Name, h.Value)
	}
	if len(built.Body) > 0 {
		r.SetBody(built.Body)
	}

	resp, err := r.Execute(built.Method, built.URL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.CodeTimeout, "direct request timed out", err)
		}
		return nil, types.NewError(types.CodeUpstreamError, "direct request failed", err)
	}

	headers := make(map[string]string, len(resp.Header()))
	for name, vals := range resp.Header() {
		if len(vals) > 0 {
			headers[name] = vals[0]
		}
	}
	return ResultFromStatus(resp.StatusCode(), headers, resp.Body(), types.PolicyServer)
}
