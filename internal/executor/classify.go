package executor

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Classify maps an upstream HTTP status to a gateway error code, or "" for
// success. 401 and 403 are almost always the incomplete-credential case;
// 3xx counts as an auth rejection because redirects are never followed and
// the target only redirects unauthenticated callers to its login page.
func Classify(status int) string {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 401 || status == 403:
		return types.CodeAuthRejected
	case status == 429:
		return types.CodeRateLimited
	case status >= 500:
		return types.CodeUpstreamError
	case status >= 300 && status < 400:
		return types.CodeAuthRejected
	default:
		return types.CodeClientError
	}
}

// ResultFromStatus normalizes an upstream response into the shared result
// shape, regardless of which path carried it. Non-2xx statuses come back as
// typed errors carrying the status and a body snippet.
func ResultFromStatus(status int, headers map[string]string, body []byte, path types.Policy) (*types.Result, error) {
	code := Classify(status)
	if code == "" {
		return &types.Result{
			Status:  status,
			Headers: headers,
			Body:    body,
			Path:    string(path),
		}, nil
	}

	snippet := body
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cerr := &types.CodedError{
		Code:    code,
		Message: fmt.Sprintf("HTTP %d: %s", status, snippet),
		Status:  status,
	}
	if code == types.CodeRateLimited {
		cerr.RetryAfter = parseRetryAfter(headers)
	}
	return nil, cerr
}

// parseRetryAfter reads a Retry-After hint, either delta-seconds or an HTTP
// date. Zero when absent or unparseable.
func parseRetryAfter(headers map[string]string) time.Duration {
	v := headers["Retry-After"]
	if v == "" {
		v = headers["retry-after"]
	}
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
