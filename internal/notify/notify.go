// Package notify posts operational alerts to a plain-text webhook endpoint
// (ntfy-style). Alerts are fire-and-forget; a failed post is logged and
// dropped.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const sendTimeout = 5 * time.Second

// Notifier posts alert messages to one endpoint.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// New creates a notifier for the given endpoint. Returns nil when the
// endpoint is empty, which disables alerting at the call sites.
func New(endpoint string) *Notifier {
	if endpoint == "" {
		return nil
	}
	return &Notifier{endpoint: endpoint, client: http.DefaultClient}
}

// AgentDisconnected reports an agent connection loss, including how many
// in-flight delegated calls it failed.
func (n *Notifier) AgentDisconnected(userID, state string, pendingFailed int) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf("relay agent disconnected: user=%s state=%s pending_failed=%d",
		userID, state, pendingFailed)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := Send(ctx, n.client, n.endpoint, msg); err != nil {
			slog.Debug("alert webhook failed", "error", err)
		}
	}()
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook failed: status=%d", resp.StatusCode)
	}
	return nil
}
