package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

// transientHints are substrings in error causes that indicate the tab or
// the CDP socket went away and a fresh attach is worth one retry.
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

// Chromium executes fetches by evaluating JS in a tab of the user's
// already-running browser, attached over CDP. The tab keeps the user's
// authenticated session; the executor never navigates or mutates it.
type Chromium struct {
	cdpURL    string
	tabFilter string

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChromium creates an executor for the browser at cdpURL. tabFilter is a
// case-insensitive substring match on tab URLs; the first matching page tab
// hosts all fetches.
func NewChromium(cdpURL, tabFilter string) *Chromium {
	return &Chromium{
		cdpURL:    cdpURL,
		tabFilter: strings.ToLower(strings.TrimSpace(tabFilter)),
	}
}

// ExecuteFetch evaluates the built request in the attached tab. Transient
// CDP failures get one retry against a freshly resolved tab.
func (c *Chromium) ExecuteFetch(ctx context.Context, built *types.BuiltRequest) (protocol.ResponsePayload, error) {
	timeout := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	js := buildFetchJS(built, timeout)

	payload, err := c.fetchOnce(ctx, js)
	if err == nil {
		return payload, nil
	}
	if ctx.Err() != nil || !isTransient(err) {
		return protocol.ResponsePayload{}, err
	}

	slog.Warn("fetch retry after transient failure", "error", err)
	c.dropTab()
	return c.fetchOnce(ctx, js)
}

func (c *Chromium) fetchOnce(ctx context.Context, js string) (protocol.ResponsePayload, error) {
	tabCtx, err := c.ensureTab()
	if err != nil {
		return protocol.ResponsePayload{}, err
	}

	// chromedp.Run needs the tab's own context; carry the caller's deadline
	// and cancellation over to it.
	var evalCtx context.Context
	var cancel context.CancelFunc
	if d, ok := ctx.Deadline(); ok {
		evalCtx, cancel = context.WithDeadline(tabCtx, d)
	} else {
		evalCtx, cancel = context.WithCancel(tabCtx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw string
	err = chromedp.Run(evalCtx, chromedp.Evaluate(js, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		c.dropTab()
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.ResponsePayload{}, fmt.Errorf("fetch evaluation timed out: %w", err)
		}
		return protocol.ResponsePayload{}, fmt.Errorf("fetch evaluation failed: %w", err)
	}

	var env fetchEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return protocol.ResponsePayload{}, fmt.Errorf("invalid fetch envelope: %w", err)
	}
	if !env.OK {
		return protocol.ResponsePayload{}, fmt.Errorf("in-page fetch failed: %s", env.ErrorMessage)
	}
	var pl protocol.ResponsePayload
	if err := json.Unmarshal(env.Data, &pl); err != nil {
		return protocol.ResponsePayload{}, fmt.Errorf("invalid fetch payload: %w", err)
	}
	return pl, nil
}

// ensureTab returns a context attached to a matching page tab, connecting
// to the browser first if needed.
func (c *Chromium) ensureTab() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tabCtx != nil && c.tabCtx.Err() == nil {
		return c.tabCtx, nil
	}
	c.resetLocked()

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()
	if err := chromedp.Run(tempCtx); err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}

	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if c.tabFilter != "" && !strings.Contains(strings.ToLower(t.URL), c.tabFilter) {
			continue
		}
		c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(t.TargetID))
		slog.Info("attached to browser tab", "target_id", t.TargetID, "url", truncateURL(t.URL))
		return c.tabCtx, nil
	}

	c.resetLocked()
	return nil, fmt.Errorf("no browser tab matches filter %q", c.tabFilter)
}

// dropTab discards the attached tab so the next call resolves a fresh one.
func (c *Chromium) dropTab() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Chromium) resetLocked() {
	if c.tabCancel != nil {
		c.tabCancel()
		c.tabCancel = nil
		c.tabCtx = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
}

func (c *Chromium) Close() error {
	c.dropTab()
	slog.Info("browser executor closed")
	return nil
}

func isTransient(err error) bool {
	cause := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(cause, hint) {
			return true
		}
	}
	return false
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
