// Package api exposes the gateway over HTTP: the execute surface, the
// admin/status surface, the agent WebSocket endpoint, and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/browser_relay/internal/events"
	"github.com/dgnsrekt/browser_relay/internal/gateway"
	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is the gateway surface the HTTP layer fronts.
type Service interface {
	Execute(ctx context.Context, req gateway.ExecuteRequest) (*types.Result, error)
	Endpoints() []gateway.EndpointSummary
	ConnectionStatus(userID string) gateway.ConnStatus
	SaveCredentials(ctx context.Context, snap *types.CredentialSnapshot, defaultPolicy types.Policy) error
	CredentialStatus(ctx context.Context, userID string) (*gateway.CredentialInfo, error)
	NotifyUser(userID, message, level string) error
	HealthCheck(ctx context.Context) gateway.Health
}

// AgentHandler owns an upgraded agent connection for its whole lifetime.
// Implemented by the protocol engine.
type AgentHandler interface {
	HandleConn(tr protocol.Transport, remote string)
}

// NewServer assembles the full HTTP surface. broker may be nil, in which
// case the event stream route is not mounted.
func NewServer(svc Service, agents AgentHandler, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Browser Relay Gateway API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Get("/ws", agentSocketHandler(agents))
	if broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(broker))
	}

	registerExecuteHandlers(api, svc)
	registerAdminHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation, types.CodeUnsupportedEndpoint:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeIncompleteCredentials:
			return huma.Error409Conflict(coded.Message)
		case types.CodeRateLimited:
			herr := huma.Error429TooManyRequests(coded.Message)
			if coded.RetryAfter > 0 {
				// Round up so the client never retries inside the window.
				secs := int((coded.RetryAfter + time.Second - 1) / time.Second)
				return huma.ErrorWithHeaders(herr, http.Header{
					"Retry-After": []string{strconv.Itoa(secs)},
				})
			}
			return herr
		case types.CodeNoDelegate:
			return huma.Error503ServiceUnavailable(coded.Message)
		case types.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case types.CodeAuthRejected, types.CodeUpstreamError, types.CodeClientError,
			types.CodeDisconnected, types.CodeProtocolError:
			return huma.Error502BadGateway(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
