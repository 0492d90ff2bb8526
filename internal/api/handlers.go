package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/browser_relay/internal/gateway"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

func registerExecuteHandlers(api huma.API, svc Service) {
	type executeInput struct {
		Body struct {
			UserID    string         `json:"user_id" required:"true" doc:"User whose credentials and agent connection serve the call."`
			Endpoint  string         `json:"endpoint" required:"true" doc:"Catalog endpoint name."`
			Params    map[string]any `json:"params,omitempty" doc:"Endpoint parameters, keyed by logical name."`
			Policy    string         `json:"policy,omitempty" doc:"Execution path override: server or delegate. Omit to use the stored default, then the gateway default."`
			TimeoutMS int            `json:"timeout_ms,omitempty" minimum:"0" doc:"Per-call budget in milliseconds. Omit for the gateway default."`
		}
	}
	type executeOutput struct {
		Body struct {
			Status  int               `json:"status"`
			Headers map[string]string `json:"headers,omitempty"`
			Body    string            `json:"body,omitempty"`
			Path    string            `json:"path"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "execute", Method: http.MethodPost, Path: "/api/v1/execute", Summary: "Execute a catalog endpoint on the server or delegate path", Tags: []string{"Execute"}},
		func(ctx context.Context, input *executeInput) (*executeOutput, error) {
			res, err := svc.Execute(ctx, gateway.ExecuteRequest{
				UserID:   input.Body.UserID,
				Endpoint: input.Body.Endpoint,
				Params:   input.Body.Params,
				Policy:   types.Policy(input.Body.Policy),
				Timeout:  time.Duration(input.Body.TimeoutMS) * time.Millisecond,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &executeOutput{}
			out.Body.Status = res.Status
			out.Body.Headers = res.Headers
			out.Body.Body = string(res.Body)
			out.Body.Path = res.Path
			return out, nil
		})

	type endpointsOutput struct {
		Body struct {
			Endpoints []gateway.EndpointSummary `json:"endpoints"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-endpoints", Method: http.MethodGet, Path: "/api/v1/endpoints", Summary: "List catalog endpoints", Tags: []string{"Execute"}},
		func(ctx context.Context, input *struct{}) (*endpointsOutput, error) {
			out := &endpointsOutput{}
			out.Body.Endpoints = svc.Endpoints()
			return out, nil
		})
}

func registerAdminHandlers(api huma.API, svc Service) {
	type userIDInput struct {
		UserID string `path:"user_id"`
	}

	type connStatusOutput struct {
		Body gateway.ConnStatus
	}
	huma.Register(api, huma.Operation{OperationID: "get-connection", Method: http.MethodGet, Path: "/api/v1/connections/{user_id}", Summary: "Get a user's agent connection status", Tags: []string{"Admin"}},
		func(ctx context.Context, input *userIDInput) (*connStatusOutput, error) {
			out := &connStatusOutput{}
			out.Body = svc.ConnectionStatus(input.UserID)
			return out, nil
		})

	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "put-credentials", Method: http.MethodPut, Path: "/api/v1/credentials/{user_id}", Summary: "Store a user's credential snapshot", Description: "Upserts the CSRF token and cookie subset captured by the login flow. Values are write-only; reads return names and timestamps.", Tags: []string{"Admin"}},
		func(ctx context.Context, input *struct {
			UserID string `path:"user_id"`
			Body   struct {
				CSRFToken     string            `json:"csrf_token,omitempty"`
				Cookies       map[string]string `json:"cookies,omitempty"`
				CapturedAt    time.Time         `json:"captured_at,omitempty" doc:"When the snapshot was captured. Omit for now."`
				DefaultPolicy string            `json:"default_policy,omitempty" doc:"Optional stored default execution path: server or delegate."`
			}
		}) (*statusOutput, error) {
			snap := &types.CredentialSnapshot{
				UserID:     input.UserID,
				CSRFToken:  input.Body.CSRFToken,
				Cookies:    input.Body.Cookies,
				CapturedAt: input.Body.CapturedAt,
			}
			if err := svc.SaveCredentials(ctx, snap, types.Policy(input.Body.DefaultPolicy)); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "saved"
			return out, nil
		})

	type credInfoOutput struct {
		Body gateway.CredentialInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-credentials", Method: http.MethodGet, Path: "/api/v1/credentials/{user_id}", Summary: "Get the redacted credential snapshot view", Tags: []string{"Admin"}},
		func(ctx context.Context, input *userIDInput) (*credInfoOutput, error) {
			info, err := svc.CredentialStatus(ctx, input.UserID)
			if err != nil {
				return nil, mapErr(err)
			}
			if info == nil {
				return nil, huma.Error404NotFound(fmt.Sprintf("no credentials stored for user %s", input.UserID))
			}
			out := &credInfoOutput{}
			out.Body = *info
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "notify-user", Method: http.MethodPost, Path: "/api/v1/notify/{user_id}", Summary: "Send a notification to a user's agent", Tags: []string{"Admin"}},
		func(ctx context.Context, input *struct {
			UserID string `path:"user_id"`
			Body   struct {
				Message string `json:"message" required:"true"`
				Level   string `json:"level,omitempty" doc:"info, warn, or error. Defaults to info."`
			}
		}) (*statusOutput, error) {
			if err := svc.NotifyUser(input.UserID, input.Body.Message, input.Body.Level); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "sent"
			return out, nil
		})

	type healthOutput struct {
		Body gateway.Health
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Gateway health", Tags: []string{"Admin"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body = svc.HealthCheck(ctx)
			return out, nil
		})
}
