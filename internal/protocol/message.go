// Package protocol implements the correlation protocol that multiplexes
// delegated calls over one long-lived connection per user. The gateway is
// the server side; the relay agent is the client side. Responses arrive in
// whatever order the browser finishes them; the request id is the only
// ordering key.
package protocol

import (
	"encoding/json"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Message types on the wire.
const (
	TypeAuth         = "auth"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Message is the single envelope for every frame on the connection. Fields
// outside a type's set stay empty and are omitted from the wire.
//
//	auth{token}                      agent -> gateway, first frame only
//	ping{id} / pong{id,server_time}  both directions
//	request{request_id,endpoint,params,built}   gateway -> agent
//	response{request_id,success,payload|error}  agent -> gateway
//	notification{message,level}      gateway -> agent, fire-and-forget
//	error{message,code}              either direction, terminal
type Message struct {
	Type       string              `json:"type"`
	RequestID  string              `json:"request_id,omitempty"`
	Token      string              `json:"token,omitempty"`
	ID         string              `json:"id,omitempty"`
	ServerTime string              `json:"server_time,omitempty"`
	Endpoint   string              `json:"endpoint,omitempty"`
	Params     map[string]any      `json:"params,omitempty"`
	Built      *types.BuiltRequest `json:"built,omitempty"`
	Success    *bool               `json:"success,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	Error      string              `json:"error,omitempty"`
	Message    string              `json:"message,omitempty"`
	Level      string              `json:"level,omitempty"`
	Code       string              `json:"code,omitempty"`
}

// ResponsePayload is the success payload of a response message: the
// upstream HTTP outcome as observed inside the page. A zero Status means an
// agent that returned the raw upstream body directly; the gateway treats
// that as an implied 200.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}
