package api

import (
	"log/slog"
	"net/http"

	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/gobwas/ws"
)

// agentSocketHandler upgrades agent connections and hands them to the
// protocol engine. The engine owns the socket from here; the HTTP handler
// must not touch the response writer after a successful upgrade.
func agentSocketHandler(agents AgentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		go agents.HandleConn(protocol.NewServerTransport(conn), r.RemoteAddr)
	}
}
