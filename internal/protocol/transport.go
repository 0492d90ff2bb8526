package protocol

import (
	"net"

	"github.com/gobwas/ws/wsutil"
)

// Transport is the duplex frame pipe under a connection: one text frame per
// protocol message. Implementations must tolerate one concurrent reader and
// one concurrent writer; Conn serializes writers above this layer. Close
// must unblock a pending Read.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// serverTransport frames messages over an accepted WebSocket, gateway side.
type serverTransport struct {
	conn net.Conn
}

// NewServerTransport wraps a WebSocket connection accepted via
// ws.UpgradeHTTP.
func NewServerTransport(conn net.Conn) Transport {
	return &serverTransport{conn: conn}
}

func (t *serverTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadClientText(t.conn)
}

func (t *serverTransport) WriteMessage(data []byte) error {
	return wsutil.WriteServerText(t.conn, data)
}

func (t *serverTransport) Close() error { return t.conn.Close() }

// clientTransport frames messages over a dialed WebSocket, agent side.
type clientTransport struct {
	conn net.Conn
}

// NewClientTransport wraps a WebSocket connection dialed via ws.Dial.
func NewClientTransport(conn net.Conn) Transport {
	return &clientTransport{conn: conn}
}

func (t *clientTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(t.conn)
}

func (t *clientTransport) WriteMessage(data []byte) error {
	return wsutil.WriteClientText(t.conn, data)
}

func (t *clientTransport) Close() error { return t.conn.Close() }
