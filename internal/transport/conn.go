package transport

import (
	"context"
	"net/http"
	"strings"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/ids"

	"github.com/coder/websocket"
)

const maxFrameBytes = 64 << 10 // 64 KiB

// Conn is one live physical connection.
//
// TransportID is the opaque id assigned during the handshake; it is only
// meaningful for the lifetime of this connection.
type Conn interface {
	TransportID() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a new physical connection. Injectable so tests and the
// session share the channel's reconnect machinery without a real server.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// WebsocketDialer returns the production Dialer. Only the websocket transport
// is supported: if the upgrade fails there is no fallback to polling, the
// attempt fails and the retry loop tries again.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		conn, resp, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			Subprotocols: []string{v1.Subprotocol},
		})
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}

		conn.SetReadLimit(maxFrameBytes)

		return &wsConn{
			conn:        conn,
			transportID: transportIDFromHandshake(resp),
		}, nil
	}
}

type wsConn struct {
	conn        *websocket.Conn
	transportID string
}

func (c *wsConn) TransportID() string { return c.transportID }

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// transportIDFromHandshake prefers the server-assigned id from the upgrade
// response and falls back to a locally generated opaque id.
func transportIDFromHandshake(resp *http.Response) string {
	if resp != nil {
		if id := strings.TrimSpace(resp.Header.Get("X-Transport-Id")); id != "" {
			return id
		}
	}
	return ids.NewRandomHex(10)
}
