package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// WS adapts a nhooyr.io/websocket connection to [Conn]. It is the
// production transport; see [Pipe] for the in-memory test double.
type WS struct {
	conn *websocket.Conn
}

var _ Conn = (*WS)(nil)

// Accept upgrades an incoming HTTP request to a WebSocket connection,
// negotiating [Subprotocol]. It's the server-side half of the connection
// manager's accept handshake.
func Accept(w http.ResponseWriter, r *http.Request) (*WS, Meta, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, Meta{}, fmt.Errorf("transport: failed to accept WebSocket connection: %w", err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusProtocolError, "missing or unsupported subprotocol")
		return nil, Meta{}, fmt.Errorf("transport: client did not negotiate subprotocol %q", Subprotocol)
	}

	return &WS{conn: c}, Meta{
		RemoteAddr: r.RemoteAddr,
		Headers:    map[string][]string(r.Header),
	}, nil
}

// Dial performs the client-side WebSocket handshake against url, negotiating
// [Subprotocol]. Used by [pkg/swillrpc.Connect].
func Dial(ctx context.Context, url string, headers http.Header) (*WS, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   headers,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %q: %w", url, err)
	}

	return &WS{conn: c}, nil
}

func (w *WS) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, b, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("transport: unexpected WebSocket message type: %v", typ)
	}
	return b, nil
}

func (w *WS) WriteMessage(ctx context.Context, b []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, b)
}

func (w *WS) Close(code StatusCode, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// CloseStatusFromError recovers the WebSocket close code from a
// [Conn.ReadMessage]/[Conn.WriteMessage] error, for the client reconnect
// scheduler's "reconnectable close code" decision. Errors that carry no
// recoverable close code (a dropped TCP connection, our own [Pipe]'s
// [ErrClosed]) are treated as [StatusAbnormalClosure], since those are
// exactly the unplanned disconnects that should trigger a retry.
func CloseStatusFromError(err error) StatusCode {
	if err == nil {
		return StatusNormalClosure
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return StatusCode(code)
	}
	return StatusAbnormalClosure
}
