package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  MaxDatagramSize,
	WriteBufferSize: MaxDatagramSize,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// WebSocket carries one datagram per binary message. It is used where UDP is
// filtered; the channel layer above still treats it as unreliable.
type WebSocket struct {
	conn   *websocket.Conn
	in     *inbox
	sendMu sync.Mutex
	once   sync.Once
	err    error
}

// DialWebSocket opens a client connection to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, rawURL string, inboxSize int) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return newWebSocket(conn, inboxSize), nil
}

func newWebSocket(conn *websocket.Conn, inboxSize int) *WebSocket {
	ws := &WebSocket{conn: conn, in: newInbox(inboxSize)}
	conn.SetReadLimit(MaxDatagramSize)
	go ws.readPump()
	return ws
}

// readPump reads messages from the WebSocket connection
func (ws *WebSocket) readPump() {
	for {
		msgType, message, err := ws.conn.ReadMessage()
		if err != nil {
			if ws.in.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.in.fail(nil)
			} else {
				ws.in.fail(err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		ws.in.push(message)
	}
}

// Send writes one binary message
func (ws *WebSocket) Send(d []byte) error {
	if ws.in.closed() {
		return ErrClosed
	}
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, d); err != nil {
		return &Error{Op: "send", Err: err}
	}
	ws.in.sent(len(d))
	return nil
}

func (ws *WebSocket) Receive() ([]byte, error) { return ws.in.receive() }
func (ws *WebSocket) Stats() Stats             { return ws.in.snapshot() }
func (ws *WebSocket) RemoteAddr() net.Addr     { return ws.conn.RemoteAddr() }

// Close sends a close frame and releases the connection
func (ws *WebSocket) Close() error {
	ws.once.Do(func() {
		ws.in.fail(nil)
		ws.sendMu.Lock()
		ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
		ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.sendMu.Unlock()
		ws.err = ws.conn.Close()
	})
	return ws.err
}

// WebSocketHandler upgrades incoming requests and hands each connection to
// accept as a Transport.
func WebSocketHandler(accept func(Transport), inboxSize int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already wrote the HTTP error
		}
		accept(newWebSocket(conn, inboxSize))
	})
}
