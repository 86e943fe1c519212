package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocketDriver serves one WebSocket upgrade endpoint on an Echo router.
// Unlike TCPDriver, framing is free — each WebSocket message carries
// exactly one PlayHouse packet (spec §4.2: "single-packet-per-frame on
// WebSocket").
type WebSocketDriver struct {
	path     string
	handler  Handler
	upgrader websocket.Upgrader
	heartbeat time.Duration
}

// NewWebSocketDriver returns a driver that upgrades requests to path.
func NewWebSocketDriver(path string, handler Handler, heartbeat time.Duration) *WebSocketDriver {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	return &WebSocketDriver{
		path:    path,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		heartbeat: heartbeat,
	}
}

// Register binds the upgrade route on e. WebSocketDriver has no listener of
// its own — it rides on the same HTTP server as the admin surface (spec
// §4.2 note: WebSocket is just another route on the process's HTTP server).
func (d *WebSocketDriver) Register(e *echo.Echo) {
	e.GET(d.path, d.handleUpgrade)
}

func (d *WebSocketDriver) handleUpgrade(c echo.Context) error {
	remote := c.RealIP()
	conn, err := d.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "remote", remote, "err", err)
		return fmt.Errorf("ws: upgrade: %w", err)
	}
	d.serveConn(conn, remote)
	return nil
}

type wsConn struct {
	conn   *websocket.Conn
	remote string
	mu     sync.Mutex
}

func (c *wsConn) Write(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (c *wsConn) Close() error     { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (d *WebSocketDriver) serveConn(raw *websocket.Conn, remote string) {
	conn := &wsConn{conn: raw, remote: remote}
	defer func() {
		conn.Close()
		d.handler.OnDisconnect(conn)
	}()

	raw.SetReadLimit(int64(2 << 20))
	d.handler.OnConnect(conn)

	for {
		_ = raw.SetReadDeadline(time.Now().Add(d.heartbeat))
		msgType, body, err := raw.ReadMessage()
		if err != nil {
			slog.Debug("ws: read loop ending", "remote", remote, "err", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		d.handler.OnMessage(conn, body)
	}
}
