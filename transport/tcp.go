package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"playhouse/wire"
)

// TCPDriver listens for raw TCP connections and frames traffic with the
// 4-byte length-prefix scheme of spec §4.1/§4.2. One goroutine per
// connection reads and deframes; writes are serialized per-connection with
// a mutex since net.Conn.Write is not safe for concurrent callers.
type TCPDriver struct {
	listener net.Listener
	handler  Handler
	maxFrame int
	heartbeat time.Duration

	closing chan struct{}
	once    sync.Once
}

// NewTCPDriver binds addr and returns a driver ready to Serve.
func NewTCPDriver(addr string, handler Handler, maxFrame int, heartbeat time.Duration) (*TCPDriver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	return &TCPDriver{listener: ln, handler: handler, maxFrame: maxFrame, heartbeat: heartbeat, closing: make(chan struct{})}, nil
}

func (d *TCPDriver) Addr() string { return d.listener.Addr().String() }

// Serve accepts connections until Close is called.
func (d *TCPDriver) Serve() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.closing:
				return nil
			default:
				return err
			}
		}
		go d.serveConn(conn)
	}
}

func (d *TCPDriver) Close() error {
	d.once.Do(func() { close(d.closing) })
	return d.listener.Close()
}

type tcpConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *tcpConn) Write(body []byte) error {
	frame := wire.EncodeFrame(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.Conn.Write(frame)
	return err
}

func (c *tcpConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }

func (d *TCPDriver) serveConn(raw net.Conn) {
	conn := &tcpConn{Conn: raw}
	defer func() {
		conn.Close()
		d.handler.OnDisconnect(conn)
	}()

	d.handler.OnConnect(conn)

	framer := wire.NewFramer(d.maxFrame)
	buf := make([]byte, 64*1024)
	for {
		_ = raw.SetReadDeadline(time.Now().Add(d.heartbeat))
		n, err := raw.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				body, ok, ferr := framer.Next()
				if ferr != nil {
					slog.Warn("tcp: framing error, closing connection", "remote", conn.RemoteAddr(), "err", ferr)
					return
				}
				if !ok {
					break
				}
				d.handler.OnMessage(conn, body)
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("tcp: read loop ending", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
	}
}
