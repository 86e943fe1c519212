package transport

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"playhouse/wire"
)

// WebTransportDriver serves PlayHouse framing over WebTransport streams, an
// HTTP/3-based alternative to WebSocketDriver for browser clients that
// prefer to avoid a second TCP handshake (spec §4.2, SPEC_FULL C3). Each
// session gets exactly one bidirectional stream, opened by the client
// immediately after the session handshake; that stream carries the same
// 4-byte length-prefixed framing TCPDriver uses, since unlike a WebSocket
// message a WebTransport stream is just another byte stream.
type WebTransportDriver struct {
	addr     string
	path     string
	handler  Handler
	maxFrame int

	wt  webtransport.Server
	mux *http.ServeMux

	closing chan struct{}
	once    sync.Once
}

// NewWebTransportDriver returns a driver that, once Serve is called, accepts
// WebTransport sessions at path over a dedicated HTTP/3 (QUIC) listener
// bound to addr.
func NewWebTransportDriver(addr, path string, tlsConf *tls.Config, handler Handler, maxFrame int) *WebTransportDriver {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	d := &WebTransportDriver{
		addr:     addr,
		path:     path,
		handler:  handler,
		maxFrame: maxFrame,
		mux:      http.NewServeMux(),
		closing:  make(chan struct{}),
	}
	d.wt = webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   d.mux,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	d.mux.HandleFunc(path, d.handleUpgrade)
	return d
}

func (d *WebTransportDriver) Addr() string { return d.addr }

// Serve blocks, accepting WebTransport sessions until Close is called.
func (d *WebTransportDriver) Serve() error {
	err := d.wt.ListenAndServe()
	select {
	case <-d.closing:
		return nil
	default:
		return err
	}
}

func (d *WebTransportDriver) Close() error {
	d.once.Do(func() { close(d.closing) })
	return d.wt.Close()
}

func (d *WebTransportDriver) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := d.wt.Upgrade(w, r)
	if err != nil {
		slog.Error("webtransport: upgrade failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "webtransport upgrade failed", http.StatusInternalServerError)
		return
	}
	remote := r.RemoteAddr
	stream, err := sess.AcceptStream(context.Background())
	if err != nil {
		slog.Warn("webtransport: session closed before a stream was opened", "remote", remote, "err", err)
		sess.CloseWithError(0, "no stream")
		return
	}
	d.serveStream(sess, stream, remote)
}

type webtransportConn struct {
	sess   *webtransport.Session
	stream webtransport.Stream
	remote string
	mu     sync.Mutex
}

func (c *webtransportConn) Write(body []byte) error {
	frame := wire.EncodeFrame(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.stream.Write(frame)
	return err
}

func (c *webtransportConn) Close() error {
	c.stream.Close()
	return c.sess.CloseWithError(0, "closed")
}

func (c *webtransportConn) RemoteAddr() string { return c.remote }

func (d *WebTransportDriver) serveStream(sess *webtransport.Session, stream webtransport.Stream, remote string) {
	conn := &webtransportConn{sess: sess, stream: stream, remote: remote}
	defer func() {
		conn.Close()
		d.handler.OnDisconnect(conn)
	}()

	d.handler.OnConnect(conn)

	framer := wire.NewFramer(d.maxFrame)
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				body, ok, ferr := framer.Next()
				if ferr != nil {
					slog.Warn("webtransport: framing error, closing session", "remote", remote, "err", ferr)
					return
				}
				if !ok {
					break
				}
				d.handler.OnMessage(conn, body)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("webtransport: read loop ending", "remote", remote, "err", err)
			}
			return
		}
	}
}
