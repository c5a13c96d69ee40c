package protocol

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// The websocket transport exists for clients that can only speak HTTP
// upgrade (browsers, restrictive proxies). Records are carried in binary
// messages; message boundaries are irrelevant since the record layer
// re-frames the stream.

func wsHost(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrAddressInvalid
	}
	return u.Host, nil
}

func dialWS(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	d := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: time.Minute,
	}
	ws, _, err := d.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a websocket connection to net.Conn for the Peer loops.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error         { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  TYPICAL_MTU,
	WriteBufferSize: TYPICAL_MTU,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsListener accepts upgraded websocket connections as net.Conns.
type wsListener struct {
	inner net.Listener
	srv   *http.Server
	conns chan net.Conn

	once sync.Once
	done chan struct{}
}

func newWSListener(inner net.Listener) *wsListener {
	l := &wsListener{
		inner: inner,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.upgrade)}
	go func() { _ = l.srv.Serve(inner) }()
	return l
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- &wsConn{ws: ws}:
	case <-l.done:
		_ = ws.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.srv.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.inner.Addr()
}
