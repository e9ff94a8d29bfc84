package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/backhaul/internal/obs"
)

// WebsocketPath is the upgrade endpoint shared by client and server.
const WebsocketPath = "/~!backhaul"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a websocket to a byte stream. Each Write becomes one binary message.
type wsConn struct {
	ws  *websocket.Conn
	rmu sync.Mutex
	r   io.Reader
	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) net.Conn { return &wsConn{ws: ws} }

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// WebsocketListener is a net.Listener whose connections arrive as websocket upgrades.
type WebsocketListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// ListenWebsocket serves websocket upgrades on addr.
func ListenWebsocket(addr string) (*WebsocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewWebsocketListener(ln), nil
}

// NewWebsocketListener serves websocket upgrades on an existing listener.
func NewWebsocketListener(ln net.Listener) *WebsocketListener {
	wl := &WebsocketListener{
		ln:     ln,
		conns:  make(chan net.Conn, 64),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, wl.upgrade)
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := wl.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("websocket.serve", obs.Fields{"err": err})
		}
	}()
	return wl
}

func (wl *WebsocketListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("websocket_upgrade").Inc()
		return
	}
	select {
	case wl.conns <- newWSConn(ws):
	case <-wl.closed:
		_ = ws.Close()
	}
}

func (wl *WebsocketListener) Accept() (net.Conn, error) {
	select {
	case c := <-wl.conns:
		return c, nil
	case <-wl.closed:
		return nil, net.ErrClosed
	}
}

func (wl *WebsocketListener) Close() error {
	var err error
	wl.once.Do(func() {
		close(wl.closed)
		err = wl.srv.Close()
	})
	return err
}

func (wl *WebsocketListener) Addr() net.Addr { return wl.ln.Addr() }

// DialWebsocket opens a websocket to addr (host:port) and returns it as a stream.
func DialWebsocket(ctx context.Context, addr string) (net.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	ws, _, err := d.DialContext(ctx, "ws://"+addr+WebsocketPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
