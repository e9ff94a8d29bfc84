package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// Protocols a client can dial the server with.
const (
	ProtocolTCP       = "tcp"
	ProtocolKCP       = "kcp"
	ProtocolWebsocket = "websocket"
)

// Dialer opens control and work connections to the server. With TCPMux set, every connection is
// a stream of one shared yamux session.
type Dialer struct {
	Protocol     string
	TLSConfig    *tls.Config
	TCPMux       bool
	MuxKeepAlive time.Duration
	Timeout      time.Duration

	mu      sync.Mutex
	session *yamux.Session
}

func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if !d.TCPMux {
		return d.dialRaw(ctx, addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || d.session.IsClosed() {
		raw, err := d.dialRaw(ctx, addr)
		if err != nil {
			return nil, err
		}
		sess, err := NewMuxClient(raw, d.MuxKeepAlive)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		d.session = sess
	}
	return d.session.OpenStream()
}

func (d *Dialer) dialRaw(ctx context.Context, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	switch d.Protocol {
	case "", ProtocolTCP:
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", addr)
	case ProtocolKCP:
		conn, err = DialKCP(addr)
	case ProtocolWebsocket:
		conn, err = DialWebsocket(ctx, addr)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
	}
	if err != nil {
		return nil, err
	}
	if d.TLSConfig == nil {
		return conn, nil
	}
	tc := tls.Client(conn, d.TLSConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

// Close tears down the shared mux session, if any.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}
