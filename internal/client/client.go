// Package client runs the tunnel client: it logs in over a control connection, registers its
// proxies and answers work-connection requests by dialing back to the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/transport"
)

var (
	ErrLoginRejected    = errors.New("login rejected")
	ErrHeartbeatTimeout = errors.New("no pong within heartbeat timeout")
)

const (
	loginTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// ProxyStatus is the server's answer to one NewProxy.
type ProxyStatus struct {
	Name       string
	RemoteAddr string
	Err        string
}

// Client keeps one logical session with the server across reconnects. The run ID handed out
// by the server on the first login is presented on every later one.
type Client struct {
	cfg    config.ClientConfig
	dialer *transport.Dialer
	addr   string

	proxies map[string]config.ProxyConfig

	mu        sync.Mutex
	runID     string
	sessionID string
	status    map[string]ProxyStatus
	changed   chan struct{}

	lastPong atomic.Int64
}

func New(cfg config.ClientConfig) (*Client, error) {
	cfg.Complete()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &transport.Dialer{
		Protocol:     cfg.Transport.Protocol,
		TCPMux:       cfg.Transport.TCPMux,
		MuxKeepAlive: cfg.Transport.TCPMuxKeepAlive,
		Timeout:      cfg.Transport.DialTimeout,
	}
	if t := cfg.Transport.TLS; t.Enable {
		tc, err := transport.NewClientTLSConfig(t.CertFile, t.KeyFile, t.TrustedCaFile, t.ServerName, t.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		d.TLSConfig = tc
	}
	c := &Client{
		cfg:     cfg,
		dialer:  d,
		addr:    cfg.ServerAddress(),
		proxies: make(map[string]config.ProxyConfig, len(cfg.Proxies)),
		status:  make(map[string]ProxyStatus),
		changed: make(chan struct{}),
	}
	for _, p := range cfg.Proxies {
		c.proxies[p.Name] = p
	}
	return c, nil
}

// Run keeps a session up until ctx ends, reconnecting after ReconnectDelay.
func (c *Client) Run(ctx context.Context) error {
	defer c.dialer.Close()
	for {
		err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		obs.Error("client.session.ended", obs.Fields{"server": c.addr, "err": err})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
		obs.Info("client.reconnect", obs.Fields{"server": c.addr})
	}
}

// RunOnce logs in, registers every proxy and serves the control channel until it fails.
func (c *Client) RunOnce(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	if c.cfg.Transport.TCPMux {
		// a fresh mux session per login so stale work streams go away with the old one
		defer c.dialer.Close()
	}

	rd := proto.NewReader(conn, proto.MaxControlFrame)
	sessionID, err := c.login(conn, rd)
	if err != nil {
		return err
	}
	ctl := &controlWriter{conn: conn}
	for _, p := range c.cfg.Proxies {
		if err := ctl.send(newProxyMsg(p)); err != nil {
			return err
		}
	}

	c.lastPong.Store(time.Now().UnixNano())
	hbErr := make(chan error, 1)
	go func() { hbErr <- c.heartbeat(ctx, ctl) }()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, rd, sessionID) }()

	select {
	case err = <-readErr:
	case err = <-hbErr:
	}
	_ = conn.Close()
	c.resetStatus()
	return err
}

func (c *Client) login(conn net.Conn, rd *proto.Reader) (string, error) {
	hostname, _ := os.Hostname()
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()
	cred := auth.NewCredential(c.cfg.Auth.Token, time.Now())
	msg := &proto.Login{
		Version:      proto.Version,
		Hostname:     hostname,
		Os:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		User:         c.cfg.User,
		PrivilegeKey: cred.PrivilegeKey,
		Timestamp:    cred.Timestamp,
		RunID:        runID,
		PoolCount:    c.cfg.Transport.PoolCount,
	}
	_ = conn.SetDeadline(time.Now().Add(loginTimeout))
	if err := proto.WriteMsg(conn, msg); err != nil {
		return "", fmt.Errorf("send login: %w", err)
	}
	m, err := rd.ReadMsg()
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	resp, ok := m.(*proto.LoginResponse)
	if !ok {
		return "", fmt.Errorf("%w: got %T instead of LoginResponse", proto.ErrProtocol, m)
	}
	if resp.Error != "" {
		obs.Error("client.login", obs.Fields{"server": c.addr, "err": resp.Error})
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, resp.Error)
	}
	c.mu.Lock()
	c.runID, c.sessionID = resp.RunID, resp.SessionID
	c.mu.Unlock()
	obs.Info("client.login", obs.Fields{"server": c.addr, "session": resp.SessionID, "run_id": resp.RunID, "server_version": resp.Version})
	return resp.SessionID, nil
}

func newProxyMsg(p config.ProxyConfig) *proto.NewProxy {
	return &proto.NewProxy{
		ProxyName:      p.Name,
		ProxyType:      p.Type,
		UseCompression: p.UseCompression,
		BandwidthLimit: p.BandwidthLimit,
		RemotePort:     p.RemotePort,
		CustomDomains:  p.CustomDomains,
		SubDomain:      p.SubDomain,
	}
}

// controlWriter serializes writes from the reader and heartbeat goroutines.
type controlWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *controlWriter) send(m proto.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteMsg(w.conn, m)
}

func (c *Client) heartbeat(ctx context.Context, ctl *controlWriter) error {
	t := time.NewTicker(c.cfg.Transport.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if now.Sub(time.Unix(0, c.lastPong.Load())) > c.cfg.Transport.HeartbeatTimeout {
				obs.Error("client.heartbeat.timeout", obs.Fields{"server": c.addr})
				return ErrHeartbeatTimeout
			}
			if err := ctl.send(&proto.Ping{}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, rd *proto.Reader, sessionID string) error {
	for {
		m, err := rd.ReadMsg()
		if err != nil {
			return fmt.Errorf("read control frame: %w", err)
		}
		switch msg := m.(type) {
		case *proto.NewProxyResponse:
			c.setStatus(ProxyStatus{Name: msg.ProxyName, RemoteAddr: msg.RemoteAddr, Err: msg.Error})
			if msg.Error != "" {
				obs.Error("client.proxy.rejected", obs.Fields{"proxy": msg.ProxyName, "err": msg.Error})
			} else {
				obs.Info("client.proxy.registered", obs.Fields{"proxy": msg.ProxyName, "remote_addr": msg.RemoteAddr})
			}
		case *proto.StartWorkConn:
			go c.serveWorkConn(ctx, sessionID)
		case *proto.Pong:
			c.lastPong.Store(time.Now().UnixNano())
		case *proto.Error:
			return fmt.Errorf("server error: %s", msg.Error)
		default:
			obs.Debug("client.control.ignored", obs.Fields{"type": fmt.Sprintf("%T", m)})
		}
	}
}

func (c *Client) setStatus(st ProxyStatus) {
	c.mu.Lock()
	c.status[st.Name] = st
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) resetStatus() {
	c.mu.Lock()
	c.status = make(map[string]ProxyStatus)
	c.sessionID = ""
	c.mu.Unlock()
}

// Status returns the registration result for name, if the server has answered.
func (c *Client) Status(name string) (ProxyStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[name]
	return st, ok
}

// WaitStatus blocks until the server has answered NewProxy for name or ctx ends.
func (c *Client) WaitStatus(ctx context.Context, name string) (ProxyStatus, error) {
	for {
		c.mu.Lock()
		st, ok := c.status[name]
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return ProxyStatus{}, ctx.Err()
		case <-changed:
		}
	}
}

// SessionID is the id of the current login, or "" when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}
