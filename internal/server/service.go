// Package server wires the tunnel server together: transport listeners, control sessions,
// the proxy registry, the work-connection pool and the dispatcher.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/control"
	"github.com/matst80/backhaul/internal/dispatch"
	"github.com/matst80/backhaul/internal/httpx"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/pool"
	"github.com/matst80/backhaul/internal/ports"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/transport"
)

const firstFrameTimeout = 10 * time.Second

// Listener roles.
const (
	ListenerControl   = "control"
	ListenerKCP       = "kcp"
	ListenerWebsocket = "websocket"
	ListenerHTTP      = "http"
	ListenerHTTPS     = "https"
)

// Service is one tunnel server instance. All server-wide state hangs off it.
type Service struct {
	cfg       config.ServerConfig
	verifier  *auth.Verifier
	sessions  *control.Manager
	registry  *registry.Registry
	pool      *pool.Pool
	dispatch  *dispatch.Dispatcher
	tcpPorts  *ports.Manager
	udpPorts  *ports.Manager
	logins    *ratelimit.RateLimiter
	claims    io.Closer
	tlsConfig *tls.Config
	monitor   *control.Monitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[string]net.Listener
	conns     map[net.Conn]struct{}

	ready   atomic.Bool
	closing atomic.Bool
}

// New builds a Service from cfg. Nothing listens until Start.
func New(cfg config.ServerConfig) (*Service, error) {
	cfg.Complete()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed, err := ports.ParseRanges(cfg.AllowPorts)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := transport.NewServerTLSConfig(cfg.Transport.TLS.CertFile, cfg.Transport.TLS.KeyFile, cfg.Transport.TLS.TrustedCaFile)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	claims, closer, err := newClaimStore(cfg.Redis)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		verifier:  auth.NewVerifier(cfg.Auth.Token, cfg.Auth.Window),
		sessions:  control.NewManager(),
		registry:  registry.New(claims),
		pool:      pool.New(cfg.Transport.WorkConnTimeout, cfg.Transport.WorkConnIdleTimeout),
		tcpPorts:  ports.NewManager("tcp", cfg.ProxyBindAddr, allowed),
		udpPorts:  ports.NewManager("udp", cfg.ProxyBindAddr, allowed),
		claims:    closer,
		tlsConfig: tlsConfig,
		listeners: make(map[string]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.Limits.LoginRate > 0 {
		s.logins = ratelimit.NewRateLimiter(0, cfg.Limits.LoginRate, cfg.Limits.RateBurst)
	}
	s.dispatch = dispatch.New(s.pool, s.registry, dispatch.Options{
		ProxyBindAddr: cfg.ProxyBindAddr,
		ConnRate:      cfg.Limits.ConnRate,
		RateBurst:     cfg.Limits.RateBurst,
		MaxHeaderSize: cfg.MaxHeaderSize,
		AddXFF:        cfg.AddXFF,
		VhostTimeout:  cfg.VhostHTTPTimeout,
		SubDomainHost: cfg.SubDomainHost,
	})
	s.monitor = &control.Monitor{
		Sessions: s.sessions,
		Interval: cfg.Transport.HeartbeatInterval,
		Timeout:  cfg.Transport.HeartbeatTimeout,
		Sweepers: []control.Sweeper{s.sweepPool, s.refreshClaims, s.sweepLoginLimiter},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.Auth.Token == "" {
		obs.Warn("server.auth.disabled", obs.Fields{})
	}
	return s, nil
}

// Start opens every configured listener and the liveness monitor.
func (s *Service) Start() error {
	addr := func(port int) string { return net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(port)) }

	ln, err := transport.Listen(addr(s.cfg.BindPort), s.tlsConfig)
	if err != nil {
		return s.startFailed(ListenerControl, err)
	}
	s.serveTransport(ListenerControl, ln)

	if s.cfg.KCPBindPort > 0 {
		ln, err := transport.ListenKCP(addr(s.cfg.KCPBindPort))
		if err != nil {
			return s.startFailed(ListenerKCP, err)
		}
		s.serveTransport(ListenerKCP, transport.WrapListener(ln, s.tlsConfig))
	}
	if s.cfg.WebsocketBindPort > 0 {
		ln, err := transport.ListenWebsocket(addr(s.cfg.WebsocketBindPort))
		if err != nil {
			return s.startFailed(ListenerWebsocket, err)
		}
		s.serveTransport(ListenerWebsocket, transport.WrapListener(ln, s.tlsConfig))
	}
	if s.cfg.VhostHTTPPort > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.ProxyBindAddr, strconv.Itoa(s.cfg.VhostHTTPPort)))
		if err != nil {
			return s.startFailed(ListenerHTTP, err)
		}
		s.addListener(ListenerHTTP, ln)
		s.goServe(func() { s.dispatch.ServeHTTP(ln) })
	}
	if s.cfg.VhostHTTPSPort > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.ProxyBindAddr, strconv.Itoa(s.cfg.VhostHTTPSPort)))
		if err != nil {
			return s.startFailed(ListenerHTTPS, err)
		}
		s.addListener(ListenerHTTPS, ln)
		s.goServe(func() { s.dispatch.ServeHTTPS(ln) })
	}
	s.goServe(func() { s.monitor.Run(s.ctx) })
	s.ready.Store(true)
	fields := obs.Fields{}
	for name, a := range s.Addrs() {
		fields[name] = a
	}
	obs.Info("server.ready", fields)
	return nil
}

func (s *Service) startFailed(name string, err error) error {
	obs.Error("listen."+name, obs.Fields{"err": err})
	s.closeListeners()
	s.cancel()
	s.wg.Wait()
	return fmt.Errorf("listen %s: %w", name, err)
}

func (s *Service) addListener(name string, ln net.Listener) {
	s.mu.Lock()
	s.listeners[name] = ln
	s.mu.Unlock()
}

func (s *Service) goServe(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// serveTransport accepts control and work connections from ln. With tcpMux each accepted
// connection is a yamux session whose streams are handled like plain connections.
func (s *Service) serveTransport(name string, ln net.Listener) {
	s.addListener(name, ln)
	s.goServe(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					obs.Error("accept."+name+".temp", obs.Fields{"err": err})
					continue
				}
				return
			}
			if !s.trackConn(c) {
				_ = c.Close()
				continue
			}
			go func() {
				defer s.untrackConn(c)
				if !s.cfg.Transport.TCPMux {
					s.handleConn(c)
					return
				}
				if err := transport.ServeMux(c, s.cfg.Transport.TCPMuxKeepAlive, s.handleConn); err != nil {
					obs.Debug("mux.closed", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
				}
			}()
		}
	})
}

func (s *Service) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Service) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleConn reads the first frame and routes the connection: NewWorkConn joins the pool,
// anything else starts a control session, which insists on Login.
func (s *Service) handleConn(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(firstFrameTimeout))
	// exact read: a work conn's tunnel bytes follow immediately
	m, err := proto.ReadMsg(c)
	if err != nil {
		if errors.Is(err, proto.ErrProtocol) {
			obs.ErrorsTotal.WithLabelValues("first_frame").Inc()
			_ = proto.WriteMsg(c, &proto.Error{Error: err.Error()})
		}
		obs.Debug("conn.first_frame", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	if wc, ok := m.(*proto.NewWorkConn); ok {
		s.acceptWorkConn(c, wc)
		return
	}
	if _, ok := m.(*proto.Login); ok && !s.logins.Allow(httpx.RemoteIP(c.RemoteAddr())) {
		obs.Error("control.login.rate", obs.Fields{"remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("login_rate").Inc()
		_ = proto.WriteMsg(c, &proto.LoginResponse{Version: proto.Version, Error: "too many login attempts"})
		_ = c.Close()
		return
	}
	sess := control.NewSession(c, control.Options{
		Verifier:     s.verifier,
		Version:      proto.Version,
		MaxPoolCount: s.cfg.Transport.MaxPoolCount,
		Hooks:        sessionHooks{s},
	})
	if err := sess.Handle(s.ctx, m); err != nil {
		sess.Close(err)
		return
	}
	_ = sess.Run(s.ctx)
}

func (s *Service) acceptWorkConn(c net.Conn, m *proto.NewWorkConn) {
	if s.closing.Load() {
		_ = c.Close()
		return
	}
	if s.cfg.Auth.AuthenticateNewWorkConns {
		cred := auth.Credential{PrivilegeKey: m.PrivilegeKey, Timestamp: m.Timestamp}
		if err := s.verifier.Authenticate(cred, time.Now()); err != nil {
			obs.Error("work.auth", obs.Fields{"remote": c.RemoteAddr().String(), "session": m.SessionID, "err": err})
			obs.ErrorsTotal.WithLabelValues("work_auth").Inc()
			_ = c.Close()
			return
		}
	}
	if err := s.pool.Submit(m.SessionID, c); err != nil {
		obs.Debug("work.rejected", obs.Fields{"remote": c.RemoteAddr().String(), "session": m.SessionID, "err": err})
		obs.ErrorsTotal.WithLabelValues("work_rejected").Inc()
		_ = c.Close()
	}
}

// Run starts the service and blocks until ctx ends, then shuts down within the grace period.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	grace, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	return s.Shutdown(grace)
}

// Shutdown stops accepting, lets in-flight tunnels drain until ctx ends, then closes every
// session and connection.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}
	s.ready.Store(false)
	s.closeListeners()
	err := s.dispatch.Shutdown(ctx)

	s.cancel()
	s.sessions.CloseAll(control.ErrShutdown)
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	if s.claims != nil {
		_ = s.claims.Close()
	}
	obs.Info("server.shutdown.complete", obs.Fields{"forced": err != nil})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Service) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// Addr returns the address of the listener with the given role, or nil.
func (s *Service) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln := s.listeners[name]; ln != nil {
		return ln.Addr()
	}
	return nil
}

// Addrs lists every open listener by role.
func (s *Service) Addrs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.listeners))
	for name, ln := range s.listeners {
		out[name] = ln.Addr().String()
	}
	return out
}

func (s *Service) Ready() bool   { return s.ready.Load() }
func (s *Service) Closing() bool { return s.closing.Load() }

// Sessions exposes the live session index.
func (s *Service) Sessions() *control.Manager { return s.sessions }

// Registry exposes the proxy registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

func (s *Service) sweepPool(_ context.Context, now time.Time) {
	if n := s.pool.Sweep(now); n > 0 {
		obs.Debug("pool.sweep", obs.Fields{"closed": n})
	}
}

func (s *Service) refreshClaims(ctx context.Context, _ time.Time) {
	if err := s.registry.Refresh(ctx); err != nil {
		obs.Error("registry.refresh", obs.Fields{"err": err})
		obs.ErrorsTotal.WithLabelValues("claims_refresh").Inc()
	}
}

func (s *Service) sweepLoginLimiter(context.Context, time.Time) {
	if s.logins == nil {
		return
	}
	active := map[string]bool{}
	for _, sess := range s.sessions.All() {
		if host, _, err := net.SplitHostPort(sess.RemoteAddr()); err == nil {
			active[host] = true
		}
	}
	s.logins.CleanupExpired(active)
}
