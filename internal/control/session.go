// Package control runs the server side of a client's control channel: login, proxy
// registration requests, heartbeats and dial-back requests for work connections.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
)

// State of a control session. Transitions only move forward.
type State int32

const (
	AwaitingLogin State = iota
	Authenticated
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingLogin:
		return "awaiting_login"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrUnexpectedMessage = fmt.Errorf("%w: unexpected message", proto.ErrProtocol)
	ErrSessionClosed     = errors.New("control session closed")
	ErrReplaced          = errors.New("replaced by a newer login")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
	ErrShutdown          = errors.New("server shutting down")
)

const (
	sendQueue    = 64
	writeTimeout = 10 * time.Second
)

// Hooks are the server-side effects of control frames. They run on the session's reader
// goroutine, so frames of one session are handled strictly in order.
type Hooks interface {
	// OnLogin runs after the LoginResponse has been queued.
	OnLogin(s *Session)
	// OnNewProxy registers a proxy and returns its public address.
	OnNewProxy(ctx context.Context, s *Session, m *proto.NewProxy) (string, error)
	OnCloseProxy(ctx context.Context, s *Session, name string) error
	// OnClose runs once, after the control connection has been closed.
	OnClose(s *Session, reason error)
}

// Options shared by every session of a server.
type Options struct {
	Verifier     *auth.Verifier
	Version      string
	MaxPoolCount int
	Hooks        Hooks
}

// clock base for heartbeat timestamps; differences use the monotonic reading.
var base = time.Now()

// Session is one client's control channel.
type Session struct {
	opts       Options
	conn       net.Conn
	remoteAddr string

	id        string
	runID     string
	login     proto.Login
	loginAt   time.Time
	poolCount int

	state         atomic.Int32
	loggedIn      atomic.Bool
	lastHeartbeat atomic.Int64

	out        chan proto.Message
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	mu      sync.Mutex
	proxies map[string]struct{}
}

// NewSession wraps conn in AwaitingLogin state and starts its writer.
func NewSession(conn net.Conn, opts Options) *Session {
	s := &Session{
		opts:       opts,
		conn:       conn,
		id:         uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		out:        make(chan proto.Message, sendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		proxies:    make(map[string]struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RunID() string      { return s.runID }
func (s *Session) RemoteAddr() string { return s.remoteAddr }
func (s *Session) LoginAt() time.Time { return s.loginAt }
func (s *Session) PoolCount() int     { return s.poolCount }
func (s *Session) State() State       { return State(s.state.Load()) }

// Client returns what the client reported about itself at login, without credentials.
func (s *Session) Client() proto.Login {
	l := s.login
	l.PrivilegeKey = ""
	return l
}

// Done is closed when the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// advance moves to next if the session has not gone past it.
func (s *Session) advance(next State) {
	for {
		cur := s.state.Load()
		if cur >= int32(next) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Touch records a heartbeat at now. Older timestamps are ignored.
func (s *Session) Touch(now time.Time) {
	ns := int64(now.Sub(base))
	for {
		cur := s.lastHeartbeat.Load()
		if ns <= cur {
			return
		}
		if s.lastHeartbeat.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (s *Session) LastHeartbeat() time.Time {
	return base.Add(time.Duration(s.lastHeartbeat.Load()))
}

// Proxies returns the names of proxies registered through this session.
func (s *Session) Proxies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.proxies))
	for name := range s.proxies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send queues m for the writer goroutine.
func (s *Session) Send(m proto.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-s.writerDone:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-s.writerDone:
		return ErrSessionClosed
	}
}

// RequestWorkConn asks the client to dial back one work connection.
func (s *Session) RequestWorkConn(proxyName string) error {
	return s.Send(&proto.StartWorkConn{ProxyName: proxyName})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case m := <-s.out:
			if err := s.write(m); err != nil {
				obs.Debug("control.write", obs.Fields{"session": s.id, "remote": s.remoteAddr, "err": err})
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			// flush what is queued so a final Error frame reaches the client
			for {
				select {
				case m := <-s.out:
					if err := s.write(m); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(m proto.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteMsg(s.conn, m)
}

// Close tears the session down once; later calls are no-ops.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		s.closeErr = reason
		s.advance(Closing)
		close(s.done)
		select {
		case <-s.writerDone:
		case <-time.After(writeTimeout):
		}
		_ = s.conn.Close()
		s.advance(Closed)
		obs.Info("control.closed", obs.Fields{"session": s.id, "remote": s.remoteAddr, "reason": reason.Error()})
		if s.opts.Hooks != nil && s.loggedIn.Load() {
			s.opts.Hooks.OnClose(s, reason)
		}
	})
}

// Run reads frames until the connection fails or ctx ends, then closes the session.
// The first frame may already have been consumed by the caller and handled with Handle.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close(ErrShutdown) })
	defer stop()

	rd := proto.NewReader(s.conn, proto.MaxControlFrame)
	for {
		m, err := rd.ReadMsg()
		if err != nil {
			if errors.Is(err, proto.ErrProtocol) {
				obs.ErrorsTotal.WithLabelValues("control_protocol").Inc()
				_ = s.Send(&proto.Error{Error: err.Error()})
			}
			s.Close(fmt.Errorf("read control frame: %w", err))
			return s.closeErr
		}
		if err := s.Handle(ctx, m); err != nil {
			s.Close(err)
			return s.closeErr
		}
	}
}

// Handle applies one frame to the session. A non-nil error is fatal for the session;
// the caller is expected to Close with it.
func (s *Session) Handle(ctx context.Context, m proto.Message) error {
	// frames still buffered in the reader after Close must not touch server state
	if s.State() >= Closing {
		return ErrSessionClosed
	}
	if s.State() == AwaitingLogin {
		login, ok := m.(*proto.Login)
		if !ok {
			obs.ErrorsTotal.WithLabelValues("control_before_login").Inc()
			_ = s.Send(&proto.Error{Error: "login required"})
			return fmt.Errorf("%w %T before login", ErrUnexpectedMessage, m)
		}
		return s.handleLogin(login)
	}

	switch msg := m.(type) {
	case *proto.NewProxy:
		s.advance(Active)
		s.handleNewProxy(ctx, msg)
	case *proto.Ping:
		s.advance(Active)
		s.Touch(time.Now())
		return s.Send(&proto.Pong{})
	case *proto.CloseProxy:
		s.handleCloseProxy(ctx, msg)
	default:
		obs.ErrorsTotal.WithLabelValues("control_unexpected").Inc()
		_ = s.Send(&proto.Error{Error: fmt.Sprintf("unexpected %T", m)})
		return fmt.Errorf("%w %T", ErrUnexpectedMessage, m)
	}
	return nil
}

func (s *Session) handleLogin(m *proto.Login) error {
	now := time.Now()
	if v := s.opts.Verifier; v != nil {
		cred := auth.Credential{PrivilegeKey: m.PrivilegeKey, Timestamp: m.Timestamp}
		if err := v.Authenticate(cred, now); err != nil {
			obs.Error("control.auth.token", obs.Fields{"remote": s.remoteAddr, "err": err})
			obs.ErrorsTotal.WithLabelValues("auth").Inc()
			_ = s.Send(&proto.LoginResponse{Version: s.opts.Version, Error: "authorization failed"})
			return err
		}
	}
	s.runID = m.RunID
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	s.login = *m
	s.loginAt = now
	s.poolCount = m.PoolCount
	if s.poolCount < 0 {
		s.poolCount = 0
	}
	if limit := s.opts.MaxPoolCount; limit > 0 && s.poolCount > limit {
		s.poolCount = limit
	}
	s.Touch(now)
	s.advance(Authenticated)
	if err := s.Send(&proto.LoginResponse{Version: s.opts.Version, SessionID: s.id, RunID: s.runID}); err != nil {
		return err
	}
	s.loggedIn.Store(true)
	obs.Info("control.login", obs.Fields{
		"session": s.id, "run_id": s.runID, "remote": s.remoteAddr,
		"hostname": m.Hostname, "os": m.Os, "arch": m.Arch, "user": m.User, "version": m.Version,
	})
	if s.opts.Hooks != nil {
		s.opts.Hooks.OnLogin(s)
	}
	return nil
}

func (s *Session) handleNewProxy(ctx context.Context, m *proto.NewProxy) {
	resp := &proto.NewProxyResponse{ProxyName: m.ProxyName}
	var err error
	if s.opts.Hooks == nil {
		err = errors.New("proxies not supported")
	} else {
		resp.RemoteAddr, err = s.opts.Hooks.OnNewProxy(ctx, s, m)
	}
	if err != nil {
		resp.Error = err.Error()
		obs.Info("control.proxy.rejected", obs.Fields{"session": s.id, "proxy": m.ProxyName, "type": m.ProxyType, "err": err})
	} else {
		s.mu.Lock()
		s.proxies[m.ProxyName] = struct{}{}
		s.mu.Unlock()
		obs.Info("control.proxy.registered", obs.Fields{"session": s.id, "proxy": m.ProxyName, "type": m.ProxyType, "remote_addr": resp.RemoteAddr})
	}
	_ = s.Send(resp)
}

func (s *Session) handleCloseProxy(ctx context.Context, m *proto.CloseProxy) {
	s.mu.Lock()
	_, owned := s.proxies[m.ProxyName]
	delete(s.proxies, m.ProxyName)
	s.mu.Unlock()
	if !owned || s.opts.Hooks == nil {
		obs.Debug("control.proxy.close.unknown", obs.Fields{"session": s.id, "proxy": m.ProxyName})
		return
	}
	if err := s.opts.Hooks.OnCloseProxy(ctx, s, m.ProxyName); err != nil {
		obs.Error("control.proxy.close", obs.Fields{"session": s.id, "proxy": m.ProxyName, "err": err})
		return
	}
	obs.Info("control.proxy.closed", obs.Fields{"session": s.id, "proxy": m.ProxyName})
}
