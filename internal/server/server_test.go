package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/control"
	"github.com/matst80/backhaul/internal/proto"
)

const testToken = "s3cret"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = freePort(t)
	cfg.Auth.Token = testToken
	cfg.Transport.HeartbeatInterval = time.Second
	cfg.Transport.HeartbeatTimeout = 3 * time.Second
	cfg.Transport.WorkConnTimeout = 2 * time.Second
	cfg.GracePeriod = time.Second
	return cfg
}

func startServer(t *testing.T, cfg config.ServerConfig) *Service {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// rawClient speaks the control protocol directly and dials back work connections to the
// local addresses registered in locals.
type rawClient struct {
	t         *testing.T
	server    string
	ctrl      net.Conn
	sessionID string
	runID     string

	mu     sync.Mutex
	locals map[string]string

	responses chan *proto.NewProxyResponse
	closed    chan struct{}
}

func dialClient(t *testing.T, s *Service, runID string) *rawClient {
	t.Helper()
	c, err := tryLogin(t, s, runID, testToken)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func tryLogin(t *testing.T, s *Service, runID, token string) (*rawClient, error) {
	t.Helper()
	addr := s.Addr(ListenerControl).String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	cred := auth.NewCredential(token, time.Now())
	login := &proto.Login{Version: proto.Version, Hostname: "test", RunID: runID, PrivilegeKey: cred.PrivilegeKey, Timestamp: cred.Timestamp}
	if err := proto.WriteMsg(conn, login); err != nil {
		conn.Close()
		return nil, err
	}
	rd := proto.NewReader(conn, proto.MaxControlFrame)
	m, err := rd.ReadMsg()
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp, ok := m.(*proto.LoginResponse)
	if !ok {
		conn.Close()
		t.Fatalf("got %T, want LoginResponse", m)
	}
	if resp.Error != "" {
		conn.Close()
		return nil, errors.New(resp.Error)
	}
	c := &rawClient{
		t:         t,
		server:    addr,
		ctrl:      conn,
		sessionID: resp.SessionID,
		runID:     resp.RunID,
		locals:    make(map[string]string),
		responses: make(chan *proto.NewProxyResponse, 8),
		closed:    make(chan struct{}),
	}
	go c.readLoop(rd)
	t.Cleanup(func() { c.ctrl.Close() })
	return c, nil
}

func (c *rawClient) readLoop(rd *proto.Reader) {
	defer close(c.closed)
	for {
		m, err := rd.ReadMsg()
		if err != nil {
			return
		}
		switch msg := m.(type) {
		case *proto.NewProxyResponse:
			c.responses <- msg
		case *proto.StartWorkConn:
			go c.dialWork()
		}
	}
}

func (c *rawClient) dialWork() {
	work, err := net.Dial("tcp", c.server)
	if err != nil {
		return
	}
	if err := proto.WriteMsg(work, &proto.NewWorkConn{SessionID: c.sessionID}); err != nil {
		work.Close()
		return
	}
	m, err := proto.ReadMsg(work)
	if err != nil {
		work.Close()
		return
	}
	start, ok := m.(*proto.StartWorkConn)
	if !ok {
		work.Close()
		return
	}
	c.mu.Lock()
	local := c.locals[start.ProxyName]
	c.mu.Unlock()
	lc, err := net.Dial("tcp", local)
	if err != nil {
		work.Close()
		return
	}
	go func() {
		_, _ = io.Copy(lc, work)
		lc.Close()
	}()
	_, _ = io.Copy(work, lc)
	work.Close()
}

func (c *rawClient) newProxy(m *proto.NewProxy, local string) *proto.NewProxyResponse {
	c.t.Helper()
	c.mu.Lock()
	c.locals[m.ProxyName] = local
	c.mu.Unlock()
	if err := proto.WriteMsg(c.ctrl, m); err != nil {
		c.t.Fatal(err)
	}
	select {
	case resp := <-c.responses:
		return resp
	case <-time.After(5 * time.Second):
		c.t.Fatal("no NewProxyResponse")
		return nil
	}
}

// echoService accepts connections, records what it reads and writes back a fixed reply.
func echoService(t *testing.T, reply string) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	got := make(chan []byte, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				got <- append([]byte(nil), buf[:n]...)
				_, _ = c.Write([]byte(reply))
			}()
		}
	}()
	return ln.Addr().String(), got
}

func TestTCPProxyForwardsBytesUnmodified(t *testing.T) {
	s := startServer(t, testConfig(t))
	local, got := echoService(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	c := dialClient(t, s, "")

	port := freePort(t)
	resp := c.newProxy(&proto.NewProxy{ProxyName: "web", ProxyType: proto.ProxyTCP, RemotePort: port}, local)
	if resp.Error != "" {
		t.Fatalf("register: %s", resp.Error)
	}
	if resp.RemoteAddr != ":"+strconv.Itoa(port) {
		t.Fatalf("remote addr %q", resp.RemoteAddr)
	}

	user, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	req := []byte("GET / HTTP/1.1\r\nHost: whatever\r\n\r\n")
	if _, err := user.Write(req); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-got:
		if !bytes.Equal(b, req) {
			t.Fatalf("local saw %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("local service saw nothing")
	}
	_ = user.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(user)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
		t.Fatalf("user got %q", reply)
	}
}

func TestConcurrentBindConflict(t *testing.T) {
	s := startServer(t, testConfig(t))
	local, _ := echoService(t, "")
	port := freePort(t)
	clients := []*rawClient{dialClient(t, s, ""), dialClient(t, s, "")}

	var wg sync.WaitGroup
	results := make([]*proto.NewProxyResponse, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *rawClient) {
			defer wg.Done()
			c.mu.Lock()
			c.locals["p"+strconv.Itoa(i)] = local
			c.mu.Unlock()
			_ = proto.WriteMsg(c.ctrl, &proto.NewProxy{ProxyName: "p" + strconv.Itoa(i), ProxyType: proto.ProxyTCP, RemotePort: port})
			select {
			case results[i] = <-c.responses:
			case <-time.After(5 * time.Second):
			}
		}(i, c)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, r := range results {
		switch {
		case r == nil:
			t.Fatal("missing response")
		case r.Error == "":
			ok++
		case strings.Contains(r.Error, "bind target in use"):
			conflicts++
		default:
			t.Fatalf("unexpected error %q", r.Error)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
	// the losing session stays usable
	for i, r := range results {
		if r.Error != "" {
			resp := clients[i].newProxy(&proto.NewProxy{ProxyName: "other", ProxyType: proto.ProxyTCP}, local)
			if resp.Error != "" {
				t.Fatalf("second register: %s", resp.Error)
			}
		}
	}
}

func TestHeartbeatTimeoutRemovesBindings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.HeartbeatInterval = 100 * time.Millisecond
	cfg.Transport.HeartbeatTimeout = 300 * time.Millisecond
	s := startServer(t, cfg)
	local, _ := echoService(t, "")
	c := dialClient(t, s, "")

	port := freePort(t)
	if resp := c.newProxy(&proto.NewProxy{ProxyName: "quiet", ProxyType: proto.ProxyTCP, RemotePort: port}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}

	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel not closed after heartbeat timeout")
	}
	waitFor(t, "bindings removed", func() bool { return s.Registry().Len() == 0 && s.Sessions().Len() == 0 })
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second); err == nil {
		t.Fatal("remote port still accepting")
	}
}

func TestPingKeepsSessionAlive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.HeartbeatInterval = 100 * time.Millisecond
	cfg.Transport.HeartbeatTimeout = 300 * time.Millisecond
	s := startServer(t, cfg)
	c := dialClient(t, s, "")

	stop := time.After(time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for done := false; !done; {
		select {
		case <-tick.C:
			if err := proto.WriteMsg(c.ctrl, &proto.Ping{}); err != nil {
				t.Fatal(err)
			}
		case <-stop:
			done = true
		}
	}
	if s.Sessions().Len() != 1 {
		t.Fatalf("sessions = %d", s.Sessions().Len())
	}
}

func TestRunIDReplacesSession(t *testing.T) {
	s := startServer(t, testConfig(t))
	local, _ := echoService(t, "")
	first := dialClient(t, s, "")
	if resp := first.newProxy(&proto.NewProxy{ProxyName: "api", ProxyType: proto.ProxyTCP}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}

	second := dialClient(t, s, first.runID)
	if second.runID != first.runID {
		t.Fatalf("run id %q, want %q", second.runID, first.runID)
	}
	select {
	case <-first.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("old session still open")
	}
	// the name is free again for the new session
	if resp := second.newProxy(&proto.NewProxy{ProxyName: "api", ProxyType: proto.ProxyTCP}, local); resp.Error != "" {
		t.Fatalf("re-register: %s", resp.Error)
	}
	if s.Sessions().Len() != 1 {
		t.Fatalf("sessions = %d", s.Sessions().Len())
	}
}

func TestLoginRejectsBadToken(t *testing.T) {
	s := startServer(t, testConfig(t))
	if _, err := tryLogin(t, s, "", "wrong"); err == nil || !strings.Contains(err.Error(), "authorization failed") {
		t.Fatalf("err = %v", err)
	}
	if s.Sessions().Len() != 0 {
		t.Fatal("session registered after failed login")
	}
}

func TestFirstFrameMustBeLoginOrWorkConn(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn, err := net.Dial("tcp", s.Addr(ListenerControl).String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := proto.WriteMsg(conn, &proto.Ping{}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := proto.ReadMsg(conn)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := m.(*proto.Error); !ok || e.Error != "login required" {
		t.Fatalf("got %#v", m)
	}
	if _, err := proto.ReadMsg(conn); err == nil {
		t.Fatal("connection left open")
	}
}

func TestWorkConnForUnknownSessionIsClosed(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn, err := net.Dial("tcp", s.Addr(ListenerControl).String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := proto.WriteMsg(conn, &proto.NewWorkConn{SessionID: "nope"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected close")
	}
}

func TestHTTPVhostRouting(t *testing.T) {
	cfg := testConfig(t)
	cfg.VhostHTTPPort = freePort(t)
	cfg.SubDomainHost = "tunnel.test"
	s := startServer(t, cfg)
	local, got := echoService(t, "HTTP/1.1 204 No Content\r\n\r\n")
	c := dialClient(t, s, "")

	resp := c.newProxy(&proto.NewProxy{ProxyName: "site", ProxyType: proto.ProxyHTTP, SubDomain: "app"}, local)
	if resp.Error != "" {
		t.Fatal(resp.Error)
	}
	if want := "app.tunnel.test:" + strconv.Itoa(cfg.VhostHTTPPort); resp.RemoteAddr != want {
		t.Fatalf("remote addr %q, want %q", resp.RemoteAddr, want)
	}

	user, err := net.Dial("tcp", s.Addr(ListenerHTTP).String())
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	if _, err := io.WriteString(user, "GET /x HTTP/1.1\r\nHost: APP.tunnel.test\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-got:
		if !bytes.HasPrefix(b, []byte("GET /x HTTP/1.1\r\n")) || !bytes.Contains(b, []byte("X-Forwarded-For: 127.0.0.1")) {
			t.Fatalf("local saw %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request not routed")
	}
}

func TestVhostRequiresPort(t *testing.T) {
	s := startServer(t, testConfig(t))
	c := dialClient(t, s, "")
	resp := c.newProxy(&proto.NewProxy{ProxyName: "site", ProxyType: proto.ProxyHTTP, CustomDomains: []string{"a.test"}}, "")
	if !strings.Contains(resp.Error, ErrVhostDisabled.Error()) {
		t.Fatalf("error %q", resp.Error)
	}
}

func TestMaxPortsPerClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPortsPerClient = 1
	s := startServer(t, cfg)
	local, _ := echoService(t, "")
	c := dialClient(t, s, "")
	if resp := c.newProxy(&proto.NewProxy{ProxyName: "a", ProxyType: proto.ProxyTCP}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}
	resp := c.newProxy(&proto.NewProxy{ProxyName: "b", ProxyType: proto.ProxyTCP}, local)
	if resp.Error != ErrTooManyPorts.Error() {
		t.Fatalf("error %q", resp.Error)
	}
}

func TestCloseProxyReleasesPort(t *testing.T) {
	s := startServer(t, testConfig(t))
	local, _ := echoService(t, "")
	c := dialClient(t, s, "")
	port := freePort(t)
	if resp := c.newProxy(&proto.NewProxy{ProxyName: "tmp", ProxyType: proto.ProxyTCP, RemotePort: port}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}
	if err := proto.WriteMsg(c.ctrl, &proto.CloseProxy{ProxyName: "tmp"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "proxy removed", func() bool { return s.Registry().Lookup("tmp") == nil })
	if resp := c.newProxy(&proto.NewProxy{ProxyName: "tmp2", ProxyType: proto.ProxyTCP, RemotePort: port}, local); resp.Error != "" {
		t.Fatalf("port not released: %s", resp.Error)
	}
}

func TestNewProxyAfterSessionCloseLeavesNothing(t *testing.T) {
	s := startServer(t, testConfig(t))
	c := dialClient(t, s, "")
	sess := s.Sessions().Get(c.sessionID)
	if sess == nil {
		t.Fatal("session not registered")
	}
	sess.Close(control.ErrHeartbeatTimeout)

	port := freePort(t)
	_, err := sessionHooks{s}.OnNewProxy(context.Background(), sess, &proto.NewProxy{ProxyName: "late", ProxyType: proto.ProxyTCP, RemotePort: port})
	if !errors.Is(err, control.ErrSessionClosed) {
		t.Fatalf("err = %v", err)
	}
	if s.Registry().Lookup("late") != nil {
		t.Fatal("binding left behind")
	}
	if s.dispatch.Active("late") {
		t.Fatal("listener left behind")
	}
	if conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second); err == nil {
		conn.Close()
		t.Fatal("port still accepting")
	}

	// the name and port are free for the reconnected client
	local, _ := echoService(t, "")
	again := dialClient(t, s, "")
	if resp := again.newProxy(&proto.NewProxy{ProxyName: "late", ProxyType: proto.ProxyTCP, RemotePort: port}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	s := startServer(t, testConfig(t))
	c := dialClient(t, s, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("session survived shutdown")
	}
	if s.Ready() || !s.Closing() {
		t.Fatal("readiness not cleared")
	}
	if _, err := net.DialTimeout("tcp", c.server, time.Second); err == nil {
		t.Fatal("control listener still open")
	}
}

func TestStats(t *testing.T) {
	s := startServer(t, testConfig(t))
	local, _ := echoService(t, "")
	c := dialClient(t, s, "")
	if resp := c.newProxy(&proto.NewProxy{ProxyName: "db", ProxyType: proto.ProxyTCP}, local); resp.Error != "" {
		t.Fatal(resp.Error)
	}
	st := s.Stats()
	if st.Sessions != 1 || st.Proxies != 1 || len(st.Clients) != 1 {
		t.Fatalf("stats %+v", st)
	}
	cs := st.Clients[0]
	if cs.SessionID != c.sessionID || len(cs.Proxies) != 1 || cs.Proxies[0].Name != "db" || !cs.Proxies[0].Active {
		t.Fatalf("client stats %+v", cs)
	}
}

func TestClaimStoreDefaultsToMemory(t *testing.T) {
	store, closer, err := newClaimStore(config.RedisConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if store == nil || closer != nil {
		t.Fatalf("store %T closer %v", store, closer)
	}
	ctx := context.Background()
	if err := store.Claim(ctx, "proxy:web"); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "proxy:web"); err != nil {
		t.Fatal(err)
	}
}
