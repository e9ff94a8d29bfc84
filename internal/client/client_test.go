package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/server"
)

const token = "tok"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *server.Service {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = freePort(t)
	cfg.Auth.Token = token
	cfg.GracePeriod = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := server.New(cfg)
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

func clientConfig(s *server.Service, proxies ...config.ProxyConfig) config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.ServerAddr = "127.0.0.1"
	cfg.ServerPort = s.Addr(server.ListenerControl).(*net.TCPAddr).Port
	cfg.Auth.Token = token
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.Proxies = proxies
	return cfg
}

// runClient starts Run in the background and waits until every proxy is registered.
func runClient(t *testing.T, cfg config.ClientConfig) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	for _, p := range cfg.Proxies {
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		st, err := c.WaitStatus(wctx, p.Name)
		wcancel()
		if err != nil {
			t.Fatalf("proxy %s: %v", p.Name, err)
		}
		if st.Err != "" {
			t.Fatalf("proxy %s rejected: %s", p.Name, st.Err)
		}
	}
	return c
}

// tcpService answers every connection by reading one chunk and replying with reply(chunk).
func tcpService(t *testing.T, reply func([]byte) []byte) (int, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	seen := make(chan []byte, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 64*1024)
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				seen <- append([]byte(nil), buf[:n]...)
				_, _ = c.Write(reply(buf[:n]))
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, seen
}

func roundTrip(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestTCPProxyEndToEnd(t *testing.T) {
	s := startServer(t, nil)
	localPort, seen := tcpService(t, func(b []byte) []byte { return []byte("HTTP/1.1 200 OK\r\n\r\n") })
	remote := freePort(t)
	runClient(t, clientConfig(s, config.ProxyConfig{Name: "web", Type: proto.ProxyTCP, LocalPort: localPort, RemotePort: remote}))

	req := []byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	got := roundTrip(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(remote)), req)
	if string(got) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("reply %q", got)
	}
	if b := <-seen; !bytes.Equal(b, req) {
		t.Fatalf("local saw %q", b)
	}
}

func TestCompressedOverMux(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) { cfg.Transport.TCPMux = true })
	localPort, _ := tcpService(t, bytes.ToUpper)
	remote := freePort(t)
	cfg := clientConfig(s, config.ProxyConfig{Name: "zip", Type: proto.ProxyTCP, LocalPort: localPort, RemotePort: remote, UseCompression: true})
	cfg.Transport.TCPMux = true
	cfg.Transport.PoolCount = 2
	runClient(t, cfg)

	payload := bytes.Repeat([]byte("squeeze me "), 20)
	got := roundTrip(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(remote)), payload)
	if !bytes.Equal(got, bytes.ToUpper(payload)) {
		t.Fatalf("reply of %d bytes does not match", len(got))
	}
}

func TestHostHeaderRewrite(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) {
		cfg.VhostHTTPPort = freePort(t)
		cfg.ProxyBindAddr = "127.0.0.1"
	})
	localPort, seen := tcpService(t, func([]byte) []byte { return []byte("HTTP/1.1 204 No Content\r\n\r\n") })
	runClient(t, clientConfig(s, config.ProxyConfig{
		Name: "site", Type: proto.ProxyHTTP, LocalPort: localPort,
		CustomDomains: []string{"app.example.test"}, HostHeaderRewrite: "internal.local",
	}))

	got := roundTrip(t, s.Addr(server.ListenerHTTP).String(), []byte("GET / HTTP/1.1\r\nHost: app.example.test\r\n\r\n"))
	if !strings.HasPrefix(string(got), "HTTP/1.1 204") {
		t.Fatalf("reply %q", got)
	}
	head := string(<-seen)
	if !strings.Contains(head, "Host: internal.local\r\n") || !strings.Contains(head, "X-Forwarded-Host: app.example.test\r\n") {
		t.Fatalf("local saw %q", head)
	}
}

func TestHTTPLocalDownGives502(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) {
		cfg.VhostHTTPPort = freePort(t)
		cfg.ProxyBindAddr = "127.0.0.1"
	})
	runClient(t, clientConfig(s, config.ProxyConfig{
		Name: "gone", Type: proto.ProxyHTTP, LocalPort: freePort(t), CustomDomains: []string{"gone.test"},
	}))
	got := roundTrip(t, s.Addr(server.ListenerHTTP).String(), []byte("GET / HTTP/1.1\r\nHost: gone.test\r\n\r\n"))
	if !strings.HasPrefix(string(got), "HTTP/1.1 502") {
		t.Fatalf("reply %q", got)
	}
}

func TestUDPProxy(t *testing.T) {
	s := startServer(t, nil)
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { local.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := local.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = local.WriteToUDP(bytes.ToUpper(buf[:n]), from)
		}
	}()
	remote := freeUDPPort(t)
	runClient(t, clientConfig(s, config.ProxyConfig{Name: "dns", Type: proto.ProxyUDP, LocalPort: local.LocalAddr().(*net.UDPAddr).Port, RemotePort: remote}))

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remote)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	buf := make([]byte, 64)
	// the relay work conn may still be opening; resend until the echo arrives
	for i := 0; i < 50; i++ {
		if _, err := conn.Write([]byte("hello")); err != nil {
			t.Fatal(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err == nil {
			if string(buf[:n]) != "HELLO" {
				t.Fatalf("got %q", buf[:n])
			}
			return
		}
	}
	t.Fatal("no udp reply")
}

func TestLoginRejected(t *testing.T) {
	s := startServer(t, nil)
	cfg := clientConfig(s)
	cfg.Auth.Token = "wrong"
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.RunOnce(ctx); !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconnectKeepsRunID(t *testing.T) {
	s := startServer(t, nil)
	c, err := New(clientConfig(s))
	if err != nil {
		t.Fatal(err)
	}
	login := func() string {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.RunOnce(ctx) }()
		deadline := time.Now().Add(5 * time.Second)
		for c.SessionID() == "" {
			if time.Now().After(deadline) {
				t.Fatal("no login")
			}
			time.Sleep(10 * time.Millisecond)
		}
		id := c.RunID()
		cancel()
		<-done
		return id
	}
	first := login()
	second := login()
	if first == "" || first != second {
		t.Fatalf("run ids %q then %q", first, second)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	// a server that accepts the login and then never answers a ping
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := proto.ReadMsg(c); err != nil {
			return
		}
		_ = proto.WriteMsg(c, &proto.LoginResponse{Version: proto.Version, SessionID: "s", RunID: "r"})
		_, _ = io.Copy(io.Discard, c)
	}()

	cfg := config.DefaultClientConfig()
	cfg.ServerAddr = "127.0.0.1"
	cfg.ServerPort = ln.Addr().(*net.TCPAddr).Port
	cfg.Transport.HeartbeatInterval = 50 * time.Millisecond
	cfg.Transport.HeartbeatTimeout = 150 * time.Millisecond
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.RunOnce(ctx); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("err = %v", err)
	}
}
