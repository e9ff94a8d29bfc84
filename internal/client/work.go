package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/dispatch"
	"github.com/matst80/backhaul/internal/httpx"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/transport"
	"github.com/matst80/backhaul/internal/web"
)

const (
	localDialTimeout = 10 * time.Second
	maxHeaderSize    = 64 * 1024
)

// serveWorkConn dials one work connection, parks it until the server assigns a proxy, then
// connects it to that proxy's local service.
func (c *Client) serveWorkConn(ctx context.Context, sessionID string) {
	work, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		obs.Error("client.work.dial", obs.Fields{"server": c.addr, "err": err})
		return
	}
	msg := &proto.NewWorkConn{SessionID: sessionID}
	if c.cfg.Auth.Token != "" {
		cred := auth.NewCredential(c.cfg.Auth.Token, time.Now())
		msg.PrivilegeKey, msg.Timestamp = cred.PrivilegeKey, cred.Timestamp
	}
	_ = work.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := proto.WriteMsg(work, msg); err != nil {
		obs.Error("client.work.register", obs.Fields{"err": err})
		_ = work.Close()
		return
	}
	_ = work.SetWriteDeadline(time.Time{})

	// idle in the server's pool until a user shows up or the session ends
	stop := context.AfterFunc(ctx, func() { _ = work.Close() })
	m, err := proto.ReadMsg(work)
	if !stop() || err != nil {
		_ = work.Close()
		return
	}
	start, ok := m.(*proto.StartWorkConn)
	if !ok || start.Error != "" {
		obs.Error("client.work.start", obs.Fields{"type": fmt.Sprintf("%T", m), "err": errString(start)})
		_ = work.Close()
		return
	}
	p, ok := c.proxies[start.ProxyName]
	if !ok {
		obs.Error("client.work.unknown_proxy", obs.Fields{"proxy": start.ProxyName})
		_ = work.Close()
		return
	}
	if p.UseCompression {
		work = transport.Compress(work)
	}
	obs.Debug("client.work.start", obs.Fields{"proxy": p.Name, "src": start.SrcAddr, "dst": start.DstAddr})

	if p.Type == proto.ProxyUDP {
		relayUDP(p, work)
		return
	}
	c.serveStream(p, work)
}

func (c *Client) serveStream(p config.ProxyConfig, work net.Conn) {
	local, err := net.DialTimeout("tcp", p.LocalAddr(), localDialTimeout)
	if err != nil {
		obs.Error("client.local.dial", obs.Fields{"proxy": p.Name, "addr": p.LocalAddr(), "err": err})
		if p.Type == proto.ProxyHTTP {
			// consume the request head first so closing does not reset the connection
			_ = work.SetReadDeadline(time.Now().Add(time.Second))
			_, _ = httpx.ParseRequest(bufio.NewReader(work), maxHeaderSize)
			_ = web.WriteError(work, http.StatusBadGateway, web.Down, map[string]any{"Name": p.Name})
		}
		_ = work.Close()
		return
	}
	if p.Type == proto.ProxyHTTP && p.HostHeaderRewrite != "" {
		br := bufio.NewReader(work)
		req, err := httpx.ParseRequest(br, maxHeaderSize)
		if err != nil {
			obs.Error("client.http.header", obs.Fields{"proxy": p.Name, "err": err})
			_ = local.Close()
			_ = work.Close()
			return
		}
		req.ReplaceHost(p.HostHeaderRewrite)
		if _, err := req.WriteTo(local); err != nil {
			_ = local.Close()
			_ = work.Close()
			return
		}
		work = &bufferedConn{Conn: work, r: br}
	}
	in, out := dispatch.Join(work, local, nil)
	obs.Debug("client.work.done", obs.Fields{"proxy": p.Name, "in": in, "out": out})
}

// bufferedConn reads through the reader that already holds the rest of the request head.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func errString(s *proto.StartWorkConn) string {
	if s == nil {
		return ""
	}
	return s.Error
}
