package dispatch

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matst80/backhaul/internal/httpx"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/pool"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/vhost"
	"github.com/matst80/backhaul/internal/web"
)

// ServeHTTP routes connections accepted from ln by Host header until ln is closed.
func (d *Dispatcher) ServeHTTP(ln net.Listener) {
	r := &vhost.Router{Kind: proto.ProxyHTTP, Registry: d.registry}
	acceptLoop(ln, "accept.http", func(c net.Conn) { d.handleHTTP(r, c) })
}

// ServeHTTPS routes connections accepted from ln by TLS SNI until ln is closed. TLS is not
// terminated; the client's service holds the certificate.
func (d *Dispatcher) ServeHTTPS(ln net.Listener) {
	r := &vhost.Router{Kind: proto.ProxyHTTPS, Registry: d.registry}
	acceptLoop(ln, "accept.https", func(c net.Conn) { d.handleHTTPS(r, c) })
}

// bufferedConn reads through the reader that already holds part of the stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// handleHTTP routes a connection by the Host of its first request. The connection is then
// spliced as a stream, so later keep-alive requests reach the same binding whatever Host they
// carry.
func (d *Dispatcher) handleHTTP(r *vhost.Router, c net.Conn) {
	release, ok := d.track("", c)
	if !ok {
		_ = c.Close()
		return
	}
	defer release()

	_ = c.SetReadDeadline(time.Now().Add(d.opts.VhostTimeout))
	br := bufio.NewReader(c)
	req, err := httpx.ParseRequest(br, d.opts.MaxHeaderSize)
	if err != nil {
		obs.Error("public.header", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("public_header").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	host := req.Host()
	b := r.Lookup(host)
	if b == nil {
		obs.Info("public.host.unknown", obs.Fields{"host": host, "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("public_host").Inc()
		data := map[string]any{"Host": host}
		if sub, ok := vhost.Subdomain(host, d.opts.SubDomainHost); ok {
			data["Subdomain"], data["SubDomainHost"] = sub, d.opts.SubDomainHost
		}
		_ = web.WriteError(c, http.StatusNotFound, web.NotFound, data)
		_ = c.Close()
		return
	}
	if !d.allow(b.Name) {
		_ = c.Close()
		return
	}
	if d.opts.AddXFF {
		req.AugmentXFF(httpx.RemoteIP(c.RemoteAddr()))
	}
	work, err := d.openWork(b, c)
	if err != nil {
		d.writeWorkError(c, b, host, err)
		return
	}
	if _, err := req.WriteTo(work); err != nil {
		obs.Error("tunnel.forward_initial", obs.Fields{"proxy": b.Name, "err": err})
		obs.ErrorsTotal.WithLabelValues("forward_initial").Inc()
		_ = work.Close()
		_ = web.WriteError(c, http.StatusBadGateway, web.Down, map[string]any{"Host": host, "Name": b.Name})
		_ = c.Close()
		return
	}
	d.serve(b, &bufferedConn{Conn: c, r: br}, work)
}

func (d *Dispatcher) writeWorkError(c net.Conn, b *registry.Binding, host string, err error) {
	data := map[string]any{"Host": host, "Name": b.Name}
	if errors.Is(err, pool.ErrWorkConnTimeout) {
		obs.Error("public.timeout", obs.Fields{"proxy": b.Name, "host": host})
		obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		data["Timeout"] = d.requestTimeout().String()
		_ = web.WriteError(c, http.StatusGatewayTimeout, web.Timeout, data)
	} else {
		obs.Error("public.down", obs.Fields{"proxy": b.Name, "host": host, "err": err})
		obs.ErrorsTotal.WithLabelValues("work_conn").Inc()
		_ = web.WriteError(c, http.StatusBadGateway, web.Down, data)
	}
	_ = c.Close()
}

func (d *Dispatcher) requestTimeout() time.Duration {
	if t, ok := d.work.(interface{ RequestTimeout() time.Duration }); ok {
		return t.RequestTimeout()
	}
	return pool.DefaultRequestTimeout
}

func (d *Dispatcher) handleHTTPS(r *vhost.Router, c net.Conn) {
	release, ok := d.track("", c)
	if !ok {
		_ = c.Close()
		return
	}
	defer release()

	name, replay, err := vhost.ReadSNI(c, d.opts.VhostTimeout)
	if err != nil {
		obs.Error("public.sni", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("public_sni").Inc()
		_ = c.Close()
		return
	}
	b := r.Lookup(name)
	if b == nil {
		obs.Info("public.host.unknown", obs.Fields{"host": name, "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("public_host").Inc()
		_ = c.Close()
		return
	}
	if !d.allow(b.Name) {
		_ = c.Close()
		return
	}
	work, err := d.openWork(b, c)
	if err != nil {
		obs.Error("public.down", obs.Fields{"proxy": b.Name, "host": name, "err": err})
		obs.ErrorsTotal.WithLabelValues("work_conn").Inc()
		_ = c.Close()
		return
	}
	d.serve(b, replay, work)
}
