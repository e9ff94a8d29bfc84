package dispatch

import (
	"errors"
	"net"
	"strconv"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/pool"
	"github.com/matst80/backhaul/internal/registry"
)

// StartTCP listens on b.RemotePort and serves b until Stop(b.Name).
func (d *Dispatcher) StartTCP(b *registry.Binding) (net.Addr, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(d.opts.ProxyBindAddr, strconv.Itoa(b.RemotePort)))
	if err != nil {
		return nil, err
	}
	if _, err := d.addProxy(b, ln); err != nil {
		_ = ln.Close()
		return nil, err
	}
	obs.Info("dispatch.tcp.listen", obs.Fields{"proxy": b.Name, "addr": ln.Addr().String(), "session": b.SessionID})
	go acceptLoop(ln, "accept.tcp", func(c net.Conn) { d.handleTCP(b, c) })
	return ln.Addr(), nil
}

func (d *Dispatcher) handleTCP(b *registry.Binding, user net.Conn) {
	if !d.allow(b.Name) {
		_ = user.Close()
		return
	}
	work, err := d.openWork(b, user)
	if err != nil {
		// the user sees a plain close; nothing is written on a raw TCP stream
		if errors.Is(err, pool.ErrWorkConnTimeout) {
			obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		} else {
			obs.ErrorsTotal.WithLabelValues("work_conn").Inc()
		}
		obs.Error("dispatch.tcp.work", obs.Fields{"proxy": b.Name, "remote": user.RemoteAddr().String(), "err": err})
		_ = user.Close()
		return
	}
	d.serve(b, user, work)
}
