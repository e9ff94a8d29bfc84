// Package dispatch accepts user connections on behalf of registered proxies and splices each one
// onto a work connection from the owning client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/transport"
	"golang.org/x/time/rate"
)

var (
	ErrClosing       = errors.New("dispatcher shutting down")
	ErrAlreadyActive = errors.New("proxy already has a listener")
	ErrRateLimited   = errors.New("connection rate exceeded")
)

const (
	workWriteTimeout = 10 * time.Second
	// an idle work conn can be dead without us knowing; retry with a fresh one
	startAttempts = 3
)

// WorkConnSource hands out work connections for a session.
type WorkConnSource interface {
	Request(ctx context.Context, sessionID, proxyName string) (net.Conn, error)
}

type Options struct {
	ProxyBindAddr string
	// ConnRate limits new user connections per proxy per second; 0 disables it.
	ConnRate      float64
	RateBurst     int
	MaxHeaderSize int
	AddXFF        bool
	// VhostTimeout bounds reading the HTTP head or TLS ClientHello.
	VhostTimeout time.Duration
	// SubDomainHost lets 404 pages name the free subdomain; routing uses registered targets.
	SubDomainHost string
}

// proxy is the running state behind one binding.
type proxy struct {
	binding *registry.Binding
	ln      io.Closer
	bw      *rate.Limiter
	conns   map[net.Conn]struct{}
}

// Dispatcher owns per-proxy listeners and every spliced connection.
type Dispatcher struct {
	opts     Options
	work     WorkConnSource
	registry *registry.Registry
	limiter  *ratelimit.RateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	proxies map[string]*proxy
	loose   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func New(work WorkConnSource, reg *registry.Registry, opts Options) *Dispatcher {
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = 32 * 1024
	}
	if opts.VhostTimeout <= 0 {
		opts.VhostTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:     opts,
		work:     work,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		proxies:  make(map[string]*proxy),
		loose:    make(map[net.Conn]struct{}),
	}
	if opts.ConnRate > 0 {
		d.limiter = ratelimit.NewRateLimiter(0, opts.ConnRate, opts.RateBurst)
	}
	return d
}

// addProxy reserves the running state for b.
func (d *Dispatcher) addProxy(b *registry.Binding, ln io.Closer) (*proxy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil, ErrClosing
	}
	if _, ok := d.proxies[b.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, b.Name)
	}
	p := &proxy{binding: b, ln: ln, bw: ratelimit.NewBandwidth(b.BandwidthLimit), conns: make(map[net.Conn]struct{})}
	d.proxies[b.Name] = p
	return p, nil
}

// Attach prepares a vhost binding, which shares the HTTP or HTTPS listener.
func (d *Dispatcher) Attach(b *registry.Binding) error {
	_, err := d.addProxy(b, nil)
	return err
}

// Stop closes the listener of name and every connection it is carrying.
func (d *Dispatcher) Stop(name string) {
	d.stop(name, nil)
}

// StopBinding is Stop limited to the running state created for b, so a newer binding of the
// same name is left alone.
func (d *Dispatcher) StopBinding(b *registry.Binding) {
	d.stop(b.Name, b)
}

func (d *Dispatcher) stop(name string, only *registry.Binding) {
	d.mu.Lock()
	p := d.proxies[name]
	if p != nil && only != nil && p.binding != only {
		p = nil
	}
	if p != nil {
		delete(d.proxies, name)
	}
	var conns []net.Conn
	if p != nil {
		for c := range p.conns {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()
	if p == nil {
		return
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	if d.limiter != nil {
		d.limiter.Forget(name)
	}
	obs.Info("dispatch.stopped", obs.Fields{"proxy": name, "conns": len(conns)})
}

// Active reports whether name has running state.
func (d *Dispatcher) Active(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.proxies[name]
	return ok
}

// Conns returns the number of connections currently being carried.
func (d *Dispatcher) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.loose)
	for _, p := range d.proxies {
		n += len(p.conns)
	}
	return n
}

// track registers conns under name so Stop and Shutdown can close them. It returns a release
// func, or false when the dispatcher or proxy is gone.
func (d *Dispatcher) track(name string, conns ...net.Conn) (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil, false
	}
	set := d.loose
	if name != "" {
		p := d.proxies[name]
		if p == nil {
			return nil, false
		}
		set = p.conns
	}
	for _, c := range conns {
		set[c] = struct{}{}
	}
	d.wg.Add(1)
	return func() {
		d.mu.Lock()
		for _, c := range conns {
			delete(set, c)
		}
		d.mu.Unlock()
		d.wg.Done()
	}, true
}

func (d *Dispatcher) bandwidth(name string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.proxies[name]; p != nil {
		return p.bw
	}
	return nil
}

func (d *Dispatcher) allow(name string) bool {
	if d.limiter.Allow(name) {
		return true
	}
	obs.ErrorsTotal.WithLabelValues("conn_rate").Inc()
	return false
}

// openWork fetches a work connection for b and announces the user connection on it.
func (d *Dispatcher) openWork(b *registry.Binding, user net.Conn) (net.Conn, error) {
	msg := &proto.StartWorkConn{
		ProxyName: b.Name,
		SrcAddr:   user.RemoteAddr().String(),
		DstAddr:   user.LocalAddr().String(),
	}
	var lastErr error
	for i := 0; i < startAttempts; i++ {
		work, err := d.work.Request(d.ctx, b.SessionID, b.Name)
		if err != nil {
			return nil, err
		}
		_ = work.SetWriteDeadline(time.Now().Add(workWriteTimeout))
		if err := proto.WriteMsg(work, msg); err != nil {
			_ = work.Close()
			lastErr = err
			obs.Debug("dispatch.work.stale", obs.Fields{"proxy": b.Name, "err": err})
			continue
		}
		_ = work.SetWriteDeadline(time.Time{})
		if b.UseCompression {
			work = transport.Compress(work)
		}
		return work, nil
	}
	return nil, fmt.Errorf("start work conn: %w", lastErr)
}

// serve splices user onto work under b's accounting. It owns both conns.
func (d *Dispatcher) serve(b *registry.Binding, user, work net.Conn) {
	release, ok := d.track(b.Name, user, work)
	if !ok {
		_ = user.Close()
		_ = work.Close()
		return
	}
	defer release()
	splice(b.Name, user, work, d.bandwidth(b.Name))
}

// Shutdown stops every listener, waits for carried connections to finish until ctx ends, then
// closes what is left.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	var lns []io.Closer
	for _, p := range d.proxies {
		if p.ln != nil {
			lns = append(lns, p.ln)
		}
	}
	d.mu.Unlock()
	for _, ln := range lns {
		_ = ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
	}

	d.cancel()
	d.mu.Lock()
	var conns []net.Conn
	for c := range d.loose {
		conns = append(conns, c)
	}
	for _, p := range d.proxies {
		for c := range p.conns {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()
	obs.Info("dispatch.shutdown.force", obs.Fields{"conns": len(conns)})
	for _, c := range conns {
		_ = c.Close()
	}
	<-drained
	return ctx.Err()
}

// acceptLoop runs handle for every connection accepted from ln until it is closed.
func acceptLoop(ln net.Listener, event string, handle func(net.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error(event+".temp", obs.Fields{"err": err})
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				obs.Error(event, obs.Fields{"err": err})
			}
			return
		}
		go handle(c)
	}
}
