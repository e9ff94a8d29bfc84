// Package pool pairs work connections dialed back by tunnel clients with user connections waiting
// for them. Each session has a FIFO queue of waiters and a bounded queue of idle connections.
package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

var (
	ErrWorkConnTimeout = errors.New("timed out waiting for work connection")
	ErrSessionClosed   = errors.New("session closed")
	ErrUnknownSession  = errors.New("unknown session")
	ErrPoolFull        = errors.New("idle pool full")
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Requester asks the owning client to dial one more work connection. proxyName is a hint and is
// empty when the pool is only topping up idle connections. It must not block for long.
type Requester func(proxyName string) error

// WorkConn is an idle connection waiting to be claimed.
type WorkConn struct {
	Conn      net.Conn
	SessionID string
	Enqueued  time.Time
}

type result struct {
	conn net.Conn
	err  error
}

type waiter struct {
	proxy     string
	requested time.Time
	ch        chan result // buffered; receives exactly one result
}

type sessionPool struct {
	capacity  int
	idle      []*WorkConn
	waiters   []*waiter
	requester Requester
}

func (sp *sessionPool) idleLimit() int {
	if sp.capacity < 1 {
		return 1
	}
	return sp.capacity
}

// Pool is shared by every session on a server.
type Pool struct {
	mu             sync.Mutex
	sessions       map[string]*sessionPool
	requestTimeout time.Duration
	idleTimeout    time.Duration
	idleN          int
	pendingN       int
}

func New(requestTimeout, idleTimeout time.Duration) *Pool {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		sessions:       make(map[string]*sessionPool),
		requestTimeout: requestTimeout,
		idleTimeout:    idleTimeout,
	}
}

func (p *Pool) publishLocked() {
	obs.IdleWorkConns.Set(float64(p.idleN))
	obs.PendingRequests.Set(float64(p.pendingN))
}

// Open starts tracking sessionID and asks the client to prefill capacity idle connections.
func (p *Pool) Open(sessionID string, capacity int, req Requester) {
	p.mu.Lock()
	p.sessions[sessionID] = &sessionPool{capacity: capacity, requester: req}
	p.mu.Unlock()
	for i := 0; i < capacity; i++ {
		if err := req(""); err != nil {
			obs.Error("pool.prefill", obs.Fields{"session": sessionID, "err": err})
			return
		}
	}
}

// Close fails every waiter of sessionID immediately and closes its idle connections.
// It returns the number of waiters that were failed.
func (p *Pool) Close(sessionID string) int {
	p.mu.Lock()
	sp := p.sessions[sessionID]
	if sp == nil {
		p.mu.Unlock()
		return 0
	}
	delete(p.sessions, sessionID)
	waiters, idle := sp.waiters, sp.idle
	sp.waiters, sp.idle = nil, nil
	p.pendingN -= len(waiters)
	p.idleN -= len(idle)
	for _, w := range waiters {
		w.ch <- result{err: ErrSessionClosed}
	}
	p.publishLocked()
	p.mu.Unlock()
	for _, wc := range idle {
		_ = wc.Conn.Close()
	}
	return len(waiters)
}

// Request returns a work connection for sessionID, taking an idle one when available and
// otherwise asking the client to dial back and waiting in FIFO order.
func (p *Pool) Request(ctx context.Context, sessionID, proxyName string) (net.Conn, error) {
	p.mu.Lock()
	sp := p.sessions[sessionID]
	if sp == nil {
		p.mu.Unlock()
		return nil, ErrUnknownSession
	}
	if len(sp.idle) > 0 {
		wc := sp.idle[0]
		sp.idle[0] = nil
		sp.idle = sp.idle[1:]
		p.idleN--
		p.publishLocked()
		req := sp.requester
		p.mu.Unlock()
		// Keep the pool warm for the next user connection.
		if err := req(""); err != nil {
			obs.Debug("pool.replenish", obs.Fields{"session": sessionID, "err": err})
		}
		return wc.Conn, nil
	}
	w := &waiter{proxy: proxyName, requested: time.Now(), ch: make(chan result, 1)}
	sp.waiters = append(sp.waiters, w)
	p.pendingN++
	p.publishLocked()
	req := sp.requester
	p.mu.Unlock()

	if err := req(proxyName); err != nil {
		if conn, ok := p.abandon(sessionID, w); ok {
			return conn, nil
		}
		return nil, err
	}

	timer := time.NewTimer(p.requestTimeout)
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r.conn, r.err
	case <-timer.C:
		if conn, ok := p.abandon(sessionID, w); ok {
			return conn, nil
		}
		obs.TunnelTimeoutTotal.Inc()
		return nil, ErrWorkConnTimeout
	case <-ctx.Done():
		if conn, ok := p.abandon(sessionID, w); ok {
			_ = conn.Close()
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from its queue. If w was already resolved it returns that outcome instead:
// ok is true when a connection had been handed over.
func (p *Pool) abandon(sessionID string, w *waiter) (net.Conn, bool) {
	p.mu.Lock()
	if sp := p.sessions[sessionID]; sp != nil {
		for i, cur := range sp.waiters {
			if cur == w {
				sp.waiters = append(sp.waiters[:i], sp.waiters[i+1:]...)
				p.pendingN--
				p.publishLocked()
				p.mu.Unlock()
				return nil, false
			}
		}
	}
	p.mu.Unlock()
	// No longer queued: a result is already buffered.
	r := <-w.ch
	if r.err != nil {
		return nil, false
	}
	return r.conn, true
}

// Submit hands conn to the oldest waiter of sessionID or parks it as idle. On error the caller
// still owns conn and should close it.
func (p *Pool) Submit(sessionID string, conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.sessions[sessionID]
	if sp == nil {
		return ErrUnknownSession
	}
	if len(sp.waiters) > 0 {
		w := sp.waiters[0]
		sp.waiters[0] = nil
		sp.waiters = sp.waiters[1:]
		p.pendingN--
		p.publishLocked()
		w.ch <- result{conn: conn}
		return nil
	}
	if len(sp.idle) >= sp.idleLimit() {
		return ErrPoolFull
	}
	sp.idle = append(sp.idle, &WorkConn{Conn: conn, SessionID: sessionID, Enqueued: time.Now()})
	p.idleN++
	p.publishLocked()
	return nil
}

// Sweep closes idle connections that have waited longer than the idle timeout.
func (p *Pool) Sweep(now time.Time) int {
	var expired []*WorkConn
	p.mu.Lock()
	for _, sp := range p.sessions {
		kept := sp.idle[:0]
		for _, wc := range sp.idle {
			if now.Sub(wc.Enqueued) > p.idleTimeout {
				expired = append(expired, wc)
				continue
			}
			kept = append(kept, wc)
		}
		for i := len(kept); i < len(sp.idle); i++ {
			sp.idle[i] = nil
		}
		sp.idle = kept
	}
	p.idleN -= len(expired)
	p.publishLocked()
	p.mu.Unlock()
	for _, wc := range expired {
		_ = wc.Conn.Close()
	}
	return len(expired)
}

// Stats returns the number of idle connections and waiting requests across all sessions.
func (p *Pool) Stats() (idle, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleN, p.pendingN
}

// SessionStats returns idle and pending counts for one session.
func (p *Pool) SessionStats(sessionID string) (idle, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp := p.sessions[sessionID]; sp != nil {
		return len(sp.idle), len(sp.waiters)
	}
	return 0, 0
}

// RequestTimeout is how long Request waits for a work connection.
func (p *Pool) RequestTimeout() time.Duration { return p.requestTimeout }
