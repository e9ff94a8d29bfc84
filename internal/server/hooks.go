package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/backhaul/internal/control"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/vhost"
)

// auto-picked ports can still lose a race against another server sharing the claim store
const pickAttempts = 5

var (
	ErrUnknownProxyType = errors.New("unknown proxy type")
	ErrVhostDisabled    = errors.New("vhost port not configured")
	ErrTooManyPorts     = errors.New("port limit per client reached")
)

// sessionHooks applies control frames to the shared server state.
type sessionHooks struct{ *Service }

func (h sessionHooks) OnLogin(sess *control.Session) {
	if old := h.sessions.Add(sess); old != nil {
		obs.Warn("control.replaced", obs.Fields{"run_id": sess.RunID(), "old": old.ID(), "new": sess.ID()})
		old.Close(control.ErrReplaced)
	}
	h.pool.Open(sess.ID(), sess.PoolCount(), sess.RequestWorkConn)
	// a Close that raced the login has already run OnClose; repeat the cleanup
	if sess.Err() != nil {
		h.cleanup(sess)
	}
}

func (h sessionHooks) OnNewProxy(ctx context.Context, sess *control.Session, m *proto.NewProxy) (string, error) {
	if m.ProxyName == "" {
		return "", errors.New("empty proxy name")
	}
	if h.closing.Load() {
		return "", errors.New("server shutting down")
	}
	b := &registry.Binding{
		Name:           m.ProxyName,
		Type:           m.ProxyType,
		SessionID:      sess.ID(),
		UseCompression: m.UseCompression,
		BandwidthLimit: m.BandwidthLimit,
		Created:        time.Now(),
	}
	var (
		addr string
		err  error
	)
	switch m.ProxyType {
	case proto.ProxyTCP, proto.ProxyUDP:
		addr, err = h.startPortProxy(ctx, b, m.RemotePort)
	case proto.ProxyHTTP, proto.ProxyHTTPS:
		addr, err = h.attachVhost(ctx, b, m)
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownProxyType, m.ProxyType)
	}
	if err != nil {
		return "", err
	}
	// OnClose may have run while the proxy was starting; its cleanup did not see this binding
	if sess.Err() != nil {
		_, _ = h.registry.UnregisterOwned(ctx, b.Name, sess.ID())
		h.dispatch.StopBinding(b)
		return "", control.ErrSessionClosed
	}
	return addr, nil
}

func (h sessionHooks) startPortProxy(ctx context.Context, b *registry.Binding, port int) (string, error) {
	if limit := h.cfg.MaxPortsPerClient; limit > 0 {
		n := 0
		for _, other := range h.registry.BySession(b.SessionID) {
			if other.Type == proto.ProxyTCP || other.Type == proto.ProxyUDP {
				n++
			}
		}
		if n >= limit {
			return "", ErrTooManyPorts
		}
	}
	pm, target, start := h.tcpPorts, registry.TCPTarget, h.dispatch.StartTCP
	if b.Type == proto.ProxyUDP {
		pm, target, start = h.udpPorts, registry.UDPTarget, h.dispatch.StartUDP
	}

	if port != 0 {
		if err := pm.Check(port); err != nil {
			return "", err
		}
		b.RemotePort, b.Targets = port, []string{target(port)}
		if err := h.registry.Register(ctx, b); err != nil {
			return "", err
		}
	} else {
		var err error
		for i := 0; i < pickAttempts; i++ {
			port, err = pm.Pick(func(p int) bool { return h.registry.TargetInUse(target(p)) })
			if err != nil {
				return "", err
			}
			b.RemotePort, b.Targets = port, []string{target(port)}
			if err = h.registry.Register(ctx, b); !errors.Is(err, registry.ErrBindConflict) {
				break
			}
		}
		if err != nil {
			return "", err
		}
	}

	addr, err := start(b)
	if err != nil {
		h.registry.Unregister(ctx, b.Name)
		obs.Error("proxy.listen", obs.Fields{"proxy": b.Name, "port": b.RemotePort, "err": err})
		return "", fmt.Errorf("listen on port %d: %w", b.RemotePort, err)
	}
	_, p, _ := net.SplitHostPort(addr.String())
	return ":" + p, nil
}

func (h sessionHooks) attachVhost(ctx context.Context, b *registry.Binding, m *proto.NewProxy) (string, error) {
	port := h.cfg.VhostHTTPPort
	if m.ProxyType == proto.ProxyHTTPS {
		port = h.cfg.VhostHTTPSPort
	}
	if port <= 0 {
		return "", fmt.Errorf("%w for %s", ErrVhostDisabled, m.ProxyType)
	}
	domains, err := vhost.Domains(m.CustomDomains, m.SubDomain, h.cfg.SubDomainHost)
	if err != nil {
		return "", err
	}
	b.Domains = domains
	for _, d := range domains {
		b.Targets = append(b.Targets, registry.HostTarget(m.ProxyType, d))
	}
	if err := h.registry.Register(ctx, b); err != nil {
		return "", err
	}
	if err := h.dispatch.Attach(b); err != nil {
		h.registry.Unregister(ctx, b.Name)
		return "", err
	}
	addrs := make([]string, len(domains))
	for i, d := range domains {
		addrs[i] = d
		if port != 80 && port != 443 {
			addrs[i] = net.JoinHostPort(d, strconv.Itoa(port))
		}
	}
	return strings.Join(addrs, ","), nil
}

func (h sessionHooks) OnCloseProxy(ctx context.Context, sess *control.Session, name string) error {
	if _, err := h.registry.UnregisterOwned(ctx, name, sess.ID()); err != nil {
		return err
	}
	h.dispatch.Stop(name)
	return nil
}

func (h sessionHooks) OnClose(sess *control.Session, reason error) {
	h.cleanup(sess)
	if errors.Is(reason, control.ErrHeartbeatTimeout) {
		obs.Info("control.evicted", obs.Fields{"session": sess.ID(), "run_id": sess.RunID()})
	}
}

// cleanup releases everything a session held. It is safe to repeat.
func (s *Service) cleanup(sess *control.Session) {
	s.sessions.Remove(sess)
	if n := s.pool.Close(sess.ID()); n > 0 {
		obs.Debug("pool.waiters.failed", obs.Fields{"session": sess.ID(), "count": n})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, b := range s.registry.UnregisterSession(ctx, sess.ID()) {
		s.dispatch.Stop(b.Name)
		obs.Info("proxy.released", obs.Fields{"proxy": b.Name, "session": sess.ID()})
	}
}
