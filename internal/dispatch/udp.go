package dispatch

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/registry"
)

const (
	udpQueue      = 256
	udpBufSize    = 64 * 1024
	udpRetryDelay = time.Second
)

// udpProxy relays datagrams of one binding over a single work connection, replacing the work
// connection whenever it drops.
type udpProxy struct {
	d       *Dispatcher
	b       *registry.Binding
	pc      *net.UDPConn
	packets chan *proto.UDPPacket
	done    chan struct{}
	once    sync.Once
}

func (u *udpProxy) Close() error {
	u.once.Do(func() { close(u.done) })
	return u.pc.Close()
}

// StartUDP binds b.RemotePort/udp and serves b until Stop(b.Name).
func (d *Dispatcher) StartUDP(b *registry.Binding) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.opts.ProxyBindAddr, strconv.Itoa(b.RemotePort)))
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &udpProxy{d: d, b: b, pc: pc, packets: make(chan *proto.UDPPacket, udpQueue), done: make(chan struct{})}
	if _, err := d.addProxy(b, u); err != nil {
		_ = pc.Close()
		return nil, err
	}
	obs.Info("dispatch.udp.listen", obs.Fields{"proxy": b.Name, "addr": pc.LocalAddr().String(), "session": b.SessionID})
	go u.readLoop()
	go u.workLoop()
	return pc.LocalAddr(), nil
}

func (u *udpProxy) readLoop() {
	buf := make([]byte, udpBufSize)
	for {
		n, from, err := u.pc.ReadFromUDP(buf)
		if err != nil {
			_ = u.Close()
			return
		}
		pkt := &proto.UDPPacket{Content: append([]byte(nil), buf[:n]...), RemoteAddr: from.String()}
		select {
		case u.packets <- pkt:
			obs.TrafficBytesTotal.WithLabelValues(u.b.Name, "in").Add(float64(n))
		default:
			obs.ErrorsTotal.WithLabelValues("udp_drop").Inc()
		}
	}
}

func (u *udpProxy) workLoop() {
	for {
		select {
		case <-u.done:
			return
		default:
		}
		work, err := u.d.openWork(u.b, udpAddrConn{u.pc})
		if err != nil {
			obs.Error("dispatch.udp.work", obs.Fields{"proxy": u.b.Name, "err": err})
			select {
			case <-u.done:
				return
			case <-time.After(udpRetryDelay):
			}
			continue
		}
		release, ok := u.d.track(u.b.Name, work)
		if !ok {
			_ = work.Close()
			return
		}
		u.relay(work)
		release()
	}
}

// relay pumps packets both ways over work until it fails or the proxy stops.
func (u *udpProxy) relay(work net.Conn) {
	defer work.Close()
	failed := make(chan struct{})
	go func() {
		defer close(failed)
		for {
			m, err := proto.ReadMsgLimit(work, proto.MaxUDPFrame)
			if err != nil {
				return
			}
			pkt, ok := m.(*proto.UDPPacket)
			if !ok {
				obs.ErrorsTotal.WithLabelValues("udp_frame").Inc()
				return
			}
			to, err := net.ResolveUDPAddr("udp", pkt.RemoteAddr)
			if err != nil {
				continue
			}
			if n, err := u.pc.WriteToUDP(pkt.Content, to); err == nil {
				obs.TrafficBytesTotal.WithLabelValues(u.b.Name, "out").Add(float64(n))
			}
		}
	}()
	for {
		select {
		case <-u.done:
			return
		case <-failed:
			return
		case pkt := <-u.packets:
			_ = work.SetWriteDeadline(time.Now().Add(workWriteTimeout))
			if err := proto.WriteMsg(work, pkt); err != nil {
				return
			}
		}
	}
}

// udpAddrConn gives openWork the addresses of a packet socket.
type udpAddrConn struct{ *net.UDPConn }

func (c udpAddrConn) RemoteAddr() net.Addr { return c.UDPConn.LocalAddr() }
