package client

import (
	"net"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
)

const (
	udpIdleTimeout = 60 * time.Second
	udpBufSize     = 64 * 1024
)

// udpRelay fans datagrams from one work connection out to per-peer sockets on the local
// service and frames the replies back.
type udpRelay struct {
	p    config.ProxyConfig
	work net.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	peers   map[string]*net.UDPConn
}

func relayUDP(p config.ProxyConfig, work net.Conn) {
	r := &udpRelay{p: p, work: work, peers: make(map[string]*net.UDPConn)}
	defer r.close()
	local, err := net.ResolveUDPAddr("udp", p.LocalAddr())
	if err != nil {
		obs.Error("client.udp.resolve", obs.Fields{"proxy": p.Name, "err": err})
		return
	}
	for {
		m, err := proto.ReadMsgLimit(work, proto.MaxUDPFrame)
		if err != nil {
			return
		}
		pkt, ok := m.(*proto.UDPPacket)
		if !ok {
			obs.Error("client.udp.frame", obs.Fields{"proxy": p.Name})
			return
		}
		conn, err := r.peer(pkt.RemoteAddr, local)
		if err != nil {
			obs.Error("client.udp.dial", obs.Fields{"proxy": p.Name, "err": err})
			continue
		}
		_, _ = conn.Write(pkt.Content)
	}
}

// peer returns the local socket for remote, creating it and its reply pump on first use.
func (r *udpRelay) peer(remote string, local *net.UDPAddr) (*net.UDPConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.peers[remote]; c != nil {
		return c, nil
	}
	c, err := net.DialUDP("udp", nil, local)
	if err != nil {
		return nil, err
	}
	r.peers[remote] = c
	go r.replies(remote, c)
	return c, nil
}

func (r *udpRelay) replies(remote string, c *net.UDPConn) {
	defer func() {
		r.mu.Lock()
		if r.peers[remote] == c {
			delete(r.peers, remote)
		}
		r.mu.Unlock()
		_ = c.Close()
	}()
	buf := make([]byte, udpBufSize)
	for {
		_ = c.SetReadDeadline(time.Now().Add(udpIdleTimeout))
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		pkt := &proto.UDPPacket{Content: append([]byte(nil), buf[:n]...), RemoteAddr: remote}
		r.writeMu.Lock()
		_ = r.work.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = proto.WriteMsg(r.work, pkt)
		r.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (r *udpRelay) close() {
	_ = r.work.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for remote, c := range r.peers {
		_ = c.Close()
		delete(r.peers, remote)
	}
}
