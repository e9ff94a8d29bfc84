package transport

import (
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

const (
	kcpMTU     = 1350
	kcpSndWnd  = 1024
	kcpRcvWnd  = 1024
	kcpSockBuf = 4 * 1024 * 1024
)

// tuneKCP sets the low latency profile: nodelay on, 10ms update interval, fast resend after 2
// duplicate ACKs, congestion control off.
func tuneKCP(conn *kcp.UDPSession) {
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetMtu(kcpMTU)
	conn.SetWindowSize(kcpSndWnd, kcpRcvWnd)
	conn.SetACKNoDelay(false)
	conn.SetStreamMode(true)
	_ = conn.SetReadBuffer(kcpSockBuf)
	_ = conn.SetWriteBuffer(kcpSockBuf)
}

type kcpListener struct {
	*kcp.Listener
}

// ListenKCP accepts KCP sessions on the UDP address addr.
func ListenKCP(addr string) (net.Listener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	_ = ln.SetReadBuffer(kcpSockBuf)
	_ = ln.SetWriteBuffer(kcpSockBuf)
	return &kcpListener{Listener: ln}, nil
}

func (l *kcpListener) Accept() (net.Conn, error) {
	c, err := l.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tuneKCP(c)
	return c, nil
}

// DialKCP opens a KCP session to addr.
func DialKCP(addr string) (net.Conn, error) {
	c, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	tuneKCP(c)
	return c, nil
}
