package transport

import (
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

func muxConfig(keepAlive time.Duration) *yamux.Config {
	cfg := yamux.DefaultConfig()
	if keepAlive > 0 {
		cfg.KeepAliveInterval = keepAlive
	}
	cfg.LogOutput = io.Discard
	return cfg
}

// ServeMux runs a yamux server session over conn and calls handle for every stream the client
// opens. It returns when the session ends.
func ServeMux(conn net.Conn, keepAlive time.Duration, handle func(net.Conn)) error {
	sess, err := yamux.Server(conn, muxConfig(keepAlive))
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer sess.Close()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return err
		}
		go handle(stream)
	}
}

// NewMuxClient starts the client side of a yamux session over conn.
func NewMuxClient(conn net.Conn, keepAlive time.Duration) (*yamux.Session, error) {
	return yamux.Client(conn, muxConfig(keepAlive))
}
