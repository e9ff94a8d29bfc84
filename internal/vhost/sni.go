package vhost

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

var ErrNoSNI = errors.New("client hello without server name")

// errHelloRead aborts the handshake once the ClientHello has been inspected.
var errHelloRead = errors.New("client hello read")

// recordingConn lets crypto/tls read from the user connection while keeping a copy of every
// byte, and refuses all writes so no handshake bytes leave the server.
type recordingConn struct {
	net.Conn
	rec bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.rec.Write(p[:n])
	return n, err
}

func (c *recordingConn) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// ReadSNI reads the TLS ClientHello from conn without terminating TLS. It returns the
// requested server name and a conn that replays the consumed bytes before reading on.
func ReadSNI(conn net.Conn, timeout time.Duration) (string, net.Conn, error) {
	rc := &recordingConn{Conn: conn}
	var hello *tls.ClientHelloInfo
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	err := tls.Server(rc, &tls.Config{
		GetConfigForClient: func(h *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = h
			return nil, errHelloRead
		},
	}).Handshake()
	replay := &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(rc.rec.Bytes()), conn)}
	if hello == nil {
		if err == nil {
			err = errors.New("tls handshake ended without client hello")
		}
		return "", replay, err
	}
	if hello.ServerName == "" {
		return "", replay, ErrNoSNI
	}
	return hello.ServerName, replay, nil
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }
