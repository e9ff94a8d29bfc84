package transport

import (
	"net"
	"sync"

	"github.com/golang/snappy"
)

// snappyConn compresses a work connection's payload in both directions. Each Write is flushed so
// interactive traffic is not held back.
type snappyConn struct {
	net.Conn
	reader *snappy.Reader
	mu     sync.Mutex
	writer *snappy.Writer
}

// Compress wraps conn with snappy framing. Both peers must wrap at the same point in the stream.
func Compress(conn net.Conn) net.Conn {
	return &snappyConn{
		Conn:   conn,
		reader: snappy.NewReader(conn),
		writer: snappy.NewBufferedWriter(conn),
	}
}

func (c *snappyConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

func (c *snappyConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.writer.Write(p)
	if err == nil {
		err = c.writer.Flush()
	}
	return n, err
}

func (c *snappyConn) Close() error {
	c.mu.Lock()
	_ = c.writer.Flush()
	c.mu.Unlock()
	return c.Conn.Close()
}

// CloseWrite forwards a half close when the underlying connection supports it.
func (c *snappyConn) CloseWrite() error {
	c.mu.Lock()
	_ = c.writer.Flush()
	c.mu.Unlock()
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
