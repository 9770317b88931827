package forward

import (
	"net"
	"sync/atomic"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// idleConn pushes the connection deadline forward on every read and write,
// so a side fails with os.ErrDeadlineExceeded after timeout of inactivity.
// A zero timeout disables the deadline.
type idleConn struct {
	net.Conn
	timeout atomic.Int64
}

func newIdleConn(c net.Conn, timeout time.Duration) *idleConn {
	ic := &idleConn{Conn: c}
	ic.timeout.Store(int64(timeout))
	return ic
}

func (c *idleConn) extend() {
	if t := time.Duration(c.timeout.Load()); t > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(t))
	}
}

// arm starts an idle deadline on a side that had none, covering an
// operation that may already be blocked.
func (c *idleConn) arm(timeout time.Duration) {
	if timeout > 0 && c.timeout.CompareAndSwap(0, int64(timeout)) {
		c.extend()
	}
}

func (c *idleConn) Read(b []byte) (int, error) {
	c.extend()
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	c.extend()
	return c.Conn.Write(b)
}

// CloseWrite shuts down the sending direction, or closes the connection
// when the transport has no half-close.
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
