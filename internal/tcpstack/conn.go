package tcpstack

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Addr is the net.Addr implementation returned by Conn and Listener.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a *Addr) Network() string { return "tcp" }
func (a *Addr) String() string  { return net.JoinHostPort(a.IP.String(), itoa(int(a.Port))) }

func itoa(v int) string { return strconv.Itoa(v) }

// Conn is a single TCP connection's application-facing handle: a net.Conn
// over a *TCB, matching the teacher's tcpConn shape but backed by the
// event-driven state machine instead of direct field mutation from the
// packet-handling goroutine.
type Conn struct {
	t *TCB

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

// Read blocks until application data is available, the peer's FIN has been
// processed and the receive buffer is drained (io.EOF), the connection is
// aborted, or the read deadline elapses.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	dl := c.readDeadline
	c.mu.Unlock()

	n, eof, err := c.t.recvBuf.readWaitDeadline(b, c.t.clock, dl)
	if n > 0 {
		if c.t.m != nil {
			c.t.m.BytesReceived.Add(float64(n))
		}
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	if c.t.recvBuf.isAborted() {
		return 0, net.ErrClosed
	}
	if eof {
		return 0, io.EOF
	}
	return 0, nil
}

// Write hands b to the send buffer in chunks gated by the buffer's free
// space, posting one EventAppSend per chunk so the transmit pump (spec
// §4.1 step 4) runs on the TCB's owning goroutine rather than this caller's.
func (c *Conn) Write(b []byte) (int, error) {
	t := c.t
	c.mu.Lock()
	dl := c.writeDeadline
	c.mu.Unlock()

	total := 0
	for total < len(b) {
		if err := t.sendBuf.waitSpaceDeadline(t.clock, dl); err != nil {
			return total, err
		}
		free := t.sendBuf.free()
		if free <= 0 {
			continue
		}
		n := len(b) - total
		if n > free {
			n = free
		}
		chunk := append([]byte(nil), b[total:total+n]...)
		done := make(chan struct{})
		t.events.push(event{kind: EventAppSend, data: chunk, done: done})
		<-done
		total += n
	}
	return total, nil
}

// Close initiates a graceful close (spec §4.1 "Close") and blocks until the
// connection has reached CLOSED.
func (c *Conn) Close() error {
	t := c.t
	done := make(chan struct{})
	t.events.push(event{kind: EventAppClose, done: done})
	<-done
	<-t.closedCh
	return nil
}

// LocalAddr returns this connection's local endpoint.
func (c *Conn) LocalAddr() net.Addr { return &Addr{IP: c.t.local.IP, Port: c.t.local.Port} }

// RemoteAddr returns this connection's peer endpoint.
func (c *Conn) RemoteAddr() net.Addr { return &Addr{IP: c.t.remote.IP, Port: c.t.remote.Port} }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
