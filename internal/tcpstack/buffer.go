package tcpstack

import (
	"net"
	"sync"
	"time"

	"github.com/tinyrange/netlab/internal/clock"
)

// errTimeout is returned by the deadline-aware blocking helpers below when
// the deadline elapses before the buffer becomes readable/writable.
var errTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "tcpstack: i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// circularBuffer is a byte ring buffer that additionally tracks the
// absolute TCP sequence number of the byte at its logical head, so
// "peek at sequence N" and "read N contiguous bytes starting at sequence M"
// are well defined without a separate index translation layer. Both the
// send and receive buffers (spec §3.2) are this same structure used in two
// different roles.
type circularBuffer struct {
	mu      sync.Mutex
	buf     []byte
	head    int    // index of first valid byte
	size    int    // number of valid bytes currently stored
	seq     uint32 // absolute sequence number of buf[head]
	cond    *sync.Cond
	eof     bool // peer FIN received (recv side) / no more writers (send side)
	aborted bool // connection reset or force-closed; wakes blocked waiters with an error
}

func newCircularBuffer(capacity int, originSeq uint32) *circularBuffer {
	cb := &circularBuffer{
		buf: make([]byte, capacity),
		seq: originSeq,
	}
	cb.cond = sync.NewCond(&cb.mu)
	return cb
}

func (cb *circularBuffer) capacity() int {
	return len(cb.buf)
}

// free returns the number of additional bytes that can be written.
func (cb *circularBuffer) free() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buf) - cb.size
}

// len returns the number of valid bytes currently stored.
func (cb *circularBuffer) len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// originSeq returns the absolute sequence number of the oldest byte still
// held in the buffer.
func (cb *circularBuffer) originSeq() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.seq
}

// resetOrigin reassigns the sequence number of the buffer's current head.
// Only valid while the buffer is empty — it exists so a TCB can create its
// send/recv buffers before ISS/IRS are known (at construction) and then
// re-origin them once the handshake picks those numbers.
func (cb *circularBuffer) resetOrigin(seq uint32) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.size != 0 {
		panic("tcpstack: resetOrigin called on non-empty buffer")
	}
	cb.seq = seq
}

// write appends p to the buffer's tail. Returns the number of bytes
// actually written (may be less than len(p) if the buffer is full) — this
// is how Write() signals would-block/partial-write to the application
// layer (spec §7, resource exhaustion).
func (cb *circularBuffer) write(p []byte) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := len(cb.buf) - cb.size
	if n > len(p) {
		n = len(p)
	}
	tail := (cb.head + cb.size) % len(cb.buf)
	for i := 0; i < n; i++ {
		cb.buf[(tail+i)%len(cb.buf)] = p[i]
	}
	cb.size += n
	if n > 0 {
		cb.cond.Broadcast()
	}
	return n
}

// peek copies up to len(dst) bytes starting at the buffer's current head
// (without consuming them) into dst, returning how many bytes were copied.
// The transmit pump reads at SND.NXT through peekAt instead.
func (cb *circularBuffer) peek(dst []byte) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := cb.size
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.buf[(cb.head+i)%len(cb.buf)]
	}
	return n
}

// peekAt copies up to len(dst) bytes starting at absolute sequence number
// atSeq, which must lie within [originSeq, originSeq+len). Used by the
// persist probe to re-read the same byte across retries without
// re-deriving an offset by hand at every call site.
func (cb *circularBuffer) peekAt(atSeq uint32, dst []byte) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if seqLT(atSeq, cb.seq) || seqGTE(atSeq, cb.seq+uint32(cb.size)) {
		return 0
	}
	offset := int(atSeq - cb.seq)
	n := cb.size - offset
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.buf[(cb.head+offset+i)%len(cb.buf)]
	}
	return n
}

// advance discards n bytes from the head, advancing originSeq by n. Used
// when SND.UNA moves forward (bytes fully ACKed) or when RCV.NXT moves
// forward (bytes delivered to the application via read()).
func (cb *circularBuffer) advance(n int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n > cb.size {
		n = cb.size
	}
	cb.head = (cb.head + n) % len(cb.buf)
	cb.size -= n
	cb.seq += uint32(n)
	cb.cond.Broadcast()
}

// read copies up to len(dst) bytes from the head into dst and advances
// past them, for the application-facing Recv() call.
func (cb *circularBuffer) read(dst []byte) int {
	cb.mu.Lock()
	n := cb.size
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.buf[(cb.head+i)%len(cb.buf)]
	}
	cb.head = (cb.head + n) % len(cb.buf)
	cb.size -= n
	cb.seq += uint32(n)
	cb.mu.Unlock()
	return n
}

// setEOF marks the buffer as having no more bytes coming (recv side: the
// peer's FIN was processed) and wakes any blocked reader so it can observe
// a short read plus io.EOF once the remaining bytes are drained.
func (cb *circularBuffer) setEOF() {
	cb.mu.Lock()
	cb.eof = true
	cb.cond.Broadcast()
	cb.mu.Unlock()
}

// abort wakes every blocked reader/writer with an error (connection reset
// or force-closed), regardless of how much data remains.
func (cb *circularBuffer) abort() {
	cb.mu.Lock()
	cb.aborted = true
	cb.cond.Broadcast()
	cb.mu.Unlock()
}

// readWait blocks until at least one byte is available, EOF is reached, or
// the buffer is aborted, then behaves like read(). When nothing is left to
// deliver it returns (0, true) for both EOF and abort; callers use
// isAborted to tell "done" from "reset".
func (cb *circularBuffer) readWait(dst []byte) (n int, eof bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for cb.size == 0 && !cb.eof && !cb.aborted {
		cb.cond.Wait()
	}
	if cb.size == 0 {
		return 0, true
	}
	n = cb.size
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.buf[(cb.head+i)%len(cb.buf)]
	}
	cb.head = (cb.head + n) % len(cb.buf)
	cb.size -= n
	cb.seq += uint32(n)
	return n, false
}

// waitSpace blocks until the buffer has room for at least one more byte or
// it is aborted, returning false in the latter case.
func (cb *circularBuffer) waitSpace() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for len(cb.buf)-cb.size == 0 && !cb.aborted {
		cb.cond.Wait()
	}
	return !cb.aborted
}

// readWaitDeadline behaves like readWait but additionally returns
// errTimeout if deadline elapses first. A zero deadline means no timeout.
// The watcher goroutine this spawns for a non-zero deadline always exits,
// either because its timer fires or because the wait ends for another
// reason first (stop is closed either way) — unlike a bare time.After, it
// never outlives the call.
func (cb *circularBuffer) readWaitDeadline(dst []byte, clk clock.Clock, deadline time.Time) (n int, eof bool, err error) {
	if deadline.IsZero() {
		n, eof := cb.readWait(dst)
		return n, eof, nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	d := deadline.Sub(clk.Now())
	timedOut := d <= 0
	if !timedOut && cb.size == 0 && !cb.eof && !cb.aborted {
		stop := make(chan struct{})
		go func() {
			select {
			case <-clk.After(d):
				cb.mu.Lock()
				timedOut = true
				cb.cond.Broadcast()
				cb.mu.Unlock()
			case <-stop:
			}
		}()
		for cb.size == 0 && !cb.eof && !cb.aborted && !timedOut {
			cb.cond.Wait()
		}
		close(stop)
	}

	if cb.size == 0 {
		if timedOut {
			return 0, false, errTimeout
		}
		return 0, true, nil
	}
	n = cb.size
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.buf[(cb.head+i)%len(cb.buf)]
	}
	cb.head = (cb.head + n) % len(cb.buf)
	cb.size -= n
	cb.seq += uint32(n)
	return n, false, nil
}

// waitSpaceDeadline behaves like waitSpace but returns errTimeout if
// deadline elapses first.
func (cb *circularBuffer) waitSpaceDeadline(clk clock.Clock, deadline time.Time) error {
	if deadline.IsZero() {
		if !cb.waitSpace() {
			return net.ErrClosed
		}
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	d := deadline.Sub(clk.Now())
	if d <= 0 {
		return errTimeout
	}
	if len(cb.buf)-cb.size > 0 || cb.aborted {
		if cb.aborted {
			return net.ErrClosed
		}
		return nil
	}

	timedOut := false
	stop := make(chan struct{})
	go func() {
		select {
		case <-clk.After(d):
			cb.mu.Lock()
			timedOut = true
			cb.cond.Broadcast()
			cb.mu.Unlock()
		case <-stop:
		}
	}()
	for len(cb.buf)-cb.size == 0 && !cb.aborted && !timedOut {
		cb.cond.Wait()
	}
	close(stop)

	switch {
	case cb.aborted:
		return net.ErrClosed
	case timedOut && len(cb.buf)-cb.size == 0:
		return errTimeout
	default:
		return nil
	}
}

// isAborted reports whether abort() has been called.
func (cb *circularBuffer) isAborted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.aborted
}

// writeAt writes p starting at absolute sequence atSeq, used by in-order
// segment delivery (spec §4.1 step 5) where the segment's SEQ is already
// known to equal RCV.NXT, the buffer's tail (cb.seq+size). It is
// equivalent to write(p) in that
// case; the explicit seq parameter exists to make call sites self-documenting
// and to guard against silently writing at the wrong offset.
func (cb *circularBuffer) writeAt(atSeq uint32, p []byte) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if atSeq != cb.seq+uint32(cb.size) {
		// Only appends at the current tail are supported; out-of-order
		// bytes are held in the reassembly list until contiguous.
		return 0
	}
	n := len(cb.buf) - cb.size
	if n > len(p) {
		n = len(p)
	}
	tail := (cb.head + cb.size) % len(cb.buf)
	for i := 0; i < n; i++ {
		cb.buf[(tail+i)%len(cb.buf)] = p[i]
	}
	cb.size += n
	if n > 0 {
		cb.cond.Broadcast()
	}
	return n
}
