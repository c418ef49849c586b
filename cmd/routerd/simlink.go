package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tinyrange/netlab/internal/pcap"
)

// simLink is one interface's connection to the frame simulator: a Unix
// domain socket carrying length-prefixed Ethernet frames (4-byte
// big-endian length, then that many raw bytes). This is the "simulator
// socket" spec §6.4 names without specifying a wire format; length-prefixed
// framing is the simplest way to carry variable-length Ethernet frames over
// a byte-stream socket.
type simLink struct {
	name string
	conn net.Conn

	writeMu sync.Mutex
}

func dialSimLink(name, socketPath string) (*simLink, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("routerd: dial simulator socket for %s: %w", name, err)
	}
	return &simLink{name: name, conn: conn}, nil
}

// WriteFrame implements router.FrameWriter for the interface this link
// serves. The Router calls this with the interface name it resolved the
// frame to; simLink ignores the iface argument because each simLink is
// already bound one-to-one with its interface's socket.
func (l *simLink) WriteFrame(iface string, frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := l.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("routerd: write frame length on %s: %w", l.name, err)
	}
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("routerd: write frame body on %s: %w", l.name, err)
	}
	return nil
}

// readLoop blocks reading frames off the link and invokes deliver for
// each, until the connection closes.
func (l *simLink) readLoop(deliver func(iface string, frame []byte) error) error {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(l.conn, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("routerd: read frame length on %s: %w", l.name, err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(l.conn, frame); err != nil {
			return fmt.Errorf("routerd: read frame body on %s: %w", l.name, err)
		}
		if err := deliver(l.name, frame); err != nil {
			return err
		}
	}
}

// multiLink fans WriteFrame out to whichever simLink owns the named
// interface, implementing router.FrameWriter for the whole Router (which
// addresses frames by interface name, not by link).
type multiLink struct {
	links map[string]*simLink

	capMu sync.Mutex
	cap   *pcap.Writer
}

func (m *multiLink) WriteFrame(iface string, frame []byte) error {
	l, ok := m.links[iface]
	if !ok {
		return fmt.Errorf("routerd: no simulator link for interface %q", iface)
	}
	m.capture(frame)
	return l.WriteFrame(iface, frame)
}

// setCapture installs a pcap writer that tees every frame crossing the
// router, in either direction, onto w. A nil w (the default) disables
// capture entirely at no cost beyond the mutex check.
func (m *multiLink) setCapture(w *pcap.Writer) {
	m.capMu.Lock()
	defer m.capMu.Unlock()
	m.cap = w
}

func (m *multiLink) capture(frame []byte) {
	m.capMu.Lock()
	w := m.cap
	m.capMu.Unlock()
	if w == nil {
		return
	}
	ci := pcap.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
	// Capture is a debugging aid; a write failure here must not interrupt
	// packet forwarding, so errors are silently dropped.
	_ = w.WritePacket(ci, frame)
}
