// Package tcpstack implements a standalone TCP endpoint: the RFC 793 state
// machine (spec §4.1), RFC 6298 retransmission timing (spec §4.1 "RTO
// estimation"), sliding-window flow control with zero-window persist
// probing, and out-of-order reassembly, all driven by a per-connection
// event queue processed on a single owning goroutine (spec §5.1/§9).
package tcpstack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
)

// fourTuple identifies one connection. net.IP isn't comparable as a map key
// across equal-but-differently-shaped representations (4-byte vs.
// 16-byte), so tuples are keyed on the normalized dotted string instead.
type fourTuple struct {
	localIP, remoteIP     string
	localPort, remotePort uint16
}

func newFourTuple(local, remote Endpoint) fourTuple {
	return fourTuple{
		localIP:    local.IP.String(),
		remoteIP:   remote.IP.String(),
		localPort:  local.Port,
		remotePort: remote.Port,
	}
}

// Stack is the TCP endpoint's top-level handle: it owns every live TCB and
// passive listener on a host and demultiplexes inbound segments to them by
// four-tuple, mirroring the teacher's NetStack/tcpConns/tcpListen shape.
type Stack struct {
	ip    IPWriter
	clock clock.Clock
	log   *slog.Logger
	m     *metrics.TCP

	mu        sync.Mutex
	conns     map[fourTuple]*TCB
	listeners map[uint16]*Listener
}

// NewStack creates a Stack that emits segments through ip. If c is nil, the
// real wall clock is used; tests pass a clockwork.NewFakeClock() instead to
// drive RTO/persist timing deterministically.
func NewStack(ip IPWriter, c clock.Clock, log *slog.Logger, m *metrics.TCP) *Stack {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stack{
		ip:        ip,
		clock:     c,
		log:       log,
		m:         m,
		conns:     make(map[fourTuple]*TCB),
		listeners: make(map[uint16]*Listener),
	}
}

// Listen opens a passive listener on (ip, port).
func (s *Stack) Listen(ip net.IP, port uint16) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[port]; exists {
		return nil, fmt.Errorf("tcpstack: port %d already listening", port)
	}
	l := newListener(s, ip, port)
	s.listeners[port] = l
	return l, nil
}

func (s *Stack) removeListener(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, port)
}

// Dial actively opens a connection to remote from local, blocking until the
// three-way handshake completes, ctx is done, or the connection is reset.
func (s *Stack) Dial(ctx context.Context, local, remote Endpoint) (*Conn, error) {
	key := newFourTuple(local, remote)

	s.mu.Lock()
	if _, exists := s.conns[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("tcpstack: connection %+v already exists", key)
	}
	t := newTCB(local, remote, driverSender{ip: s.ip}, s.clock, s.log, s.m)
	s.conns[key] = t
	s.mu.Unlock()

	go s.runConn(t, key)

	done := make(chan struct{})
	t.events.push(event{kind: EventAppConnect, done: done})
	<-done

	select {
	case <-ctx.Done():
		_ = (&Conn{t: t}).Close()
		return nil, ctx.Err()
	case <-t.closedCh:
		return nil, fmt.Errorf("tcpstack: connection to %s refused or reset", remote.IP)
	case <-t.establishedCh:
		return &Conn{t: t}, nil
	}
}

// runConn drains t's event queue on a single goroutine until it closes,
// then removes the TCB from the connection table.
func (s *Stack) runConn(t *TCB, key fourTuple) {
	if s.m != nil {
		s.m.ActiveConnections.Inc()
	}
	for {
		e, ok := t.events.pop()
		if !ok {
			break
		}
		t.handle(e)
		if e.kind == EventCleanup {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, key)
	s.mu.Unlock()
	if s.m != nil {
		s.m.ActiveConnections.Dec()
	}
}

// DeliverSegment is called by the IPv4 layer when an inbound packet with
// protocol 6 arrives addressed to this host. Every segment's checksum is
// checked with VerifyChecksum first; a segment that fails is dropped
// silently (nil is returned and no RST is sent).
func (s *Stack) DeliverSegment(srcIP, dstIP net.IP, wire []byte) error {
	if !VerifyChecksum(srcIP, dstIP, wire) {
		return nil
	}
	seg, err := ParseSegment(wire)
	if err != nil {
		return err
	}

	local := Endpoint{IP: dstIP, Port: seg.DstPort}
	remote := Endpoint{IP: srcIP, Port: seg.SrcPort}
	key := newFourTuple(local, remote)

	s.mu.Lock()
	t, ok := s.conns[key]
	if ok {
		s.mu.Unlock()
		t.events.push(event{kind: EventPacketArrival, segment: seg})
		return nil
	}

	if seg.SYN() && !seg.ACK() && !seg.RST() {
		l, ok := s.listeners[local.Port]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		t := newTCB(local, remote, driverSender{ip: s.ip}, s.clock, s.log, s.m)
		s.conns[key] = t
		s.mu.Unlock()

		t.acceptPassiveSYN(seg)
		go s.runConn(t, key)

		conn := &Conn{t: t}
		select {
		case l.incoming <- conn:
		case <-l.closeCh:
			_ = conn.Close()
		}
		return nil
	}
	s.mu.Unlock()
	return nil
}
