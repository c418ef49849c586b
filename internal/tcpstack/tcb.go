package tcpstack

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
	"github.com/tinyrange/netlab/internal/timer"
)

// ConnState is the connection state per RFC 793 §3.2 (spec §3.2).
type ConnState int

const (
	StateClosed ConnState = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is an (IP, port) pair identifying one side of a connection.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Sender is the network-facing collaborator a TCB uses to emit segments.
// driverSender (driver.go) implements this for a Stack; the state machine
// never touches a socket or an Ethernet frame directly, keeping §4.1's
// transition logic a pure function of (state, event) plus this one
// narrow side-effect port, per spec §9's "pure function, I/O performed by
// the driver" guidance.
type Sender interface {
	SendSegment(local, remote Endpoint, seg Segment) error
}

// probe tracks the single outstanding zero-window persist probe (spec
// §3.2: "at most one outstanding").
type probe struct {
	active bool
	seq    uint32 // sequence number of the probed byte
}

const (
	timerRTX = 0
	timerPST = 1
)

// TCB is the Transmission Control Block: all per-connection state named in
// spec §3.2.
type TCB struct {
	local, remote Endpoint

	state ConnState

	iss uint32
	irs uint32

	sndUna uint32
	sndNxt uint32
	sndWnd uint32

	rcvNxt uint32
	rcvWnd uint32

	sendBuf *circularBuffer
	recvBuf *circularBuffer

	rtx   retransmitQueue
	ooo   reassemblyList
	rtt   *rttEstimator
	probe probe

	closing   bool
	finQueued bool

	timers    *timer.MultiTimer
	rtxArmed  bool
	pstArmed  bool

	clock  clock.Clock
	sender Sender
	log    *slog.Logger
	m      *metrics.TCP

	events *eventQueue

	closedCh      chan struct{} // closed exactly once, when CLOSED is reached
	establishedCh chan struct{} // closed exactly once, when ESTABLISHED is first reached
}

// Buffer capacities must fit in the 16-bit window field (spec §6.1): a
// capacity of 65536 would wrap to an advertised window of 0 on every
// segment.
const (
	defaultSendBufCap = 32 * 1024
	defaultRecvBufCap = 32 * 1024
)

func newTCB(local, remote Endpoint, sender Sender, c clock.Clock, log *slog.Logger, m *metrics.TCP) *TCB {
	if c == nil {
		c = clock.Real()
	}
	t := &TCB{
		local:         local,
		remote:        remote,
		state:         StateClosed,
		sendBuf:       newCircularBuffer(defaultSendBufCap, 0),
		recvBuf:       newCircularBuffer(defaultRecvBufCap, 0),
		rtt:           newRTTEstimator(),
		sender:        sender,
		clock:         c,
		log:           log,
		m:             m,
		events:        newEventQueue(),
		closedCh:      make(chan struct{}),
		establishedCh: make(chan struct{}),
	}
	t.timers = timer.New(2, c)
	return t
}

// armRTX arms the retransmission timer for the estimator's current RTO if
// it is not already armed. Invariant (spec §3.2): the RTX timer is armed
// iff the retransmission queue is non-empty.
func (t *TCB) armRTX() {
	if t.rtxArmed {
		return
	}
	if err := t.timers.Arm(timerRTX, "RETRANSMISSION", t.rtt.currentRTO(), t.onTimerFire, EventTimeoutRTX); err != nil {
		if !errors.Is(err, timer.ErrAlreadyArmed) {
			t.log.Error("tcp: arm rtx timer", "err", err)
			return
		}
		// The slot is still active (a timeout handled before the
		// multi-timer cleared it): restart it for a fresh RTO.
		if err := t.timers.Reset(timerRTX, t.rtt.currentRTO()); err != nil {
			t.log.Error("tcp: reset rtx timer", "err", err)
			return
		}
	}
	t.rtxArmed = true
}

func (t *TCB) resetRTX() {
	if !t.rtxArmed {
		t.armRTX()
		return
	}
	if err := t.timers.Reset(timerRTX, t.rtt.currentRTO()); err != nil {
		t.log.Error("tcp: reset rtx timer", "err", err)
	}
}

func (t *TCB) cancelRTX() {
	if !t.rtxArmed {
		return
	}
	if err := t.timers.Cancel(timerRTX); err != nil {
		t.log.Error("tcp: cancel rtx timer", "err", err)
	}
	t.rtxArmed = false
}

func (t *TCB) armPST() {
	if t.pstArmed {
		return
	}
	if err := t.timers.Arm(timerPST, "PERSIST", t.rtt.currentRTO(), t.onTimerFire, EventTimeoutPST); err != nil {
		if !errors.Is(err, timer.ErrAlreadyArmed) {
			t.log.Error("tcp: arm persist timer", "err", err)
			return
		}
		// The slot is still active (a timeout handled before the
		// multi-timer cleared it): restart it for a fresh RTO.
		if err := t.timers.Reset(timerPST, t.rtt.currentRTO()); err != nil {
			t.log.Error("tcp: reset persist timer", "err", err)
			return
		}
	}
	t.pstArmed = true
}

func (t *TCB) cancelPST() {
	if !t.pstArmed {
		return
	}
	if err := t.timers.Cancel(timerPST); err != nil {
		t.log.Error("tcp: cancel persist timer", "err", err)
	}
	t.pstArmed = false
	t.probe = probe{}
}

// onTimerFire is the MultiTimer.Callback for both the RTX and PST timers:
// per spec §5.1, "the timer callback enqueues a TIMEOUT event" rather than
// running timer-firing logic directly on the multi-timer's own goroutine.
// It runs on the multi-timer's background goroutine, not the TCB's owning
// goroutine, so it must not touch TCB fields (including rtxArmed/pstArmed)
// itself — the owning goroutine updates those when it dequeues the event,
// preserving the single-writer invariant from spec §5.1.
func (t *TCB) onTimerFire(id int, name string, args any) {
	t.events.push(event{kind: args.(EventKind)})
}

// now is a small convenience wrapper over t.clock.Now().
func (t *TCB) now() time.Time { return t.clock.Now() }

// markEstablished closes establishedCh the first time ESTABLISHED is
// reached, letting Stack.Dial block on a channel instead of polling
// t.state from outside the owning goroutine.
func (t *TCB) markEstablished() {
	select {
	case <-t.establishedCh:
	default:
		close(t.establishedCh)
	}
}
