package tcpstack

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// randomISS picks an initial sequence number the way the teacher's stack
// seeds its rand source: from a CSPRNG, since this isn't a security
// boundary but a random starting point is still cheap to get right.
func randomISS() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// handle is the single entry point the connection's goroutine calls for
// every dequeued event: "one tagged variant per state and a single
// transition function switching on (state, event)" per spec §9.
func (t *TCB) handle(e event) {
	switch e.kind {
	case EventAppConnect:
		t.handleAppConnect()
	case EventAppSend:
		t.handleAppSend(e.data)
	case EventAppReceive:
		// No-op at the state-machine level: Conn.Read drains recvBuf
		// directly, and a blocked reader is woken by recvBuf's cond when
		// new data is written. Nothing in this package posts this event.
	case EventAppClose:
		t.handleAppClose()
	case EventPacketArrival:
		t.handleSegment(e.segment)
	case EventTimeoutRTX:
		t.handleRTXTimeout()
	case EventTimeoutPST:
		t.handlePSTTimeout()
	case EventCleanup:
		t.handleCleanup()
	}
	if e.done != nil {
		close(e.done)
	}
}

// --- Connection open (spec §4.1 "Connection open") ---

func (t *TCB) handleAppConnect() {
	if t.state != StateClosed {
		return
	}
	t.iss = randomISS()
	t.sndUna = t.iss
	t.sndNxt = t.iss + 1
	t.rcvWnd = uint32(t.recvBuf.capacity())
	t.sendBuf.resetOrigin(t.iss + 1)

	seg := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.iss, Flags: FlagSYN, Window: uint16(t.rcvWnd)}
	t.send(seg)
	t.rtx.push(seg, t.now())
	t.armRTX()
	t.state = StateSynSent
}

// acceptPassiveSYN implements "LISTEN + PACKET_ARRIVAL(SYN, no ACK)":
// called by the listener when a SYN arrives for a not-yet-created TCB.
func (t *TCB) acceptPassiveSYN(seg Segment) {
	t.iss = randomISS()
	t.irs = seg.Seq
	t.rcvNxt = seg.Seq + 1
	t.rcvWnd = uint32(t.recvBuf.capacity())
	t.sndUna = t.iss
	t.sndNxt = t.iss + 1
	t.sendBuf.resetOrigin(t.iss + 1)
	t.recvBuf.resetOrigin(t.rcvNxt)

	reply := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.iss, Ack: t.rcvNxt, Flags: FlagSYN | FlagACK, Window: uint16(t.rcvWnd)}
	t.send(reply)
	t.rtx.push(reply, t.now())
	t.armRTX()
	t.state = StateSynRcvd
}

func (t *TCB) handleSegment(seg Segment) {
	if seg.RST() && t.state != StateClosed && t.state != StateListen {
		t.handleReset()
		return
	}
	switch t.state {
	case StateListen:
		// An arriving ACK in LISTEN is ignored (spec §4.1); SYNs are
		// routed to acceptPassiveSYN by the driver before a TCB with
		// state LISTEN would ever see them here, so LISTEN TCBs never
		// actually reach handleSegment — kept for completeness.
		return
	case StateSynSent:
		t.handleSynSent(seg)
	case StateSynRcvd:
		t.handleSynRcvd(seg)
	default:
		t.handleEstablishedFamily(seg)
	}
}

func (t *TCB) handleSynSent(seg Segment) {
	if seg.SYN() && seg.ACK() && seg.Ack == t.iss+1 {
		t.irs = seg.Seq
		t.rcvNxt = seg.Seq + 1
		t.recvBuf.resetOrigin(t.rcvNxt)
		t.ackRTXQueue(seg.Ack)
		t.sndWnd = uint32(seg.Window)
		reply := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.rcvWnd)}
		t.send(reply)
		t.state = StateEstablished
		t.markEstablished()
		return
	}
	if seg.SYN() && !seg.ACK() {
		// Simultaneous open.
		t.irs = seg.Seq
		t.rcvNxt = seg.Seq + 1
		reply := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.iss, Ack: t.rcvNxt, Flags: FlagSYN | FlagACK, Window: uint16(t.rcvWnd)}
		t.send(reply)
		t.rtx.push(reply, t.now())
		t.armRTX()
		t.state = StateSynRcvd
	}
}

func (t *TCB) handleSynRcvd(seg Segment) {
	if seg.ACK() && seqGT(seg.Ack, t.sndUna) && seqLTE(seg.Ack, t.sndNxt) {
		t.ackRTXQueue(seg.Ack)
		t.sndWnd = uint32(seg.Window)
		t.state = StateEstablished
		t.markEstablished()
	}
}

// --- Data transfer (spec §4.1 steps 1-6) ---

func (t *TCB) handleEstablishedFamily(seg Segment) {
	w := t.recvWindow()
	if !segmentAcceptable(seg.Seq, seg.Len(), t.rcvNxt, w) {
		t.sendBareACK()
		return
	}
	if t.m != nil {
		t.m.SegmentsReceived.Inc()
	}

	// Step 2: out-of-order buffering.
	if seqGT(seg.Seq, t.rcvNxt) && len(seg.Payload) > 0 {
		t.ooo.insert(seg.Seq, seg.Payload)
	}

	// Step 3: ACK processing.
	if seg.ACK() {
		t.processAck(seg)
	}

	// Step 5/6: in-order delivery and FIN handling, only when this segment
	// is exactly at RCV.NXT.
	if seg.Seq == t.rcvNxt {
		if len(seg.Payload) > 0 {
			t.deliverInOrder(seg.Payload)
		}
		if seg.FIN() {
			t.handleFIN()
		}
	}

	// Step 4: transmit pump runs after any state change that might free
	// up window or queue space.
	t.pump()
}

func (t *TCB) processAck(seg Segment) {
	if seqGT(seg.Ack, t.sndUna) && seqLTE(seg.Ack, t.sndNxt) {
		t.sndUna = seg.Ack
		sample, hasSample := t.rtx.ackUpTo(seg.Ack, t.now())
		t.sendBuf.advance(int(seg.Ack - t.currentSendOrigin()))
		if hasSample {
			t.rtt.update(sample)
		}
		if t.rtx.empty() {
			t.cancelRTX()
			t.maybeAdvanceAfterFINAcked()
		} else {
			t.resetRTX()
		}
		if t.probe.active && seqGT(seg.Ack, t.probe.seq) {
			t.probe = probe{}
		}
	}

	wasZero := t.sndWnd == 0
	t.sndWnd = uint32(seg.Window)
	if t.sndWnd == 0 {
		t.armPST()
	} else if wasZero {
		t.cancelPST()
	}
}

// maybeAdvanceAfterFINAcked advances the close sequence once our own
// queued FIN has been fully acknowledged: since FIN consumes a sequence
// number and sits in the retransmission queue like any other segment, an
// empty queue while finQueued is set means the FIN specifically was just
// acked (spec §4.1 "Close").
func (t *TCB) maybeAdvanceAfterFINAcked() {
	if !t.finQueued {
		return
	}
	switch t.state {
	case StateFinWait1:
		t.state = StateFinWait2
	case StateClosing, StateLastAck:
		// TIME_WAIT collapses to CLOSED immediately (spec §9 open question).
		t.finishClose()
	}
}

// currentSendOrigin returns the send buffer's current origin sequence
// (i.e. SND.UNA before this call advanced it further), used to compute how
// many bytes advance() should discard from the head.
func (t *TCB) currentSendOrigin() uint32 {
	return t.sendBuf.originSeq()
}

func (t *TCB) ackRTXQueue(ack uint32) {
	sample, hasSample := t.rtx.ackUpTo(ack, t.now())
	if hasSample {
		t.rtt.update(sample)
	}
	if t.rtx.empty() {
		t.cancelRTX()
	} else {
		t.resetRTX()
	}
	t.sndUna = ack
}

func (t *TCB) deliverInOrder(payload []byte) {
	n := t.recvBuf.writeAt(t.rcvNxt, payload)
	t.rcvNxt += uint32(n)

	// drainContiguous only tells us which gaps close; it doesn't touch
	// recvBuf, so each drained chunk still needs its own writeAt.
	drained, _ := t.ooo.drainContiguous(t.rcvNxt)
	for _, p := range drained {
		m := t.recvBuf.writeAt(t.rcvNxt, p)
		t.rcvNxt += uint32(m)
	}
	ack := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.recvWindow())}
	t.send(ack)
}

// handleReset implements an incoming RST: the connection is aborted
// immediately per RFC 793 rather than run through the close sequence, and
// any blocked reader/writer is woken with an error.
func (t *TCB) handleReset() {
	t.recvBuf.abort()
	t.sendBuf.abort()
	t.cancelRTX()
	t.cancelPST()
	t.rtx.clear()
	t.ooo.clear()
	t.finishClose()
}

func (t *TCB) handleFIN() {
	t.rcvNxt++
	t.recvBuf.setEOF()
	ack := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.recvWindow())}
	t.send(ack)

	switch t.state {
	case StateEstablished:
		t.state = StateCloseWait
	case StateFinWait1:
		if t.rtx.empty() {
			t.state = StateTimeWait
		} else {
			t.state = StateClosing
		}
	case StateFinWait2:
		t.state = StateTimeWait
	}
	if t.state == StateTimeWait {
		// Spec §4.1: TIME_WAIT transitions to CLOSED immediately, no
		// 2xMSL wait.
		t.finishClose()
	}
}

func (t *TCB) recvWindow() uint32 {
	free := uint32(t.recvBuf.free())
	return free
}

// --- Close (spec §4.1 "Close") ---

func (t *TCB) handleAppClose() {
	t.closing = true
	t.pump()
}

// pump is the transmit pump (spec §4.1 step 4) plus the FIN-on-drain rule
// from "Close": while the send buffer has bytes in window and not already
// in flight, emit up to MSS bytes per segment; once drained and closing,
// emit the FIN.
func (t *TCB) pump() {
	for {
		inFlight := t.sndNxt - t.sndUna
		avail := t.sndWnd
		if avail <= inFlight {
			break
		}
		room := avail - inFlight
		if room > MSS {
			room = MSS
		}
		buf := make([]byte, room)
		n := t.sendBuf.peekAt(t.sndNxt, buf)
		if n == 0 {
			break
		}
		seg := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.recvWindow()), Payload: buf[:n]}
		t.send(seg)
		t.rtx.push(seg, t.now())
		t.armRTX()
		t.sndNxt += uint32(n)
	}

	if t.closing && t.sendBuf.len() == 0 && t.sndNxt == t.sendBuf.originSeq()+uint32(t.sendBuf.len()) {
		t.maybeSendFIN()
	}
}

// maybeSendFIN queues this TCB's FIN; finQueued records that it has, so pump
// doesn't emit it twice while waiting on the retransmission queue to
// drain in FIN_WAIT_1/LAST_ACK.
func (t *TCB) maybeSendFIN() {
	switch t.state {
	case StateEstablished, StateCloseWait:
	default:
		return
	}
	if t.finQueued {
		return
	}
	seg := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagFIN | FlagACK, Window: uint16(t.recvWindow())}
	t.send(seg)
	t.rtx.push(seg, t.now())
	t.armRTX()
	t.sndNxt++
	t.finQueued = true
	if t.state == StateEstablished {
		t.state = StateFinWait1
	} else {
		t.state = StateLastAck
	}
}

func (t *TCB) handleAppSend(data []byte) {
	t.sendBuf.write(data)
	if t.m != nil {
		t.m.BytesSent.Add(float64(len(data)))
	}
	t.pump()
}

// --- Timers (spec §4.1 "RTO estimation"/"Retransmission timeout"/"Persist timer") ---

func (t *TCB) handleRTXTimeout() {
	t.rtxArmed = false
	if t.m != nil {
		t.m.RTOExpirations.Inc()
	}
	t.rtt.backoff()
	segs := t.rtx.retransmitAll(t.now(), t.sndWnd == 0)
	for _, seg := range segs {
		t.send(seg)
		if t.m != nil {
			t.m.SegmentsRetransmitted.Inc()
		}
	}
	if !t.rtx.empty() {
		t.armRTX()
	}
}

func (t *TCB) handlePSTTimeout() {
	t.pstArmed = false
	if t.sendBuf.len() == 0 {
		return
	}
	if t.m != nil {
		t.m.PersistProbes.Inc()
	}
	if !t.probe.active {
		t.probe = probe{active: true, seq: t.sndUna}
	}
	var b [1]byte
	n := t.sendBuf.peekAt(t.probe.seq, b[:])
	if n == 1 {
		seg := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.probe.seq, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.recvWindow()), Payload: b[:1]}
		t.send(seg)
	}
	t.armPST()
}

// --- Cleanup ---

func (t *TCB) handleCleanup() {
	t.cancelRTX()
	t.cancelPST()
	t.timers.Stop()
	t.rtx.clear()
	t.ooo.clear()
	t.events.close()
	t.finishClose()
}

func (t *TCB) finishClose() {
	if t.state == StateClosed {
		return
	}
	t.state = StateClosed
	t.recvBuf.setEOF()
	t.sendBuf.abort()
	select {
	case <-t.closedCh:
	default:
		close(t.closedCh)
	}
	t.events.close()
}

func (t *TCB) send(seg Segment) error {
	if t.sender == nil {
		return fmt.Errorf("tcpstack: no sender configured")
	}
	if t.m != nil {
		t.m.SegmentsSent.Inc()
	}
	return t.sender.SendSegment(t.local, t.remote, seg)
}

func (t *TCB) sendBareACK() {
	seg := Segment{SrcPort: t.local.Port, DstPort: t.remote.Port, Seq: t.sndNxt, Ack: t.rcvNxt, Flags: FlagACK, Window: uint16(t.recvWindow())}
	_ = t.send(seg)
}
