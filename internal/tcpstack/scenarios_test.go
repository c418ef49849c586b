package tcpstack

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/go-test/deep"
	"github.com/jonboulle/clockwork"
)

// fakeSender captures every segment handed to it instead of touching a
// real network, and can selectively drop segments to simulate loss.
type fakeSender struct {
	sent []Segment
	drop func(seg Segment) bool
}

func (f *fakeSender) SendSegment(local, remote Endpoint, seg Segment) error {
	if f.drop != nil && f.drop(seg) {
		return nil
	}
	f.sent = append(f.sent, seg)
	return nil
}

func (f *fakeSender) popAll() []Segment {
	out := f.sent
	f.sent = nil
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEndpoints() (Endpoint, Endpoint) {
	client := Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 40000}
	server := Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 80}
	return client, server
}

// establishPair drives a full three-way handshake between two directly
// wired TCBs (spec §8 scenario S1) without a Stack, feeding each side's
// sent segments straight to the other's handle().
func establishPair(t *testing.T, clk clockwork.FakeClock) (client, server *TCB, clientSender, serverSender *fakeSender) {
	t.Helper()
	clientEP, serverEP := testEndpoints()
	clientSender = &fakeSender{}
	serverSender = &fakeSender{}
	client = newTCB(clientEP, serverEP, clientSender, clk, discardLogger(), nil)
	server = newTCB(serverEP, clientEP, serverSender, clk, discardLogger(), nil)

	client.handle(event{kind: EventAppConnect})
	syn := clientSender.popAll()
	if len(syn) != 1 || !syn[0].SYN() || syn[0].ACK() {
		t.Fatalf("expected a bare SYN, got %+v", syn)
	}

	server.acceptPassiveSYN(syn[0])
	synAck := serverSender.popAll()
	if len(synAck) != 1 || !synAck[0].SYN() || !synAck[0].ACK() {
		t.Fatalf("expected SYN|ACK, got %+v", synAck)
	}
	if server.state != StateSynRcvd {
		t.Fatalf("server state = %v, want SYN_RCVD", server.state)
	}

	client.handle(event{kind: EventPacketArrival, segment: synAck[0]})
	if client.state != StateEstablished {
		t.Fatalf("client state = %v, want ESTABLISHED", client.state)
	}
	ack := clientSender.popAll()
	if len(ack) != 1 || ack[0].ACK() != true || ack[0].SYN() {
		t.Fatalf("expected a bare ACK, got %+v", ack)
	}

	server.handle(event{kind: EventPacketArrival, segment: ack[0]})
	if server.state != StateEstablished {
		t.Fatalf("server state = %v, want ESTABLISHED", server.state)
	}
	return client, server, clientSender, serverSender
}

// TestThreeWayHandshake is spec §8 scenario S1.
func TestThreeWayHandshake(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, _, _ := establishPair(t, clk)

	if client.sndUna != client.iss+1 {
		t.Fatalf("client SND.UNA = %d, want %d", client.sndUna, client.iss+1)
	}
	if client.irs != server.iss {
		t.Fatalf("client IRS = %d, want server ISS %d", client.irs, server.iss)
	}
	if client.rcvNxt != server.sndUna {
		t.Fatalf("client RCV.NXT = %d, want %d (server SND.UNA)", client.rcvNxt, server.sndUna)
	}
}

// TestDataTransferBothDirections exercises step 4-6 of spec §4.1's data
// transfer algorithm: payload sent by one side is delivered in order on
// the other, and the resulting ACK updates SND.UNA.
func TestDataTransferBothDirections(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, clientSender, serverSender := establishPair(t, clk)

	payload := []byte("hello server")
	client.handleAppSend(payload)
	segs := clientSender.popAll()
	if len(segs) != 1 || string(segs[0].Payload) != string(payload) {
		t.Fatalf("unexpected segments from client: %+v", segs)
	}

	server.handleSegment(segs[0])
	got := make([]byte, len(payload))
	n := server.recvBuf.read(got)
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("server recvBuf = %q (n=%d), want %q", got[:n], n, payload)
	}

	ack := serverSender.popAll()
	if len(ack) != 1 || !ack[0].ACK() {
		t.Fatalf("expected server ACK, got %+v", ack)
	}
	client.handleSegment(ack[0])
	if client.sndUna != client.iss+1+uint32(len(payload)) {
		t.Fatalf("client SND.UNA = %d after ACK, want advanced past payload", client.sndUna)
	}

	reply := []byte("hi client")
	server.handleAppSend(reply)
	segs = serverSender.popAll()
	if len(segs) != 1 || string(segs[0].Payload) != string(reply) {
		t.Fatalf("unexpected segments from server: %+v", segs)
	}
	client.handleSegment(segs[0])
	got = make([]byte, len(reply))
	n = client.recvBuf.read(got)
	if n != len(reply) || string(got) != string(reply) {
		t.Fatalf("client recvBuf = %q, want %q", got[:n], reply)
	}
}

// TestOutOfOrderReassembly exercises step 2 and step 5 of spec §4.1: a
// segment arriving ahead of RCV.NXT is buffered, not delivered, until the
// gap closes.
func TestOutOfOrderReassembly(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, clientSender, _ := establishPair(t, clk)

	first := []byte("AAAA")
	second := []byte("BBBB")

	client.handleAppSend(first)
	seg1 := clientSender.popAll()[0]
	seg2 := Segment{
		SrcPort: client.local.Port, DstPort: client.remote.Port,
		Seq: seg1.SeqEnd(), Ack: client.rcvNxt, Flags: FlagACK, Payload: second,
	}

	// Deliver out of order: seg2 first.
	server.handleSegment(seg2)
	if server.ooo.len() != 1 {
		t.Fatalf("expected 1 buffered out-of-order segment, got %d", server.ooo.len())
	}
	if server.recvBuf.len() != 0 {
		t.Fatalf("recvBuf should still be empty, got %d bytes", server.recvBuf.len())
	}

	// Now the gap closes.
	server.handleSegment(seg1)
	if server.ooo.len() != 0 {
		t.Fatalf("out-of-order list should have drained, got %d left", server.ooo.len())
	}
	want := string(first) + string(second)
	got := make([]byte, len(want))
	n := server.recvBuf.read(got)
	if n != len(want) || string(got) != want {
		t.Fatalf("recvBuf = %q, want %q", got[:n], want)
	}
}

// TestRetransmissionOnLoss is spec §8 scenario S2: a lost segment is
// retransmitted once the RTX timer fires, and Karn's rule keeps the lost
// segment's eventual (retransmitted) ACK from feeding the RTT estimator.
func TestRetransmissionOnLoss(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, clientSender, _ := establishPair(t, clk)

	payload := []byte("lost segment")
	client.handleAppSend(payload)
	sent := clientSender.popAll()
	if len(sent) != 1 {
		t.Fatalf("expected 1 segment sent, got %d", len(sent))
	}
	if !client.rtxArmed {
		t.Fatalf("RTX timer should be armed after sending unacked data")
	}

	// Simulate loss: the segment never reaches the server. Fire the RTX
	// timeout directly (as the owning goroutine would after dequeuing the
	// TIMEOUT_RTX event) rather than waiting on the real multi-timer.
	rtoBefore := client.rtt.currentRTO()
	client.handleRTXTimeout()

	retransmitted := clientSender.popAll()
	if len(retransmitted) != 1 {
		t.Fatalf("expected exactly 1 retransmitted segment, got %d", len(retransmitted))
	}
	if diff := deep.Equal(retransmitted[0].Payload, sent[0].Payload); diff != nil {
		t.Fatalf("retransmitted payload differs from the original: %v", diff)
	}
	if client.rtt.currentRTO() <= rtoBefore {
		t.Fatalf("RTO should back off after a timeout, got %v (was %v)", client.rtt.currentRTO(), rtoBefore)
	}

	// Now the retransmitted copy is delivered and ACKed. Karn's rule says
	// this ACK must NOT produce an RTT sample, since the original
	// transmission's timing is no longer trustworthy.
	server.handleSegment(retransmitted[0])
	ack := Segment{
		SrcPort: client.local.Port, DstPort: client.remote.Port,
		Seq: server.sndNxt, Ack: server.rcvNxt, Flags: FlagACK,
	}
	srttBefore := client.rtt.srtt
	client.handleSegment(ack)
	if client.rtt.srtt != srttBefore {
		t.Fatalf("Karn's rule violated: SRTT changed from a retransmitted segment's ACK")
	}
	if client.rtx.len() != 0 {
		t.Fatalf("retransmission queue should be empty after the ACK, has %d", client.rtx.len())
	}
	if client.rtxArmed {
		t.Fatalf("RTX timer should be cancelled once the queue drains")
	}
}

// TestZeroWindowPersist is spec §8 scenario S3: once the peer advertises a
// zero window, the persist timer fires single-byte probes until the window
// reopens.
func TestZeroWindowPersist(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, clientSender, _ := establishPair(t, clk)

	client.sendBuf.write([]byte("some buffered application data"))

	zeroWin := Segment{
		SrcPort: client.local.Port, DstPort: client.remote.Port,
		Seq: server.iss + 1, Ack: client.sndUna, Flags: FlagACK, Window: 0,
	}
	client.handleSegment(zeroWin)
	if client.sndWnd != 0 {
		t.Fatalf("SND.WND should be 0, got %d", client.sndWnd)
	}
	if !client.pstArmed {
		t.Fatalf("persist timer should be armed on a zero window")
	}

	client.handlePSTTimeout()
	probes := clientSender.popAll()
	if len(probes) != 1 || len(probes[0].Payload) != 1 {
		t.Fatalf("expected a single-byte probe, got %+v", probes)
	}
	if !client.pstArmed {
		t.Fatalf("persist timer should re-arm after a probe")
	}

	// The window reopens.
	reopen := Segment{
		SrcPort: client.local.Port, DstPort: client.remote.Port,
		Seq: server.iss + 1, Ack: client.sndUna, Flags: FlagACK, Window: 4096,
	}
	client.handleSegment(reopen)
	if client.sndWnd == 0 {
		t.Fatalf("SND.WND should have reopened")
	}
	if client.pstArmed {
		t.Fatalf("persist timer should be cancelled once the window reopens")
	}
}

// TestGracefulCloseBothSides exercises the active-close/passive-close path
// of spec §4.1's "Close", including TIME_WAIT collapsing straight to
// CLOSED.
func TestGracefulCloseBothSides(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, clientSender, serverSender := establishPair(t, clk)

	client.handleAppClose()
	if client.state != StateFinWait1 {
		t.Fatalf("client state = %v, want FIN_WAIT_1", client.state)
	}
	fin := clientSender.popAll()
	if len(fin) != 1 || !fin[0].FIN() {
		t.Fatalf("expected a FIN, got %+v", fin)
	}

	server.handleSegment(fin[0])
	if server.state != StateCloseWait {
		t.Fatalf("server state = %v, want CLOSE_WAIT", server.state)
	}
	finAck := serverSender.popAll()
	if len(finAck) != 1 || !finAck[0].ACK() {
		t.Fatalf("expected server ACK of FIN, got %+v", finAck)
	}

	client.handleSegment(finAck[0])
	if client.state != StateFinWait2 {
		t.Fatalf("client state = %v, want FIN_WAIT_2", client.state)
	}

	server.handleAppClose()
	if server.state != StateLastAck {
		t.Fatalf("server state = %v, want LAST_ACK", server.state)
	}
	serverFin := serverSender.popAll()
	if len(serverFin) != 1 || !serverFin[0].FIN() {
		t.Fatalf("expected server FIN, got %+v", serverFin)
	}

	client.handleSegment(serverFin[0])
	if client.state != StateClosed {
		t.Fatalf("client should collapse TIME_WAIT straight to CLOSED, got %v", client.state)
	}
	select {
	case <-client.closedCh:
	default:
		t.Fatalf("closedCh should be closed")
	}

	lastAck := clientSender.popAll()
	if len(lastAck) != 1 || !lastAck[0].ACK() {
		t.Fatalf("expected final ACK, got %+v", lastAck)
	}
	server.handleSegment(lastAck[0])
	if server.state != StateClosed {
		t.Fatalf("server state = %v, want CLOSED", server.state)
	}
}

// TestResetAbortsConnection checks that an inbound RST immediately wakes a
// blocked reader with an error rather than running the close sequence.
func TestResetAbortsConnection(t *testing.T) {
	clk := clockwork.NewFakeClock()
	client, server, _, _ := establishPair(t, clk)

	rst := Segment{SrcPort: server.local.Port, DstPort: server.remote.Port, Flags: FlagRST}
	client.handleSegment(rst)
	if client.state != StateClosed {
		t.Fatalf("client state = %v, want CLOSED after RST", client.state)
	}
	if !client.recvBuf.isAborted() {
		t.Fatalf("recv buffer should be marked aborted")
	}
	_ = server
}
