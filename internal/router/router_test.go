package router

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tinyrange/netlab/internal/clock"
)

type fakeFrameWriter struct {
	frames map[string][][]byte
}

func newFakeFrameWriter() *fakeFrameWriter {
	return &fakeFrameWriter{frames: make(map[string][][]byte)}
}

func (f *fakeFrameWriter) WriteFrame(iface string, frame []byte) error {
	cp := append([]byte(nil), frame...)
	f.frames[iface] = append(f.frames[iface], cp)
	return nil
}

func (f *fakeFrameWriter) last(iface string) []byte {
	fs := f.frames[iface]
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// newTestRouter sets up a router with two interfaces, lan0 (10.0.0.1/24)
// and wan0 (10.0.1.1/24), and a route for 10.0.1.0/24 out wan0.
func newTestRouter(t *testing.T) (*Router, *fakeFrameWriter) {
	t.Helper()
	fw := newFakeFrameWriter()
	r := New(fw, clock.NewFake(), discardLog(), nil)
	r.AddInterface(Interface{Name: "lan0", MAC: mustMAC("02:00:00:00:00:01"), IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)})
	r.AddInterface(Interface{Name: "wan0", MAC: mustMAC("02:00:00:00:00:02"), IP: net.ParseIP("10.0.1.1"), Mask: net.CIDRMask(24, 32)})
	_, dest, _ := net.ParseCIDR("10.0.1.0/24")
	r.Routes().Add(Route{Dest: dest, Iface: "wan0"})
	return r, fw
}

func buildIPv4Frame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, ttl uint8, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()
	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{Version: 4, TTL: ttl, Protocol: proto, SrcIP: srcIP, DstIP: dstIP}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// TestARPMissWithholdsAndForwards exercises scenario S4: a frame destined
// off-host via an unresolved next hop is withheld, an ARP request is
// emitted, and the reply causes the original frame to be forwarded with
// MACs rewritten and TTL decremented.
func TestARPMissWithholdsAndForwards(t *testing.T) {
	r, fw := newTestRouter(t)
	h1MAC := mustMAC("02:00:00:00:00:10")

	frame := buildIPv4Frame(t, h1MAC, mustMAC("02:00:00:00:00:01"), net.ParseIP("10.0.0.10"), net.ParseIP("10.0.1.20"), 64, layers.IPProtocolTCP, []byte("payload"))
	if err := r.ProcessFrame("lan0", frame); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	if r.arp.pendingCount() != 1 {
		t.Fatalf("expected 1 pending arp entry, got %d", r.arp.pendingCount())
	}
	req := fw.last("wan0")
	if req == nil {
		t.Fatal("expected an ARP request to be sent on wan0")
	}
	d, err := decodeFrame(req)
	if err != nil || d.arp == nil {
		t.Fatalf("expected wan0's last frame to be an ARP request, decode err=%v", err)
	}
	if d.arp.Operation != layers.ARPRequest {
		t.Fatalf("expected ARP request, got operation %d", d.arp.Operation)
	}
	if !net.IP(d.arp.DstProtAddress).Equal(net.ParseIP("10.0.1.20")) {
		t.Fatalf("unexpected ARP target: %v", net.IP(d.arp.DstProtAddress))
	}

	h2MAC := mustMAC("02:00:00:00:00:20")
	reply := layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPReply,
		SourceHwAddress: h2MAC, SourceProtAddress: net.ParseIP("10.0.1.20").To4(),
		DstHwAddress: mustMAC("02:00:00:00:00:02"), DstProtAddress: net.ParseIP("10.0.1.1").To4(),
	}
	replyFrame, err := buildEthernetARP(h2MAC, mustMAC("02:00:00:00:00:02"), reply)
	if err != nil {
		t.Fatalf("build arp reply: %v", err)
	}
	if err := r.ProcessFrame("wan0", replyFrame); err != nil {
		t.Fatalf("ProcessFrame(reply): %v", err)
	}

	if r.arp.pendingCount() != 0 {
		t.Fatalf("expected pending entry to be consumed, got %d", r.arp.pendingCount())
	}
	if mac, ok := r.arp.lookup(net.ParseIP("10.0.1.20")); !ok || mac.String() != h2MAC.String() {
		t.Fatalf("expected arp cache to hold %v, got %v ok=%v", h2MAC, mac, ok)
	}

	forwarded := fw.last("wan0")
	fd, err := decodeFrame(forwarded)
	if err != nil || fd.ip == nil {
		t.Fatalf("expected forwarded IPv4 frame, err=%v", err)
	}
	if fd.eth.DstMAC.String() != h2MAC.String() {
		t.Fatalf("forwarded frame dst MAC = %v, want %v", fd.eth.DstMAC, h2MAC)
	}
	if fd.eth.SrcMAC.String() != "02:00:00:00:00:02" {
		t.Fatalf("forwarded frame src MAC = %v, want wan0's MAC", fd.eth.SrcMAC)
	}
	if fd.ip.TTL != 63 {
		t.Fatalf("forwarded frame TTL = %d, want 63", fd.ip.TTL)
	}
}

// TestTTLExceeded exercises scenario S5: a datagram with TTL=1 destined
// for a non-router IP yields a Time Exceeded message, and no forwarding
// occurs.
func TestTTLExceeded(t *testing.T) {
	r, fw := newTestRouter(t)
	h1MAC := mustMAC("02:00:00:00:00:10")

	frame := buildIPv4Frame(t, h1MAC, mustMAC("02:00:00:00:00:01"), net.ParseIP("10.0.0.10"), net.ParseIP("10.0.1.20"), 1, layers.IPProtocolTCP, []byte("abcdefgh"))
	if err := r.ProcessFrame("lan0", frame); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	if r.arp.pendingCount() != 0 {
		t.Fatalf("TTL-exceeded datagram must not trigger forwarding/ARP, pending=%d", r.arp.pendingCount())
	}
	reply := fw.last("lan0")
	if reply == nil {
		t.Fatal("expected a Time Exceeded reply on lan0")
	}
	d, err := decodeFrame(reply)
	if err != nil || d.icmp == nil {
		t.Fatalf("expected ICMP reply, err=%v", err)
	}
	if d.icmp.TypeCode.Type() != layers.ICMPv4TypeTimeExceeded {
		t.Fatalf("expected Time Exceeded, got type %d", d.icmp.TypeCode.Type())
	}
	if d.eth.DstMAC.String() != h1MAC.String() {
		t.Fatalf("reply dst MAC = %v, want original sender %v", d.eth.DstMAC, h1MAC)
	}
}

// TestEchoReply exercises a router-addressed Echo Request (spec §4.2.1
// step 2's ICMP sub-case).
func TestEchoReply(t *testing.T) {
	r, fw := newTestRouter(t)
	h1MAC := mustMAC("02:00:00:00:00:10")

	icmpReq := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 42, Seq: 7}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &icmpReq, gopacket.Payload([]byte("ping"))); err != nil {
		t.Fatalf("serialize icmp: %v", err)
	}
	icmpBytes := append([]byte(nil), buf.Bytes()...)

	frame := buildIPv4Frame(t, h1MAC, mustMAC("02:00:00:00:00:01"), net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.1"), 64, layers.IPProtocolICMPv4, icmpBytes)
	if err := r.ProcessFrame("lan0", frame); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	reply := fw.last("lan0")
	d, err := decodeFrame(reply)
	if err != nil || d.icmp == nil {
		t.Fatalf("expected ICMP echo reply, err=%v", err)
	}
	if d.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		t.Fatalf("expected Echo Reply, got type %d", d.icmp.TypeCode.Type())
	}
	if d.icmp.Id != 42 || d.icmp.Seq != 7 {
		t.Fatalf("echo reply id/seq mismatch: %d/%d", d.icmp.Id, d.icmp.Seq)
	}
	if string(d.icmp.Payload) != "ping" {
		t.Fatalf("echo reply payload = %q, want %q", d.icmp.Payload, "ping")
	}
	if !d.ip.SrcIP.Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("echo reply src IP = %v, want in-interface IP", d.ip.SrcIP)
	}
}

// TestNoRouteEmitsNetworkUnreachable exercises the "no match" branch of
// spec §4.2.1 step 3.
func TestNoRouteEmitsNetworkUnreachable(t *testing.T) {
	r, fw := newTestRouter(t)
	h1MAC := mustMAC("02:00:00:00:00:10")

	frame := buildIPv4Frame(t, h1MAC, mustMAC("02:00:00:00:00:01"), net.ParseIP("10.0.0.10"), net.ParseIP("192.168.9.9"), 64, layers.IPProtocolUDP, []byte("x"))
	if err := r.ProcessFrame("lan0", frame); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	reply := fw.last("lan0")
	d, err := decodeFrame(reply)
	if err != nil || d.icmp == nil {
		t.Fatalf("expected ICMP reply, err=%v", err)
	}
	if d.icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable || d.icmp.TypeCode.Code() != layers.ICMPv4CodeNet {
		t.Fatalf("expected Network Unreachable, got type=%d code=%d", d.icmp.TypeCode.Type(), d.icmp.TypeCode.Code())
	}
}

// TestARPRetryExhaustionSendsHostUnreachable exercises spec §4.2.4: after
// the retry budget is exhausted, each withheld frame is answered with an
// ICMP Host Unreachable.
func TestARPRetryExhaustionSendsHostUnreachable(t *testing.T) {
	fw := newFakeFrameWriter()
	fakeClock := clock.NewFake()
	r := New(fw, fakeClock, discardLog(), nil)
	r.AddInterface(Interface{Name: "lan0", MAC: mustMAC("02:00:00:00:00:01"), IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)})
	r.AddInterface(Interface{Name: "wan0", MAC: mustMAC("02:00:00:00:00:02"), IP: net.ParseIP("10.0.1.1"), Mask: net.CIDRMask(24, 32)})
	_, dest, _ := net.ParseCIDR("10.0.1.0/24")
	r.Routes().Add(Route{Dest: dest, Iface: "wan0"})

	h1MAC := mustMAC("02:00:00:00:00:10")
	frame := buildIPv4Frame(t, h1MAC, mustMAC("02:00:00:00:00:01"), net.ParseIP("10.0.0.10"), net.ParseIP("10.0.1.20"), 64, layers.IPProtocolTCP, []byte("payload"))
	if err := r.ProcessFrame("lan0", frame); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	for i := 0; i < arpMaxRetries+1; i++ {
		fakeClock.Advance(arpRetryPeriod + time.Millisecond)
		r.arp.sweep(r.sendARPRequest, r.onARPExhausted, r.log, r.m)
	}

	if r.arp.pendingCount() != 0 {
		t.Fatalf("expected pending entry to be dropped after retry exhaustion, got %d", r.arp.pendingCount())
	}
	reply := fw.last("lan0")
	d, err := decodeFrame(reply)
	if err != nil || d.icmp == nil {
		t.Fatalf("expected ICMP host unreachable reply, err=%v", err)
	}
	if d.icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable || d.icmp.TypeCode.Code() != layers.ICMPv4CodeHost {
		t.Fatalf("expected Host Unreachable, got type=%d code=%d", d.icmp.TypeCode.Type(), d.icmp.TypeCode.Code())
	}
}
