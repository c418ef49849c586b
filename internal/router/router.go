package router

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
)

// sweepInterval is how often the background goroutine checks for pending
// ARP entries that are due for a retry; it is finer-grained than
// arpRetryPeriod so a retry scheduled for "now" fires close to on time.
const sweepInterval = 200 * time.Millisecond

// Router is the IP-router forwarding engine (spec §4.2): it dispatches
// inbound frames by EtherType, resolves next hops through an ARP cache
// with pending-request queuing, forwards via longest-prefix match, and
// synthesizes ICMP errors. One Router instance corresponds to one
// simulated router box with one or more Interfaces (spec §3.3); the
// driver documents per-frame dispatch as single-threaded (spec §5), so
// ProcessFrame itself needs no lock of its own beyond the arpTable's.
type Router struct {
	mu     sync.RWMutex
	ifaces map[string]Interface

	routes *RouteTable
	arp    *arpTable

	out   FrameWriter
	clock clock.Clock
	log   *slog.Logger
	m     *metrics.Router

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Router that emits frames through out.
func New(out FrameWriter, c clock.Clock, log *slog.Logger, m *metrics.Router) *Router {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		ifaces: make(map[string]Interface),
		routes: NewRouteTable(),
		arp:    newARPTable(c),
		out:    out,
		clock:  c,
		log:    log,
		m:      m,
		stopCh: make(chan struct{}),
	}
}

// AddInterface attaches iface to the router.
func (r *Router) AddInterface(iface Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces[iface.Name] = iface
}

// Routes exposes the routing table so callers can install routes.
func (r *Router) Routes() *RouteTable { return r.routes }

// StartARPRetrySweep launches the background goroutine that retries
// unresolved ARP requests and gives up after the policy's retry budget
// (spec §4.2.4). Stop shuts it down.
func (r *Router) StartARPRetrySweep() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the ARP retry sweep goroutine.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.clock.After(sweepInterval):
		}
		r.arp.sweep(r.sendARPRequest, r.onARPExhausted, r.log, r.m)
	}
}

func (r *Router) interfaceByName(name string) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[name]
	return iface, ok
}

func (r *Router) interfaceByIP(ip net.IP) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.ifaces {
		if iface.IP.Equal(ip) {
			return iface, true
		}
	}
	return Interface{}, false
}

// ProcessFrame is the driver entry point: it dispatches an inbound frame
// received on iface by EtherType (spec §4.2).
func (r *Router) ProcessFrame(iface string, frame []byte) error {
	in, ok := r.interfaceByName(iface)
	if !ok {
		return fmt.Errorf("router: unknown interface %q", iface)
	}

	d, err := decodeFrame(frame)
	if err != nil {
		r.countDrop()
		return err
	}

	switch {
	case d.arp != nil:
		return r.handleARP(in, d.arp)
	case d.ip != nil:
		return r.handleIPv4(in, frame, d)
	default:
		r.countDrop()
		r.log.Debug("router: drop frame with unsupported ethertype", "iface", iface, "ethertype", d.eth.EthernetType)
		return ErrNotOurFrame
	}
}

func (r *Router) countDrop() {
	if r.m != nil {
		r.m.FramesDropped.Inc()
	}
}

// handleARP implements spec §4.2.2.
func (r *Router) handleARP(in Interface, arp *layers.ARP) error {
	switch arp.Operation {
	case layers.ARPRequest:
		target := net.IP(arp.DstProtAddress)
		owner, ok := r.interfaceByIP(target)
		if !ok {
			return r.sendARPHostUnreachable(in, net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress), target)
		}
		reply := layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   owner.MAC,
			SourceProtAddress: owner.IP.To4(),
			DstHwAddress:      arp.SourceHwAddress,
			DstProtAddress:    arp.SourceProtAddress,
		}
		out, err := buildEthernetARP(owner.MAC, net.HardwareAddr(arp.SourceHwAddress), reply)
		if err != nil {
			return err
		}
		if r.m != nil {
			r.m.ARPRepliesSent.Inc()
		}
		return r.out.WriteFrame(owner.Name, out)

	case layers.ARPReply:
		senderIP := net.IP(arp.SourceProtAddress)
		senderMAC := net.HardwareAddr(arp.SourceHwAddress)
		pending := r.arp.insert(senderIP, senderMAC)
		if pending == nil {
			return nil
		}
		return r.flushPending(pending, senderMAC)

	default:
		r.countDrop()
		return nil
	}
}

// flushPending forwards every frame withheld for a now-resolved target,
// per spec §4.2.2: "for each withheld frame, if its IP TTL == 1 emit Time
// Exceeded, otherwise rewrite MACs, decrement TTL, recompute IP checksum,
// forward; free the pending entry" (freeing already happened in insert).
func (r *Router) flushPending(p *pendingARP, dstMAC net.HardwareAddr) error {
	outIface, ok := r.interfaceByName(p.iface)
	if !ok {
		return fmt.Errorf("router: pending entry references unknown interface %q", p.iface)
	}
	for _, wf := range p.frames {
		d, err := decodeFrame(wf.frame)
		if err != nil || d.ip == nil {
			continue
		}
		if d.ip.TTL <= 1 {
			if err := r.sendICMPError(outIface, d, timeExceeded); err != nil {
				r.log.Error("router: send time exceeded for withheld frame", "err", err)
			}
			continue
		}
		out, err := rewriteForward(wf.frame, outIface.MAC, dstMAC)
		if err != nil {
			r.log.Error("router: rewrite withheld frame", "err", err)
			continue
		}
		if r.m != nil {
			r.m.FramesForwarded.Inc()
		}
		if err := r.out.WriteFrame(p.iface, out); err != nil {
			r.log.Error("router: forward withheld frame", "err", err)
		}
	}
	return nil
}

// onARPExhausted is invoked once a pending entry's retry budget runs out:
// every withheld frame is answered with an ICMP Host Unreachable back to
// its original sender (spec §4.2.4).
func (r *Router) onARPExhausted(p *pendingARP) {
	for _, wf := range p.frames {
		d, err := decodeFrame(wf.frame)
		if err != nil || d.ip == nil {
			continue
		}
		// The withheld frame still carries the arrival interface's MAC as
		// its destination, which identifies where to send the error.
		var in Interface
		found := false
		r.mu.RLock()
		for _, iface := range r.ifaces {
			if macEqual(iface.MAC, d.eth.DstMAC) {
				in, found = iface, true
				break
			}
		}
		r.mu.RUnlock()
		if !found {
			continue
		}
		if err := r.sendICMPError(in, d, func(ip *layers.IPv4) (layers.ICMPv4, []byte) {
			return destinationUnreachable(layers.ICMPv4CodeHost, ip)
		}); err != nil {
			r.log.Error("router: send host unreachable for exhausted arp entry", "target", p.targetIP.String(), "err", err)
		}
	}
}

// handleIPv4 implements spec §4.2.1.
func (r *Router) handleIPv4(in Interface, frame []byte, d decodedFrame) error {
	if !macEqual(d.eth.DstMAC, in.MAC) {
		r.countDrop()
		return ErrNotOurFrame
	}

	if owner, ok := r.interfaceByIP(d.ip.DstIP); ok {
		return r.handleSelfAddressed(in, owner, d)
	}

	route, ok := r.routes.Lookup(d.ip.DstIP)
	if !ok {
		return r.sendICMPError(in, d, func(ip *layers.IPv4) (layers.ICMPv4, []byte) {
			return destinationUnreachable(layers.ICMPv4CodeNet, ip)
		})
	}

	if d.ip.TTL <= 1 {
		return r.sendICMPError(in, d, timeExceeded)
	}

	outIface, ok := r.interfaceByName(route.Iface)
	if !ok {
		return fmt.Errorf("router: route references unknown interface %q", route.Iface)
	}
	nextHop := route.NextHop(d.ip.DstIP)

	if mac, ok := r.arp.lookup(nextHop); ok {
		out, err := rewriteForward(frame, outIface.MAC, mac)
		if err != nil {
			return err
		}
		if r.m != nil {
			r.m.FramesForwarded.Inc()
		}
		return r.out.WriteFrame(route.Iface, out)
	}

	isNew := r.arp.withhold(route.Iface, nextHop, frame)
	if r.m != nil {
		r.m.ARPMisses.Inc()
		r.m.PendingARP.Set(float64(r.arp.pendingCount()))
	}
	if isNew {
		return r.sendARPRequest(route.Iface, nextHop)
	}
	return nil
}

// handleSelfAddressed implements the "H.dst == some interface IP"
// sub-cases of spec §4.2.1 step 2.
func (r *Router) handleSelfAddressed(in, owner Interface, d decodedFrame) error {
	if owner.Name != in.Name {
		return r.sendICMPError(in, d, func(ip *layers.IPv4) (layers.ICMPv4, []byte) {
			return destinationUnreachable(layers.ICMPv4CodeHost, ip)
		})
	}

	switch d.ip.Protocol {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		return r.sendICMPError(in, d, func(ip *layers.IPv4) (layers.ICMPv4, []byte) {
			return destinationUnreachable(layers.ICMPv4CodePort, ip)
		})
	case layers.IPProtocolICMPv4:
		if d.icmp != nil && d.icmp.TypeCode.Type() == layers.ICMPv4TypeEchoRequest {
			icmp, body := echoReply(d.icmp, d.icmp.Payload)
			return r.sendICMP(in, d.eth.SrcMAC, d.ip.SrcIP, icmp, body)
		}
	}

	if d.ip.TTL <= 1 {
		return r.sendICMPError(in, d, timeExceeded)
	}
	return nil
}

// sendICMPError synthesizes and sends an ICMP error message in response
// to the frame decoded as d, received on in (spec §4.2.3: headers swap
// src/dst, src = in-interface MAC/IP). The reply is sent directly back to
// the originating frame's source MAC rather than through an ARP lookup,
// since that MAC is already known from the frame that triggered it.
func (r *Router) sendICMPError(in Interface, d decodedFrame, build func(*layers.IPv4) (layers.ICMPv4, []byte)) error {
	icmp, body := build(d.ip)
	return r.sendICMP(in, d.eth.SrcMAC, d.ip.SrcIP, icmp, body)
}

func (r *Router) sendICMP(in Interface, dstMAC net.HardwareAddr, dstIP net.IP, icmp layers.ICMPv4, body []byte) error {
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    in.IP,
		DstIP:    dstIP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &icmp, gopacket.Payload(body)); err != nil {
		return err
	}
	frame, err := buildEthernetIPv4(in.MAC, dstMAC, ip, buf.Bytes())
	if err != nil {
		return err
	}
	if r.m != nil && icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		r.m.ICMPErrorsSent.Inc()
	}
	return r.out.WriteFrame(in.Name, frame)
}

// sendARPRequest broadcasts a request for target on iface (spec §4.2.1
// step 5 "Miss" branch, and §4.2.4's retry sweep reusing the same path).
func (r *Router) sendARPRequest(ifaceName string, target net.IP) error {
	iface, ok := r.interfaceByName(ifaceName)
	if !ok {
		return fmt.Errorf("router: unknown interface %q", ifaceName)
	}
	req := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   iface.MAC,
		SourceProtAddress: iface.IP.To4(),
		DstHwAddress:      zeroMAC,
		DstProtAddress:    target.To4(),
	}
	frame, err := buildEthernetARP(iface.MAC, broadcastMAC, req)
	if err != nil {
		return err
	}
	if r.m != nil {
		r.m.ARPRequestsSent.Inc()
	}
	return r.out.WriteFrame(ifaceName, frame)
}

// sendARPHostUnreachable answers an ARP request whose target matches no
// interface with an ICMP Host Unreachable (spec §4.2.2), using a
// synthetic embedded header since there is no original IP datagram to
// echo back.
func (r *Router) sendARPHostUnreachable(in Interface, senderIP net.IP, senderMAC net.HardwareAddr, target net.IP) error {
	hdr, err := syntheticIPv4Header(senderIP, target)
	if err != nil {
		return err
	}
	icmp := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)}
	body := append(hdr, make([]byte, 8)...)
	return r.sendICMP(in, senderMAC, senderIP, icmp, body)
}

func syntheticIPv4Header(src, dst net.IP) ([]byte, error) {
	ip := layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: src, DstIP: dst}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	zeroMAC      = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
