// Package router implements the IP-router forwarding engine (spec §4.2):
// per-frame dispatch by EtherType, ARP request/reply handling with a
// pending-request queue for withheld frames, IPv4 longest-prefix-match
// forwarding, and ICMP error synthesis. Frame decode/encode is built on
// gopacket/layers rather than hand-rolled header parsing, the way the
// original netstack.go parses headers with encoding/binary directly but at
// a level of generality (multiple interfaces, a real routing table) that
// warrants a real packet library.
package router

import (
	"errors"
	"net"
)

// ErrNotOurFrame is returned when a frame's EtherType or destination isn't
// handled by this router (spec §4.2: "frames dropped").
var ErrNotOurFrame = errors.New("router: frame not for this router")

// Interface is one of the router's attachment points: a name, its
// hardware address, and the IPv4 address/mask assigned to it. Grounded in
// the teacher's per-NetStack hostMAC/hostIPv4 pair, generalized from a
// single implicit interface to a named list so the routing table has more
// than one next hop to choose between.
type Interface struct {
	Name string
	MAC  net.HardwareAddr
	IP   net.IP
	Mask net.IPMask
}

// Network returns the interface's attached subnet as an *net.IPNet.
func (i Interface) Network() *net.IPNet {
	return &net.IPNet{IP: i.IP.Mask(i.Mask), Mask: i.Mask}
}

// FrameWriter is the narrow output port the router uses to emit a built
// Ethernet frame on a named interface. A host-stack driver implements this
// over a tap device or raw socket; tests implement it over a slice.
type FrameWriter interface {
	WriteFrame(iface string, frame []byte) error
}
