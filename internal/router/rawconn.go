package router

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// RawConner is the narrow subset of *ipv4.RawConn a raw-socket egress path
// needs, following the same seam malbeclabs-doublezero's PIM server uses
// to keep its protocol logic testable against a fake without opening a
// real socket.
type RawConner interface {
	WriteTo(h *ipv4.Header, b []byte, cm *ipv4.ControlMessage) error
	Close() error
}

// RawIPDriver is an alternative to the simulated-Ethernet-bus FrameWriter
// for deployments on a real NIC (spec §6.2's "optional real NIC mode"):
// instead of building an Ethernet+ARP frame, it writes the IPv4 datagram
// directly to a raw socket and lets the kernel perform link-layer
// resolution. It is not reached from ProcessFrame, since a raw IP socket
// never presents ARP frames to decode in the first place, and cmd/routerd
// does not construct one.
type RawIPDriver struct {
	conn  RawConner
	iface *net.Interface
}

// NewRawIPDriver wraps an already-bound raw IPv4 socket for interface.
func NewRawIPDriver(conn RawConner, iface *net.Interface) *RawIPDriver {
	return &RawIPDriver{conn: conn, iface: iface}
}

// WriteIPv4 sends a pre-built IPv4 datagram (header + payload already
// serialized by the caller, e.g. via rewriteForward's header rewrite
// logic reused at the IP level) out the bound socket.
func (d *RawIPDriver) WriteIPv4(hdr *ipv4.Header, payload []byte) error {
	cm := &ipv4.ControlMessage{}
	if d.iface != nil {
		cm.IfIndex = d.iface.Index
	}
	if err := d.conn.WriteTo(hdr, payload, cm); err != nil {
		return fmt.Errorf("router: raw ipv4 write: %w", err)
	}
	return nil
}

func (d *RawIPDriver) Close() error { return d.conn.Close() }
