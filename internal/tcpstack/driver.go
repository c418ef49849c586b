package tcpstack

import "net"

// IPWriter is the narrow interface the TCP endpoint needs from the network
// layer beneath it: hand a built segment to the IPv4 output path. cmd/tcpd
// implements this over a raw IPv4 socket; a loopback or host-stack
// IPWriter can feed DeliverSegment directly for same-host tests.
type IPWriter interface {
	WriteIPv4(srcIP, dstIP net.IP, protocol uint8, payload []byte) error
}

// tcpProtocolNumber is the IPv4 protocol number for TCP (spec §6.1).
const tcpProtocolNumber = 6

// driverSender adapts a Stack's IPWriter to the Sender interface each
// TCB holds, so the state machine's only network-facing call is
// Sender.SendSegment (spec §9).
type driverSender struct {
	ip IPWriter
}

func (d driverSender) SendSegment(local, remote Endpoint, seg Segment) error {
	wire := seg.Build(local.IP, remote.IP)
	return d.ip.WriteIPv4(local.IP, remote.IP, tcpProtocolNumber, wire)
}
