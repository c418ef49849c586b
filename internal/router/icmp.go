package router

import (
	"github.com/google/gopacket/layers"
)

// icmpErrorBody builds the body carried by Destination Unreachable and
// Time Exceeded messages: the original IP header plus the first 8 bytes
// of its payload (spec §4.2.3/§5: "original IP header + first 8 payload
// bytes echoed in the ICMP body").
func icmpErrorBody(orig *layers.IPv4) []byte {
	header := append([]byte(nil), orig.Contents...)
	payload := orig.Payload
	if len(payload) > 8 {
		payload = payload[:8]
	}
	return append(header, payload...)
}

// destinationUnreachable synthesizes a Destination Unreachable message
// with the given code (Network/Host/Port/Protocol) for orig (spec §4.2.1
// steps 1-3).
func destinationUnreachable(code uint8, orig *layers.IPv4) (layers.ICMPv4, []byte) {
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, code),
	}
	return icmp, icmpErrorBody(orig)
}

// timeExceeded synthesizes a Time Exceeded message for a datagram whose
// TTL reached 1 (spec §4.2.1 steps 2 and 4).
func timeExceeded(orig *layers.IPv4) (layers.ICMPv4, []byte) {
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded),
	}
	return icmp, icmpErrorBody(orig)
}

// echoReply synthesizes an Echo Reply that copies the identifier,
// sequence number, and payload of an Echo Request (spec §4.2.1 step 2:
// "copy identifier/seq/payload, recompute checksums").
func echoReply(req *layers.ICMPv4, payload []byte) (layers.ICMPv4, []byte) {
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	return icmp, payload
}
