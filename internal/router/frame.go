package router

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decodedFrame holds the layers a received Ethernet frame decodes to, the
// way the teacher's handleEthernetFrame switches on EtherType after
// hand-parsing the 14-byte header; here gopacket does the parsing (spec
// §4.2: "per-frame dispatch by EtherType").
type decodedFrame struct {
	eth  *layers.Ethernet
	arp  *layers.ARP
	ip   *layers.IPv4
	icmp *layers.ICMPv4
}

func decodeFrame(raw []byte) (decodedFrame, error) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return decodedFrame{}, fmt.Errorf("router: decode frame: %w", errLayer.Error())
	}

	var d decodedFrame
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return decodedFrame{}, fmt.Errorf("router: frame has no ethernet header")
	}
	d.eth = ethLayer.(*layers.Ethernet)

	if l := packet.Layer(layers.LayerTypeARP); l != nil {
		d.arp = l.(*layers.ARP)
	}
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		d.ip = l.(*layers.IPv4)
	}
	if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		d.icmp = l.(*layers.ICMPv4)
	}
	return d, nil
}

// buildEthernetARP serializes an Ethernet+ARP frame.
func buildEthernetARP(srcMAC, dstMAC net.HardwareAddr, arp layers.ARP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildEthernetIPv4 serializes an Ethernet+IPv4 frame carrying payload as
// the IPv4 payload (payload already contains its own inner header, e.g.
// an ICMP message, a TCP segment forwarded as-is, etc).
func buildEthernetIPv4(srcMAC, dstMAC net.HardwareAddr, ip layers.IPv4, payload []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rewriteForward returns a deep copy of frame with its Ethernet
// source/destination replaced and its IPv4 TTL decremented and checksum
// recomputed (spec §7: "outbound IP.ttl = inbound IP.ttl - 1; IP checksum
// verifies").
func rewriteForward(frame []byte, srcMAC, dstMAC net.HardwareAddr) ([]byte, error) {
	d, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if d.ip == nil {
		return nil, fmt.Errorf("router: cannot forward non-IPv4 frame")
	}
	ip := *d.ip
	ip.TTL--
	return buildEthernetIPv4(srcMAC, dstMAC, ip, d.ip.Payload)
}
