package tcpstack

import (
	"encoding/binary"
	"fmt"
	"net"
)

// TCPHeaderLen is the fixed 20-byte header: no options are parsed or
// emitted (spec §6.1 — data offset is fixed at 5).
const TCPHeaderLen = 20

// MSS is the fixed compile-time maximum segment size (spec §6.1).
const MSS = 536

// Flag bits, laid out the way the teacher's tcpHeader.flags packs them
// (low byte of the 13th header byte).
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// Segment is a parsed TCP segment: header fields plus payload. Segments are
// owned values (the payload is a fresh slice), never aliased into a
// caller-owned network buffer, so they can be retained on the
// retransmission queue or the out-of-order list without a use-after-free
// risk — the pointer-rich-ownership concern spec §9 calls out.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

func (s Segment) has(f uint8) bool { return s.Flags&f != 0 }

// SYN reports the SYN bit.
func (s Segment) SYN() bool { return s.has(FlagSYN) }

// ACK reports the ACK bit.
func (s Segment) ACK() bool { return s.has(FlagACK) }

// FIN reports the FIN bit.
func (s Segment) FIN() bool { return s.has(FlagFIN) }

// RST reports the RST bit.
func (s Segment) RST() bool { return s.has(FlagRST) }

// Len is SEG.LEN per RFC 793: payload bytes plus one for each of SYN/FIN.
func (s Segment) Len() int {
	l := len(s.Payload)
	if s.SYN() {
		l++
	}
	if s.FIN() {
		l++
	}
	return l
}

// SeqEnd is the sequence number one past the last byte this segment
// occupies (SEQ + LEN).
func (s Segment) SeqEnd() uint32 { return s.Seq + uint32(s.Len()) }

// ParseSegment decodes a 20-byte TCP header plus payload. No options are
// parsed — any bytes beyond a data offset of 5 are treated as payload
// start per spec §6.1.
func ParseSegment(data []byte) (Segment, error) {
	if len(data) < TCPHeaderLen {
		return Segment{}, fmt.Errorf("tcpstack: segment too short: %d", len(data))
	}
	dataOff := (data[12] >> 4) * 4
	if int(dataOff) < TCPHeaderLen || len(data) < int(dataOff) {
		return Segment{}, fmt.Errorf("tcpstack: bad data offset: %d", dataOff)
	}
	payload := append([]byte(nil), data[dataOff:]...)
	return Segment{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   data[13],
		Window:  binary.BigEndian.Uint16(data[14:16]),
		Payload: payload,
	}, nil
}

// Build serializes the segment into a wire-format TCP header + payload,
// with the checksum computed over the IPv4 pseudo-header, matching the
// teacher's buildIPv4HeaderInto pattern of writing fields then patching in
// a checksum.
func (s Segment) Build(srcIP, dstIP net.IP) []byte {
	buf := make([]byte, TCPHeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], s.Seq)
	binary.BigEndian.PutUint32(buf[8:12], s.Ack)
	buf[12] = (TCPHeaderLen / 4) << 4
	buf[13] = s.Flags
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent, unused
	copy(buf[TCPHeaderLen:], s.Payload)

	binary.BigEndian.PutUint16(buf[16:18], 0)
	check := tcpChecksum(srcIP, dstIP, buf)
	binary.BigEndian.PutUint16(buf[16:18], check)
	return buf
}

// VerifyChecksum recomputes and compares the TCP checksum of a wire
// segment. Stack.DeliverSegment calls it on every inbound segment before
// ParseSegment.
func VerifyChecksum(srcIP, dstIP net.IP, wire []byte) bool {
	if len(wire) < 18 {
		return false
	}
	want := binary.BigEndian.Uint16(wire[16:18])
	tmp := append([]byte(nil), wire...)
	binary.BigEndian.PutUint16(tmp[16:18], 0)
	got := tcpChecksum(srcIP, dstIP, tmp)
	return got == want
}

func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	result := ^uint16(sum)
	if result == 0 {
		return 0xffff
	}
	return result
}

func tcpChecksum(src, dst net.IP, segment []byte) uint16 {
	pseudo := make([]byte, 12+len(segment))
	copy(pseudo[0:4], src.To4())
	copy(pseudo[4:8], dst.To4())
	pseudo[8] = 0
	pseudo[9] = 6 // TCP protocol number
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	copy(pseudo[12:], segment)
	return checksum(pseudo)
}
