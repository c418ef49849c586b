package tcpstack

// Sequence-number comparisons that treat SEQ as a 32-bit ring per RFC 793
// §3.3. These mirror the seqLT/seqLTE/seqGT/seqGTE helpers in the teacher's
// netstack/tcp.go, which already implement wraparound-safe comparison via
// signed subtraction.

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGTE(a, b uint32) bool { return int32(a-b) >= 0 }

// seqInRange reports whether seq falls in [lo, lo+win) on the sequence ring.
func seqInRange(seq, lo uint32, win uint32) bool {
	if win == 0 {
		return seq == lo
	}
	return seqGTE(seq, lo) && seqLT(seq, lo+win)
}

// segmentAcceptable implements spec §4.1's sequence-acceptability check.
// L is the segment length (data bytes + SYN + FIN), W is RCV.WND.
func segmentAcceptable(segSeq uint32, l int, rcvNxt uint32, w uint32) bool {
	switch {
	case l == 0 && w == 0:
		return segSeq == rcvNxt
	case l == 0 && w > 0:
		return seqGTE(segSeq, rcvNxt) && seqLT(segSeq, rcvNxt+w)
	case l > 0 && w > 0:
		segEnd := segSeq + uint32(l) - 1
		return seqInRange(segSeq, rcvNxt, w) || seqInRange(segEnd, rcvNxt, w) ||
			(seqLTE(segSeq, rcvNxt) && seqGT(segSeq+uint32(l), rcvNxt))
	default:
		return false
	}
}
