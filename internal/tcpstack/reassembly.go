package tcpstack

import "sort"

// oooSegment is one out-of-order arrival awaiting a contiguous predecessor.
type oooSegment struct {
	seq     uint32
	payload []byte
}

// reassemblyList is the out-of-order list from spec §3.2, modeled per §9's
// guidance as an ordered-by-key structure with no-op duplicate insertion
// rather than a pointer-linked list with manual dedup scanning.
type reassemblyList struct {
	segs []oooSegment // kept sorted by seq; no two entries share a seq
}

// insert adds seg if its starting sequence isn't already present, keeping
// the list sorted by seq. A true return means the segment was accepted.
func (r *reassemblyList) insert(seq uint32, payload []byte) bool {
	i := sort.Search(len(r.segs), func(i int) bool { return !seqLT(r.segs[i].seq, seq) })
	if i < len(r.segs) && r.segs[i].seq == seq {
		return false // duplicate key, no-op per §9
	}
	r.segs = append(r.segs, oooSegment{})
	copy(r.segs[i+1:], r.segs[i:])
	r.segs[i] = oooSegment{seq: seq, payload: payload}
	return true
}

// drainContiguous removes and returns, in order, every segment that
// extends nextSeq contiguously, advancing nextSeq past each one. Spec
// §4.1 step 5: "drain the head of the out-of-order list as long as it
// contiguously extends RCV.NXT".
func (r *reassemblyList) drainContiguous(nextSeq uint32) ([][]byte, uint32) {
	var drained [][]byte
	for len(r.segs) > 0 && r.segs[0].seq == nextSeq {
		drained = append(drained, r.segs[0].payload)
		nextSeq += uint32(len(r.segs[0].payload))
		r.segs = r.segs[1:]
	}
	return drained, nextSeq
}

func (r *reassemblyList) len() int { return len(r.segs) }

func (r *reassemblyList) clear() { r.segs = nil }
