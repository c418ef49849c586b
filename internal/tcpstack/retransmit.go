package tcpstack

import "time"

// rtxEntry is one outstanding (packet, send-time, expected-ack-seq,
// retransmitted-flag) tuple per spec §3.2.
type rtxEntry struct {
	seg           Segment
	sentAt        time.Time
	expectedAck   uint32 // SEG.SEQ + SEG.LEN at original transmission
	retransmitted bool
}

// retransmitQueue is the arrival-ordered retransmission queue. It is not
// safe for concurrent use; callers serialize access through the owning
// connection's single state-machine goroutine (spec §5.1).
type retransmitQueue struct {
	entries []rtxEntry
}

func (q *retransmitQueue) push(seg Segment, now time.Time) {
	q.entries = append(q.entries, rtxEntry{
		seg:         seg,
		sentAt:      now,
		expectedAck: seg.SeqEnd(),
	})
}

func (q *retransmitQueue) empty() bool { return len(q.entries) == 0 }

func (q *retransmitQueue) head() (rtxEntry, bool) {
	if len(q.entries) == 0 {
		return rtxEntry{}, false
	}
	return q.entries[0], true
}

// ackUpTo removes every entry whose expectedAck <= ack (spec §4.1 step 3),
// returning the RTT sample to apply (from the oldest popped entry, only if
// it was never retransmitted — Karn's rule) and whether one was found.
func (q *retransmitQueue) ackUpTo(ack uint32, now time.Time) (sample time.Duration, hasSample bool) {
	i := 0
	for i < len(q.entries) && seqLTE(q.entries[i].expectedAck, ack) {
		e := q.entries[i]
		if i == 0 && !e.retransmitted {
			sample = now.Sub(e.sentAt)
			hasSample = true
		}
		i++
	}
	if i > 0 {
		q.entries = append([]rtxEntry(nil), q.entries[i:]...)
	}
	return sample, hasSample
}

// retransmitAll marks every entry it resends as retransmitted (so future
// ACKs for them never feed the RTT estimator) and returns those segments,
// skipping data-bearing segments when the peer's window is zero — those
// are the persist timer's job (spec §4.1 "Retransmission timeout"). A
// skipped entry keeps its flag and send time.
func (q *retransmitQueue) retransmitAll(now time.Time, sndWndZero bool) []Segment {
	var out []Segment
	for i := range q.entries {
		if sndWndZero && len(q.entries[i].seg.Payload) > 0 {
			continue
		}
		q.entries[i].retransmitted = true
		q.entries[i].sentAt = now
		out = append(out, q.entries[i].seg)
	}
	return out
}

func (q *retransmitQueue) clear() { q.entries = nil }

func (q *retransmitQueue) len() int { return len(q.entries) }
