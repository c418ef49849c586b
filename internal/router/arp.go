package router

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
)

// arpEntry is a resolved ARP cache entry (spec §3.3): "map from IPv4
// address -> (MAC, insertion time)". Entries age out; Lookup returns live
// entries only.
type arpEntry struct {
	mac       net.HardwareAddr
	insertion time.Time
}

// withheldFrame is a deep copy of a frame queued while its next hop's MAC
// is being resolved (spec §4.2.1 step 5 and §5: "withholding a frame in
// the ARP pending list requires an explicit copy, not a pointer
// retention", since the driver frees the original frame after the handler
// returns).
type withheldFrame struct {
	iface string
	frame []byte
}

// pendingARP is the queue of frames withheld for one target IP while an
// ARP request is outstanding (spec §3.3: "one entry per target IP").
type pendingARP struct {
	targetIP  net.IP
	iface     string
	frames    []withheldFrame
	nextRetry time.Time
	retries   int
	policy    backoff.BackOff
}

const (
	arpCacheTTL    = 5 * time.Minute
	arpRetryPeriod = 1 * time.Second
	arpMaxRetries  = 5
)

// newARPRetryPolicy encodes the retry policy named in spec §4.2.4: up to N
// retries at T-second intervals.
func newARPRetryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(arpRetryPeriod), arpMaxRetries)
}

// arpTable owns both the resolved cache and the pending-request queue
// under one lock, matching spec §5's "the ARP cache and pending-ARP list
// are still protected by a lock because an ARP-retry task may operate
// concurrently" with the single-threaded frame-dispatch path.
type arpTable struct {
	mu      sync.Mutex
	cache   map[string]arpEntry
	pending map[string]*pendingARP
	clock   clock.Clock
}

func newARPTable(c clock.Clock) *arpTable {
	return &arpTable{
		cache:   make(map[string]arpEntry),
		pending: make(map[string]*pendingARP),
		clock:   c,
	}
}

// lookup returns a live MAC for ip, discarding an aged-out entry.
func (a *arpTable) lookup(ip net.IP) (net.HardwareAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := ip.String()
	e, ok := a.cache[key]
	if !ok {
		return nil, false
	}
	if a.clock.Now().Sub(e.insertion) > arpCacheTTL {
		delete(a.cache, key)
		return nil, false
	}
	return e.mac, true
}

// insert records a resolved (ip, mac) pair and returns the pending entry
// that was waiting on it, if any, removing it from the pending map. The
// cache and pending queue are mutually exclusive per target IP (spec §3.3
// invariant): a reply both populates the cache and consumes the pending
// entry in the same critical section.
func (a *arpTable) insert(ip net.IP, mac net.HardwareAddr) *pendingARP {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := ip.String()
	a.cache[key] = arpEntry{mac: mac, insertion: a.clock.Now()}
	p := a.pending[key]
	delete(a.pending, key)
	return p
}

// withhold enqueues a deep copy of frame for target, creating a pending
// entry and arming its retry policy if one doesn't already exist (spec
// §4.2.1 step 5: "If no pending-ARP entry for N, create one").
// isNew reports whether a pending entry (and therefore a fresh ARP
// request) needed to be created.
func (a *arpTable) withhold(iface string, target net.IP, frame []byte) (isNew bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := target.String()
	cp := make([]byte, len(frame))
	copy(cp, frame)

	p, ok := a.pending[key]
	if !ok {
		p = &pendingARP{
			targetIP:  target,
			iface:     iface,
			nextRetry: a.clock.Now(),
			policy:    newARPRetryPolicy(),
		}
		a.pending[key] = p
		isNew = true
	}
	p.frames = append(p.frames, withheldFrame{iface: iface, frame: cp})
	return isNew
}

// pendingCount reports the number of target IPs currently awaiting a
// reply, for the PendingARP gauge.
func (a *arpTable) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// sweep runs one retry-sweep pass: for every pending entry whose next
// retry is due, either re-requests (resend) or, once the policy is
// exhausted, hands the entry to onExhausted and drops it (spec §4.2.4:
// "on exhaustion, each withheld frame causes an ICMP Destination Host
// Unreachable back to its original sender").
func (a *arpTable) sweep(resend func(iface string, target net.IP) error, onExhausted func(p *pendingARP), log *slog.Logger, m *metrics.Router) {
	now := a.clock.Now()
	sweepID := xid.New()

	a.mu.Lock()
	var dueRetry, dueExhausted []*pendingARP
	for key, p := range a.pending {
		if now.Before(p.nextRetry) {
			continue
		}
		d := p.policy.NextBackOff()
		if d == backoff.Stop {
			delete(a.pending, key)
			dueExhausted = append(dueExhausted, p)
			continue
		}
		p.nextRetry = now.Add(d)
		p.retries++
		dueRetry = append(dueRetry, p)
	}
	a.mu.Unlock()

	for _, p := range dueExhausted {
		if log != nil {
			log.Debug("router: arp retry exhausted", "sweep", sweepID.String(), "target", p.targetIP.String(), "withheld", len(p.frames))
		}
		if m != nil {
			m.ARPTimeouts.Inc()
		}
		onExhausted(p)
	}
	for _, p := range dueRetry {
		if log != nil {
			log.Debug("router: arp retry", "sweep", sweepID.String(), "target", p.targetIP.String(), "attempt", p.retries)
		}
		if err := resend(p.iface, p.targetIP); err != nil && log != nil {
			log.Error("router: arp retry send failed", "target", p.targetIP.String(), "err", err)
		}
	}
}
