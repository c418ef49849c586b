// Package clock provides the monotonic time source shared by the timer,
// TCP, and router subsystems. Every background loop that waits on a
// deadline takes a clockwork.Clock instead of calling time.Now/time.After
// directly, so tests can swap in a FakeClock and drive retransmission,
// persist, and ARP-retry timers deterministically instead of sleeping.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is an alias for the full clockwork.Clock interface, so packages in
// this module can name the type without importing clockwork themselves.
type Clock = clockwork.Clock

// Real returns the production clock backed by the OS monotonic clock.
func Real() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a clockwork.FakeClock, for use in tests that need to
// advance time deterministically.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}

// Since is a small helper mirroring time.Since but routed through a Clock.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
