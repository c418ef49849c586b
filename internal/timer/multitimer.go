// Package timer implements a generic multi-timer: a fixed set of
// independently-addressable timers, each identified by a small integer id,
// serviced by a single background goroutine that sleeps until the earliest
// deadline and fires callbacks in order.
//
// This is a direct generalization of the original chitcpd multitimer (a
// libchitcp helper that TCP connections used for their RETRANSMISSION and
// PERSIST timers): same id/armed/callback/name shape, reimplemented with a
// clockwork.Clock and a generation channel instead of pthreads.
package timer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/netlab/internal/clock"
)

// ErrAlreadyArmed is returned by Arm when the timer id is already active.
var ErrAlreadyArmed = errors.New("timer: already armed")

// ErrNotArmed is returned by Cancel when the timer id is not active.
var ErrNotArmed = errors.New("timer: not armed")

// ErrUnknownID is returned when an id outside [0, N) is used.
var ErrUnknownID = errors.New("timer: unknown id")

// Callback is invoked when a timer fires. It runs on the multi-timer's own
// goroutine, so callbacks must not block; they typically just enqueue an
// event on the owning state machine's queue.
type Callback func(id int, name string, args any)

type slot struct {
	active   bool
	name     string
	cb       Callback
	args     any
	deadline time.Time
}

// MultiTimer owns a fixed number of timers and a single background
// goroutine that fires the earliest pending one.
type MultiTimer struct {
	clock clock.Clock

	mu     sync.Mutex
	slots  []slot
	gen    chan struct{} // closed and replaced whenever the slot set changes
	stopCh chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a MultiTimer with n addressable timer slots (ids 0..n-1) and
// starts its background firing goroutine.
func New(n int, c clock.Clock) *MultiTimer {
	if c == nil {
		c = clock.Real()
	}
	mt := &MultiTimer{
		clock:  c,
		slots:  make([]slot, n),
		gen:    make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	mt.wg.Add(1)
	go mt.loop()
	return mt
}

// wakeLocked signals any goroutine blocked on the current generation
// channel that the slot set changed. Callers must hold mt.mu.
func (mt *MultiTimer) wakeLocked() {
	close(mt.gen)
	mt.gen = make(chan struct{})
}

// Arm starts timer id, firing cb(args) once after d elapses. It is an error
// to arm an id that is already active.
func (mt *MultiTimer) Arm(id int, name string, d time.Duration, cb Callback, args any) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if id < 0 || id >= len(mt.slots) {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if mt.slots[id].active {
		return fmt.Errorf("%w: id %d (%s)", ErrAlreadyArmed, id, mt.slots[id].name)
	}
	mt.slots[id] = slot{
		active:   true,
		name:     name,
		cb:       cb,
		args:     args,
		deadline: mt.clock.Now().Add(d),
	}
	mt.wakeLocked()
	return nil
}

// Reset re-arms an already-active timer for a new duration, keeping its
// callback/args/name. It is equivalent to Cancel+Arm but does not require
// the caller to resupply the callback.
func (mt *MultiTimer) Reset(id int, d time.Duration) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if id < 0 || id >= len(mt.slots) {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if !mt.slots[id].active {
		return fmt.Errorf("%w: id %d", ErrNotArmed, id)
	}
	mt.slots[id].deadline = mt.clock.Now().Add(d)
	mt.wakeLocked()
	return nil
}

// Cancel disarms timer id. Cancelling an idle timer is an error per the
// invariant in spec §3.1: an id is either armed or idle, never
// double-cancelled.
func (mt *MultiTimer) Cancel(id int) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if id < 0 || id >= len(mt.slots) {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if !mt.slots[id].active {
		return fmt.Errorf("%w: id %d", ErrNotArmed, id)
	}
	mt.slots[id] = slot{}
	mt.wakeLocked()
	return nil
}

// IsArmed reports whether id currently has an active deadline.
func (mt *MultiTimer) IsArmed(id int) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if id < 0 || id >= len(mt.slots) {
		return false
	}
	return mt.slots[id].active
}

// Stop disarms every timer and terminates the background goroutine. Stop
// is idempotent and blocks until the goroutine has exited.
func (mt *MultiTimer) Stop() {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return
	}
	mt.closed = true
	for i := range mt.slots {
		mt.slots[i] = slot{}
	}
	mt.wakeLocked()
	mt.mu.Unlock()

	close(mt.stopCh)
	mt.wg.Wait()
}

// loop is the single background goroutine: it finds the earliest armed
// deadline, sleeps until it (or until woken by Arm/Cancel/Reset/Stop), and
// fires exactly the timers whose deadline has passed. At most one firing
// happens per arming, and a cancelled timer is cleared before it can ever
// be observed as "due" by this loop.
func (mt *MultiTimer) loop() {
	defer mt.wg.Done()
	for {
		mt.mu.Lock()
		if mt.closed {
			mt.mu.Unlock()
			return
		}

		id, due := mt.earliestLocked()
		if id < 0 {
			// Nothing armed: wait until the slot set changes.
			gen := mt.gen
			mt.mu.Unlock()
			select {
			case <-mt.stopCh:
				return
			case <-gen:
			}
			continue
		}

		now := mt.clock.Now()
		if !due.After(now) {
			s := mt.slots[id]
			mt.slots[id] = slot{}
			mt.mu.Unlock()
			if s.cb != nil {
				s.cb(id, s.name, s.args)
			}
			continue
		}
		gen := mt.gen
		mt.mu.Unlock()

		select {
		case <-mt.stopCh:
			return
		case <-mt.clock.After(due.Sub(now)):
		case <-gen:
		}
	}
}

// earliestLocked returns the id and deadline of the soonest-armed timer, or
// (-1, zero) if none are armed. Callers must hold mt.mu.
func (mt *MultiTimer) earliestLocked() (int, time.Time) {
	best := -1
	var bestDeadline time.Time
	for i, s := range mt.slots {
		if !s.active {
			continue
		}
		if best == -1 || s.deadline.Before(bestDeadline) {
			best = i
			bestDeadline = s.deadline
		}
	}
	return best, bestDeadline
}

// sortedIDs is a test/debug helper returning currently-armed ids in
// deadline order.
func (mt *MultiTimer) sortedIDs() []int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	ids := make([]int, 0, len(mt.slots))
	for i, s := range mt.slots {
		if s.active {
			ids = append(ids, i)
		}
	}
	sort.Slice(ids, func(a, b int) bool {
		return mt.slots[ids[a]].deadline.Before(mt.slots[ids[b]].deadline)
	})
	return ids
}
