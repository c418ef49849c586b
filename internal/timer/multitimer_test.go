package timer

import (
	"context"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/jonboulle/clockwork"
)

func contextWithTimeout(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

func newTestMultiTimer(tb testing.TB, n int) (*MultiTimer, clockwork.FakeClock) {
	tb.Helper()
	fc := clockwork.NewFakeClock()
	mt := New(n, fc)
	tb.Cleanup(mt.Stop)
	return mt, fc
}

func TestMultiTimerFiresOnce(t *testing.T) {
	mt, fc := newTestMultiTimer(t, 2)

	fired := make(chan int, 1)
	if err := mt.Arm(0, "retransmission", 200*time.Millisecond, func(id int, name string, args any) {
		fired <- id
	}, nil); err != nil {
		t.Fatalf("arm: %v", err)
	}

	fc.BlockUntilContext(contextWithTimeout(t), 1)
	fc.Advance(200 * time.Millisecond)

	select {
	case id := <-fired:
		if id != 0 {
			t.Fatalf("fired id = %d, want 0", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	if mt.IsArmed(0) {
		t.Fatal("timer 0 still armed after firing")
	}
}

func TestMultiTimerEarliestWins(t *testing.T) {
	mt, fc := newTestMultiTimer(t, 2)

	order := make(chan int, 2)
	if err := mt.Arm(1, "persist", 500*time.Millisecond, func(id int, name string, args any) {
		order <- id
	}, nil); err != nil {
		t.Fatalf("arm 1: %v", err)
	}
	if err := mt.Arm(0, "retransmission", 100*time.Millisecond, func(id int, name string, args any) {
		order <- id
	}, nil); err != nil {
		t.Fatalf("arm 0: %v", err)
	}

	fc.BlockUntilContext(contextWithTimeout(t), 2)
	fc.Advance(100 * time.Millisecond)
	first := <-order
	fc.BlockUntilContext(contextWithTimeout(t), 1)
	fc.Advance(400 * time.Millisecond)
	second := <-order

	if diff := deep.Equal([]int{first, second}, []int{0, 1}); diff != nil {
		t.Errorf("fire order mismatch: %v", diff)
	}
}

func TestMultiTimerCancelIdleIsError(t *testing.T) {
	mt, _ := newTestMultiTimer(t, 1)
	if err := mt.Cancel(0); err == nil {
		t.Fatal("expected error cancelling idle timer")
	}
}

func TestMultiTimerArmTwiceIsError(t *testing.T) {
	mt, _ := newTestMultiTimer(t, 1)
	if err := mt.Arm(0, "a", time.Second, func(int, string, any) {}, nil); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := mt.Arm(0, "a", time.Second, func(int, string, any) {}, nil); err == nil {
		t.Fatal("expected error re-arming active timer")
	}
}

func TestMultiTimerCancelPreventsFiring(t *testing.T) {
	mt, fc := newTestMultiTimer(t, 1)
	fired := false
	if err := mt.Arm(0, "a", 100*time.Millisecond, func(int, string, any) { fired = true }, nil); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := mt.Cancel(0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	fc.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	if fired {
		t.Fatal("cancelled timer fired")
	}
}
