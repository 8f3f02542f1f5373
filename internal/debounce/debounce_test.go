package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedule_BurstFiresOnce(t *testing.T) {
	d := New()
	var calls int32
	done := make(chan struct{}, 1)

	for i := 0; i < 5; i++ {
		d.Schedule("g", 30*time.Millisecond, func() {
			atomic.AddInt32(&calls, 1)
			done <- struct{}{}
		})
		time.Sleep(5 * time.Millisecond)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending key, got %d", d.Pending())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one call, got %d", got)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending keys after fire, got %d", d.Pending())
	}
}

func TestSchedule_RearmExtendsDelay(t *testing.T) {
	d := New()
	fired := make(chan time.Time, 1)
	start := time.Now()

	d.Schedule("g", 40*time.Millisecond, func() { fired <- time.Now() })
	time.Sleep(25 * time.Millisecond)
	d.Schedule("g", 40*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 60*time.Millisecond {
			t.Fatalf("fired after %v; rearm should have pushed it past 60ms", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}
}

func TestSchedule_KeysAreIndependent(t *testing.T) {
	d := New()
	var a, b int32
	d.Schedule("a", 10*time.Millisecond, func() { atomic.AddInt32(&a, 1) })
	d.Schedule("b", 10*time.Millisecond, func() { atomic.AddInt32(&b, 1) })
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("expected both keys to fire once, got a=%d b=%d", a, b)
	}
}

func TestCancel_PreventsFire(t *testing.T) {
	d := New()
	var calls int32
	d.Schedule("g", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	if !d.Cancel("g") {
		t.Fatalf("expected Cancel to report a pending timer")
	}
	if d.Cancel("g") {
		t.Fatalf("second Cancel should report nothing pending")
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("cancelled callback fired")
	}
}

func TestStop_DropsPendingAndRejectsNew(t *testing.T) {
	d := New()
	var calls int32
	d.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	d.Stop()
	d.Schedule("b", time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 || d.Pending() != 0 {
		t.Fatalf("expected nothing to run after Stop, calls=%d pending=%d", calls, d.Pending())
	}
}
