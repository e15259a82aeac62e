package event

import (
	"testing"
	"time"
)

func TestSignalEmitOrder(t *testing.T) {
	var s Signal[int]
	var got []int

	s.Subscribe(func(v int) { got = append(got, v) })
	s.Subscribe(func(v int) { got = append(got, v*10) })
	s.Emit(3)

	if len(got) != 2 || got[0] != 3 || got[1] != 30 {
		t.Fatalf("got %v, want [3 30]", got)
	}
}

func TestSignalUnsubscribe(t *testing.T) {
	var s Signal[string]
	calls := 0
	unsub := s.Subscribe(func(string) { calls++ })

	s.Emit("a")
	unsub()
	s.Emit("b")
	unsub() // second call is a no-op

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestWakeupSetIsIdempotent(t *testing.T) {
	w := NewWakeup()
	w.Set()
	w.Set()
	w.Set()

	stop := make(chan struct{})
	if !w.Wait(stop, time.Second) {
		t.Fatal("first wait should observe the flag")
	}
	// The flag auto-resets: a second wait must time out.
	if w.Wait(stop, 20*time.Millisecond) {
		t.Fatal("second wait should time out")
	}
}

func TestWakeupStop(t *testing.T) {
	w := NewWakeup()
	stop := make(chan struct{})
	close(stop)
	if w.Wait(stop, time.Second) {
		t.Fatal("wait should return false on stop")
	}
}

func TestWakeupWakesBlockedWaiter(t *testing.T) {
	w := NewWakeup()
	done := make(chan bool, 1)
	go func() {
		done <- w.Wait(make(chan struct{}), 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	w.Set()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waiter should report wakeup")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake")
	}
}
