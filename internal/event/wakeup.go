package event

import "time"

// Wakeup is a one-shot, auto-resetting condition. Set marks it; a waiter
// returns early and clears the mark by consuming it. Setting an already-set
// flag is a no-op, so notification storms collapse into a single wakeup.
type Wakeup struct {
	ch chan struct{}
}

// NewWakeup returns an unset Wakeup.
func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

// Set marks the flag. Idempotent and non-blocking.
func (w *Wakeup) Set() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C exposes the flag for use in a select. Receiving consumes the mark.
func (w *Wakeup) C() <-chan struct{} {
	return w.ch
}

// Wait blocks until the flag is set, stop is closed, or timeout elapses.
// It reports true when it returned because of the flag.
func (w *Wakeup) Wait(stop <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ch:
		return true
	case <-stop:
		return false
	case <-timer.C:
		return false
	}
}
