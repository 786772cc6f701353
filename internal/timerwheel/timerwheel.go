// Package timerwheel isolates this repo's one use of
// github.com/antlabs/timer (a hierarchical timing wheel) behind a small
// interface, so the reply-timeout deferred-work handle (spec §4.10) can
// re-arm to the nearest deadline without each connection hand-rolling its
// own sleep/cancel goroutine.
package timerwheel

import (
	"time"

	antlabstimer "github.com/antlabs/timer"
)

// Handle is a single scheduled firing; Stop cancels it if it hasn't fired
// yet.
type Handle struct {
	node antlabstimer.TimeNoder
}

// Stop cancels the scheduled callback. Safe to call after it has already
// fired.
func (h *Handle) Stop() {
	if h != nil && h.node != nil {
		h.node.Stop()
	}
}

// Wheel schedules one-shot callbacks. Each bus owns one, and every
// connection schedules its reply-timeout deferred-work handle (spec §4.10)
// on it: whenever a tracker is added or removed the connection's handle is
// re-armed to its nearest deadline, rather than running one goroutine per
// pending reply.
type Wheel struct {
	t antlabstimer.Timer
}

// New starts a timing wheel with the given tick granularity.
// Timer.Run is antlabs/timer's blocking event loop, so it must run on its
// own goroutine the way every caller of this library does — called
// inline it would block the Bus/Domain that's creating the wheel forever.
func New(tick time.Duration) *Wheel {
	t := antlabstimer.NewTimer(antlabstimer.WithSlotInterval(tick))
	go t.Run()
	return &Wheel{t: t}
}

// Schedule arms fn to run once after d elapses.
func (w *Wheel) Schedule(d time.Duration, fn func()) *Handle {
	node := w.t.AfterFunc(d, fn)
	return &Handle{node: node}
}

// Stop shuts the wheel down; scheduled callbacks that haven't fired yet
// are dropped.
func (w *Wheel) Stop() {
	w.t.Stop()
}
