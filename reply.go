package kdbus

import (
	"time"

	"github.com/ehrlich-b/kdbusd/internal/constants"
	"github.com/ehrlich-b/kdbusd/internal/notify"
)

// Reply is the sender-side bookkeeping for an in-flight request (spec
// §3 "Reply tracker"). Per the ownership rule in spec §9's design notes
// ("the reply tracker is owned by the destination's reply-list; the
// sender holds only a non-owning wait-handle"), the authoritative copy
// lives in the *destination* connection's replies map — so that
// connection's own disconnect path can find and drain it — while the
// sender that created it keeps this same pointer locally to block on
// (sync) or look up again after an interrupt.
type Reply struct {
	SrcConn *Connection
	DstID   uint64
	Cookie  uint64
	NameID  uint64

	Deadline time.Time
	Sync     bool

	// Interrupted marks a sync tracker whose blocked waiter was externally
	// interrupted; it is left linked (not reaped by the timeout sweep) so
	// a restarted wait can find it again by cookie.
	Interrupted bool

	done chan replyOutcome
}

type replyOutcome struct {
	Err     error
	Payload []byte
	SrcID   uint64
}

func newReply(src *Connection, dstID, cookie, nameID uint64, timeoutNs int64, sync bool) *Reply {
	timeout := time.Duration(timeoutNs)
	if timeout < constants.MinReplyTimeout {
		timeout = constants.MinReplyTimeout
	}
	if timeout > constants.MaxReplyTimeout {
		timeout = constants.MaxReplyTimeout
	}
	return &Reply{
		SrcConn: src, DstID: dstID, Cookie: cookie, NameID: nameID,
		Deadline: time.Now().Add(timeout), Sync: sync,
		done: make(chan replyOutcome, 1),
	}
}

// addReplyOwed links r into dst's (c's) reply list and re-arms c's
// deferred-work timer to the nearest outstanding deadline.
func (c *Connection) addReplyOwed(r *Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[r.Cookie] = r
	c.armTimerLocked()
}

// addOutstanding records, on the original sender's own connection, that r
// is still in flight — the mirror of addReplyOwed's entry on the
// responder, needed so the sender's own teardown can find and REPLY_DEAD
// every reply it's still waiting on (spec §5).
func (c *Connection) addOutstanding(r *Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding[r.Cookie] = r
}

// removeOutstanding drops a sender-side outstanding-request record once
// its tracker has resolved by any means (reply, timeout, cancel, or the
// responder disconnecting). Safe to call even if the cookie was never
// tracked (or already removed).
func (c *Connection) removeOutstanding(cookie uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding, cookie)
}

// findReplyOwed looks up a tracker this connection owes a reply for,
// used when a responder's cookie_reply identifies which request it's
// answering (spec §4.8 step 8).
func (c *Connection) findReplyOwed(cookie uint64) (*Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replies[cookie]
	return r, ok
}

// takeReplyOwed removes and returns a tracker, if present. Unlocks before
// clearing the matching sender-side outstanding record so the two
// connections' mutexes are never held at once.
func (c *Connection) takeReplyOwed(cookie uint64) (*Reply, bool) {
	c.mu.Lock()
	r, ok := c.replies[cookie]
	if ok {
		delete(c.replies, cookie)
		c.armTimerLocked()
	}
	c.mu.Unlock()
	if ok {
		r.SrcConn.removeOutstanding(cookie)
	}
	return r, ok
}

// armTimerLocked re-schedules c's deferred-work handle to fire at the
// nearest deadline among its owed replies. Callers must hold c.mu.
func (c *Connection) armTimerLocked() {
	if c.timerHandle != nil {
		c.timerHandle.Stop()
		c.timerHandle = nil
	}
	var nearest time.Time
	for _, r := range c.replies {
		if nearest.IsZero() || r.Deadline.Before(nearest) {
			nearest = r.Deadline
		}
	}
	if nearest.IsZero() || c.bus == nil || c.bus.timerWheel == nil {
		return
	}
	d := time.Until(nearest)
	if d < 0 {
		d = 0
	}
	c.timerHandle = c.bus.timerWheel.Schedule(d, c.sweepReplies)
}

// sweepReplies implements the reply-timeout worker (spec §4.10): async
// trackers past their deadline are reaped with REPLY_TIMEOUT; sync
// trackers are left for their own waiter's timed select, except
// interrupted ones which are left in place regardless of deadline.
func (c *Connection) sweepReplies() {
	c.mu.Lock()
	now := time.Now()
	var toNotify []*Reply
	for cookie, r := range c.replies {
		if r.Sync {
			continue
		}
		if !now.Before(r.Deadline) {
			delete(c.replies, cookie)
			toNotify = append(toNotify, r)
		}
	}
	c.armTimerLocked()
	c.mu.Unlock()

	for _, r := range toNotify {
		r.SrcConn.removeOutstanding(r.Cookie)
		c.bus.pending.Queue(r.SrcConn.ID, notify.NewReplyTimeout(r.Cookie))
		c.bus.Metrics.ReplyTimeouts.Inc()
	}
}

// cancelReply implements the external Cancel(cookie) command (spec §5):
// it walks every connection on the bus looking for a tracker this caller
// created for the given cookie, and if found completes it with
// Cancelled.
func (bus *Bus) cancelReply(callerID, cookie uint64) bool {
	bus.connMu.RLock()
	conns := make([]*Connection, 0, len(bus.connections))
	for _, c := range bus.connections {
		conns = append(conns, c)
	}
	bus.connMu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		r, ok := c.replies[cookie]
		if ok && r.SrcConn.ID == callerID {
			delete(c.replies, cookie)
			c.armTimerLocked()
		} else {
			ok = false
		}
		c.mu.Unlock()

		if ok {
			r.SrcConn.removeOutstanding(cookie)
			select {
			case r.done <- replyOutcome{Err: NewError("Cancel", KindCancelled, "cancelled")}:
			default:
			}
			return true
		}
	}
	return false
}
