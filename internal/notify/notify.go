// Package notify builds the kernel-origin messages the bus synthesizes
// for its own housekeeping events — a connection appearing or vanishing,
// a well-known name changing hands, a pending reply timing out or its
// expected replier dying (spec §4.11). These are never built and
// delivered inline from inside the state change that triggers them:
// callers stage them in a Pending set and Drain it once their locks are
// released, the same way the teacher's queue runner defers completion
// notification until outside the per-tag critical section, to avoid
// reentering connection/bus locks from a notification callback.
package notify

import (
	"sync"

	"github.com/ehrlich-b/kdbusd/internal/wire"
)

// Kind identifies which synthesized event a Notification carries.
type Kind int

const (
	KindIDAdd Kind = iota
	KindIDRemove
	KindNameAdd
	KindNameRemove
	KindNameChange
	KindReplyTimeout
	KindReplyDead
)

// Notification is a ready-to-enqueue kernel-origin message body.
type Notification struct {
	Kind  Kind
	Items []wire.Item
}

// NewIDAdd builds an ID_ADD notification for a connection that just went
// active on the bus.
func NewIDAdd(connID uint64) Notification {
	return Notification{Kind: KindIDAdd, Items: []wire.Item{wire.NewUint64Item(wire.ItemIDAdd, connID)}}
}

// NewIDRemove builds an ID_REMOVE notification for a connection that just
// disconnected.
func NewIDRemove(connID uint64) Notification {
	return Notification{Kind: KindIDRemove, Items: []wire.Item{wire.NewUint64Item(wire.ItemIDRemove, connID)}}
}

// NewNameAdd builds a NAME_ADD notification: name had no owner, now owned
// by newOwner.
func NewNameAdd(name string, newOwner uint64) Notification {
	return Notification{Kind: KindNameAdd, Items: []wire.Item{
		wire.NewStringItem(wire.ItemNameAdd, name),
		wire.NewUint64Item(wire.ItemIDAdd, newOwner),
	}}
}

// NewNameRemove builds a NAME_REMOVE notification: name had no remaining
// claimant and was dropped entirely.
func NewNameRemove(name string, oldOwner uint64) Notification {
	return Notification{Kind: KindNameRemove, Items: []wire.Item{
		wire.NewStringItem(wire.ItemNameRemove, name),
		wire.NewUint64Item(wire.ItemIDRemove, oldOwner),
	}}
}

// NewNameChange builds a NAME_CHANGE notification: name moved from one
// owner to another (replacement or queue promotion) without ever going
// unowned in between.
func NewNameChange(name string, oldOwner, newOwner uint64) Notification {
	return Notification{Kind: KindNameChange, Items: []wire.Item{
		wire.NewStringItem(wire.ItemNameChange, name),
		wire.NewUint64Item(wire.ItemIDRemove, oldOwner),
		wire.NewUint64Item(wire.ItemIDAdd, newOwner),
	}}
}

// NewReplyTimeout builds a REPLY_TIMEOUT notification delivered to the
// original sender of an async request whose deadline elapsed with no
// reply. A sync sender learns of its timeout from Send's error instead.
func NewReplyTimeout(cookie uint64) Notification {
	return Notification{Kind: KindReplyTimeout, Items: []wire.Item{wire.NewUint64Item(wire.ItemReplyTimeout, cookie)}}
}

// NewReplyDead builds a REPLY_DEAD notification delivered to the original
// sender when the connection it expected a reply from disconnects first.
func NewReplyDead(cookie uint64) Notification {
	return Notification{Kind: KindReplyDead, Items: []wire.Item{wire.NewUint64Item(wire.ItemReplyDead, cookie)}}
}

// Target pairs a Notification with the connection id it's addressed to.
type Target struct {
	ConnID uint64
	Notification
}

// Pending accumulates notifications raised mid-operation for delivery
// once the caller's locks are released. The ordering decision recorded in
// SPEC_FULL.md (all of a disconnecting connection's REPLY_DEAD
// notifications are staged, and therefore delivered, before its own
// ID_REMOVE) is enforced by callers queuing in that order — Pending
// itself is a plain FIFO and does not reorder what it's given.
type Pending struct {
	mu  sync.Mutex
	buf []Target
}

// NewPending returns an empty staging buffer.
func NewPending() *Pending {
	return &Pending{}
}

// Queue stages a notification addressed to connID.
func (p *Pending) Queue(connID uint64, n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, Target{ConnID: connID, Notification: n})
}

// Drain returns every staged notification in queue order and clears the
// buffer.
func (p *Pending) Drain() []Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.buf
	p.buf = nil
	return out
}
