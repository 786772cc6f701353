package kdbus

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/kdbusd/internal/constants"
	"github.com/ehrlich-b/kdbusd/internal/matchdb"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/notify"
	"github.com/ehrlich-b/kdbusd/internal/pool"
	"github.com/ehrlich-b/kdbusd/internal/queue"
	"github.com/ehrlich-b/kdbusd/internal/timerwheel"
)

// Role is a connection's mutually-exclusive behavioral category (spec
// §3). A single principal may hold several connections of different
// roles simultaneously.
type Role int

const (
	RoleOrdinary Role = iota
	RoleMonitor
	RoleActivator
	RolePolicyHolder
)

// ConnState is a position in the connection lifecycle (spec §4.7).
type ConnState int32

const (
	StateNew ConnState = iota
	StateActive
	StateDisconnecting
	StateDead
)

// Connection is an attached bus participant.
type Connection struct {
	ID   uint64
	Bus  *Bus
	Role Role

	Pool  *pool.Pool
	Queue *queue.Queue
	Match *matchdb.MatchDB

	Meta        meta.Metadata
	OwnerMeta   *meta.Metadata // set only when a privileged caller impersonates another principal
	AttachFlags meta.AttachFlags
	AcceptFDs   bool
	Description string

	// ActivatorName is the well-known name this connection was created to
	// activate or to hold policy for (spec §6 Hello: "optional name
	// (activator/policy-holder)"). Hello copies the request's name here for
	// every role; only those two roles require one.
	ActivatorName string

	bus *Bus // same as Bus; unexported alias used by reply.go helpers

	state int32 // atomic ConnState

	active      int64 // atomic active-ref counter, biased on disconnect
	drained     chan struct{}
	drainedOnce sync.Once

	mu            sync.Mutex
	replies       map[uint64]*Reply // cookie -> tracker this connection owes a reply for
	outstanding   map[uint64]*Reply // cookie -> tracker this connection is waiting on as the original sender
	timerHandle   *timerwheel.Handle
	perUserCounts map[uint32]int // srcUID -> queued messages, lazily created (spec §4.8.2)

	arrivalSeq uint64 // atomic, feeds queue.Entry.ArrivalSeq
	pendingOut int64  // atomic, EXPECT_REPLY requests this connection is still waiting on
}

func newConnection(bus *Bus, id uint64, role Role, poolSize int, attachFlags meta.AttachFlags, acceptFDs bool, m meta.Metadata, ownerMeta *meta.Metadata, description string) *Connection {
	if poolSize <= 0 {
		poolSize = constants.DefaultPoolSize
	}
	return &Connection{
		ID: id, Bus: bus, bus: bus, Role: role,
		Pool: pool.New(poolSize), Queue: queue.New(), Match: matchdb.New(),
		Meta: m, OwnerMeta: ownerMeta, AttachFlags: attachFlags, AcceptFDs: acceptFDs,
		Description: description,
		drained:     make(chan struct{}),
		replies:     make(map[uint64]*Reply),
		outstanding: make(map[uint64]*Reply),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s ConnState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// nextArrivalSeq hands out monotonically increasing per-connection
// sequence numbers used to order queue entries FIFO within a priority
// tier.
func (c *Connection) nextArrivalSeq() uint64 {
	return atomic.AddUint64(&c.arrivalSeq, 1)
}

// AcquireActive implements the active-reference barrier's acquire side
// (spec §4.7): it succeeds only while the connection isn't disconnecting.
// Callers must pair every successful AcquireActive with ReleaseActive.
func (c *Connection) AcquireActive() bool {
	for {
		cur := atomic.LoadInt64(&c.active)
		if cur < 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.active, cur, cur+1) {
			return true
		}
	}
}

// ReleaseActive releases one active reference taken by AcquireActive.
func (c *Connection) ReleaseActive() {
	atomic.AddInt64(&c.active, -1)
	c.checkDrained()
}

func (c *Connection) checkDrained() {
	if atomic.LoadInt64(&c.active) == constants.DisconnectBias {
		c.drainedOnce.Do(func() { close(c.drained) })
	}
}

// beginDisconnect adds the disconnect bias, after which no new
// AcquireActive can succeed; it returns once every outstanding active
// reference has been released.
func (c *Connection) beginDisconnect() {
	c.setState(StateDisconnecting)
	atomic.AddInt64(&c.active, constants.DisconnectBias)
	c.checkDrained()
	<-c.drained
}

// Activate transitions a just-created connection into the bus's
// connection hash (spec §4.7 New → Active).
func (c *Connection) Activate() {
	c.Bus.addConnection(c)
	c.setState(StateActive)
	c.Bus.pending.Queue(DstBroadcast, notify.NewIDAdd(c.ID))
}

// Disconnect runs the full teardown sequence in the order spec §4.7
// requires: remove from the bus's indexes, release owned names, drain
// the receive queue (notifying reply back-pointers), drain the owed
// reply list, then emit ID_REMOVE — only after every active reference
// has drained.
func (c *Connection) Disconnect() error {
	if c.State() == StateDead {
		return NewConnError("ByeBye", c.ID, KindAlreadyDone, "connection already disconnected")
	}
	if c.Queue.Len() > 0 && c.State() == StateActive {
		// Busy is only meaningful for a voluntary ByeBye on an otherwise
		// healthy connection; cascade teardown (bus/endpoint disconnect)
		// always proceeds regardless, via ForceDisconnect.
		return NewConnError("ByeBye", c.ID, KindBusy, "receive queue not empty")
	}
	c.ForceDisconnect()
	return nil
}

// ForceDisconnect tears a connection down unconditionally — used for
// cascading endpoint/bus teardown, where a non-empty queue must not block
// shutdown.
func (c *Connection) ForceDisconnect() {
	if c.State() == StateDead {
		return
	}
	c.beginDisconnect()

	c.Bus.removeConnection(c)

	affectedNames := c.Bus.Registry.RemoveByConn(c.ID)
	for _, name := range affectedNames {
		if ownerID, _, ok := c.Bus.Registry.Lookup(name); ok {
			c.Bus.pending.Queue(DstBroadcast, notify.NewNameChange(name, c.ID, ownerID))
		} else {
			c.Bus.pending.Queue(DstBroadcast, notify.NewNameRemove(name, c.ID))
		}
	}

	c.mu.Lock()
	drained := c.Queue.RemoveMatching(func(queue.Entry) bool { return true })
	// A queued message's reply tracker is the same object addReplyOwed
	// already linked into c.replies, so resolve each tracker at most once
	// even though both scans can find it.
	resolved := make(map[uint64]*Reply)
	for _, e := range drained {
		if rc, ok := e.Payload.(*queuedEntry); ok && rc.reply != nil {
			if _, done := resolved[rc.reply.Cookie]; !done {
				c.resolveDeadReplyLocked(rc.reply)
				resolved[rc.reply.Cookie] = rc.reply
			}
			delete(c.replies, rc.reply.Cookie)
		}
	}
	for cookie, r := range c.replies {
		delete(c.replies, cookie)
		if _, done := resolved[cookie]; !done {
			c.resolveDeadReplyLocked(r)
			resolved[cookie] = r
		}
	}
	outstanding := make([]*Reply, 0, len(c.outstanding))
	for cookie, r := range c.outstanding {
		delete(c.outstanding, cookie)
		outstanding = append(outstanding, r)
	}
	if c.timerHandle != nil {
		c.timerHandle.Stop()
		c.timerHandle = nil
	}
	c.mu.Unlock()

	// Every tracker c just resolved as the *responder* dying had its
	// authoritative copy on c; tell the original sender it no longer needs
	// to track it either.
	for _, r := range resolved {
		r.SrcConn.removeOutstanding(r.Cookie)
	}
	// c may also be the *sender* of requests a still-live responder is
	// holding trackers for; that responder needs REPLY_DEAD too, since the
	// reply it eventually produces now has nowhere to go (spec §5).
	for _, r := range outstanding {
		c.notifyResponderSenderDead(r)
	}

	c.setState(StateDead)
	c.Bus.pending.Queue(DstBroadcast, notify.NewIDRemove(c.ID))
}

// notifyResponderSenderDead implements the sender-dies-first half of spec
// §5's REPLY_DEAD guarantee: c (the original sender) is going away with r
// still unanswered, so the connection that owes the reply is told its
// tracker is dead rather than silently producing a reply nobody can
// receive.
func (c *Connection) notifyResponderSenderDead(r *Reply) {
	responder, ok := c.Bus.LookupConnection(r.DstID)
	if !ok {
		return
	}
	if _, ok := responder.takeReplyOwed(r.Cookie); !ok {
		return
	}
	c.Bus.pending.Queue(r.DstID, notify.NewReplyDead(r.Cookie))
}

// resolveDeadReplyLocked completes r as the disconnecting connection
// dying out from under it: sync waiters wake with BrokenPipe, async
// waiters get a REPLY_DEAD notification. Callers must hold c.mu.
func (c *Connection) resolveDeadReplyLocked(r *Reply) {
	if r.Sync {
		select {
		case r.done <- replyOutcome{Err: NewError("Send", KindBrokenPipe, "peer disconnected before replying")}:
		default:
		}
		return
	}
	c.Bus.pending.Queue(r.SrcConn.ID, notify.NewReplyDead(r.Cookie))
}

// queuedEntry is the Payload stashed in a queue.Entry for this engine: it
// carries the message header fields the generic queue package doesn't
// know about plus an optional back-pointer to the Reply tracker that
// authorized delivery (spec §3 "Queue entry").
type queuedEntry struct {
	slice      pool.Slice
	srcID      uint64
	dstName    string
	reply      *Reply
	srcUID     uint32
	privileged bool
}
