package kdbus

import (
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/kdbusd/internal/matchdb"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/policy"
	"github.com/ehrlich-b/kdbusd/internal/pool"
	"github.com/ehrlich-b/kdbusd/internal/queue"
)

func matchCandidateFor(srcID uint64, srcNames []string, bloom *bitset.BitSet) matchdb.Candidate {
	return matchdb.Candidate{SrcID: srcID, SrcNames: srcNames, BloomFilter: bloom}
}

func principalOf(m meta.Metadata) policy.Principal {
	return policy.Principal{UID: m.UID, GIDs: m.GIDs}
}

// metaSnapshotFor returns the metadata snapshot a message from src should
// attach: the impersonated owner_meta if the creator set one, else the
// connection's own collected identity (spec §4.6).
func metaSnapshotFor(src *Connection) meta.Metadata {
	if src.OwnerMeta != nil {
		return *src.OwnerMeta
	}
	return src.Meta
}

// Send runs the send pipeline described in spec §4.8. src is nil for
// kernel-origin messages. It returns the synchronous reply payload when
// msg.Flags has FlagSyncReply set and the round trip completes
// successfully.
func (bus *Bus) Send(ep *Endpoint, src *Connection, msg *Message) ([]byte, error) {
	msg.Seq = bus.Domain.nextSeq()
	bus.Metrics.MessagesSent.Inc()

	defer bus.FlushPending()

	if msg.IsBroadcast() {
		bus.broadcast(ep, src, msg)
		return nil, nil
	}

	var dst *Connection
	var nameID uint64

	if msg.DstName != "" {
		ownerID, isActivator, ok := bus.Registry.Lookup(msg.DstName)
		if !ok {
			return nil, NewError("Send", KindAddressNotAvailable, "no owner for name "+msg.DstName)
		}
		if msg.DstID != 0 && msg.DstID != ownerID {
			return nil, NewError("Send", KindExchangeFull, "dst-id does not match current name owner")
		}
		if isActivator && msg.Flags&FlagNoAutoStart != 0 {
			return nil, NewError("Send", KindAddressNotAvailable, "name held only by an activator")
		}
		dst = mustLookup(bus, ownerID)
		nameID, _ = bus.NameID(msg.DstName)
	} else {
		found, ok := bus.LookupConnection(msg.DstID)
		if !ok {
			return nil, NewConnError("Send", msg.DstID, KindNotFound, "no such connection")
		}
		if found.Role != RoleOrdinary {
			return nil, NewConnError("Send", msg.DstID, KindNotFound, "cannot address monitor/activator/policy-holder by id")
		}
		dst = found
	}
	if dst == nil {
		return nil, NewError("Send", KindNotFound, "destination resolved to nothing")
	}

	msg.Meta = metaSnapshotFor(orSelf(src)).ToItems(dst.AttachFlags)

	// A reply to an earlier request bypasses the TALK check entirely —
	// having a matching tracker already proves authorization (spec §4.8
	// step 8). The tracker lives on src's owed-reply list, since src (the
	// responder) is the one who owed it.
	if msg.CookieReply != 0 && src != nil {
		tracker, ok := src.takeReplyOwed(msg.CookieReply)
		if !ok {
			return nil, NewConnError("Send", src.ID, KindPermissionDenied, "no matching reply tracker for cookie_reply")
		}
		return bus.deliverReply(tracker, src, msg)
	}

	var tracker *Reply
	if msg.Flags&FlagExpectReply != 0 {
		if src == nil {
			return nil, NewError("Send", KindInvalidArgument, "EXPECT_REPLY requires a sender")
		}
		if !ep.checkTalk(principalOf(metaSnapshotFor(src)), src.Meta.UID, dst.Meta.UID, msg.DstName) {
			return nil, NewConnError("Send", src.ID, KindPermissionDenied, "TALK denied")
		}
		if atomic.LoadInt64(&src.pendingOut) >= int64(bus.Domain.Config.Quotas.MaxRequestsPending) {
			return nil, NewConnError("Send", src.ID, KindFull, "MAX_REQUESTS_PENDING exceeded")
		}
		atomic.AddInt64(&src.pendingOut, 1)
		tracker = newReply(src, dst.ID, msg.Cookie, nameID, msg.TimeoutNs, msg.Flags&FlagSyncReply != 0)
		dst.addReplyOwed(tracker)
		src.addOutstanding(tracker)
	} else if src != nil {
		if !ep.checkTalk(principalOf(metaSnapshotFor(src)), src.Meta.UID, dst.Meta.UID, msg.DstName) {
			return nil, NewConnError("Send", src.ID, KindPermissionDenied, "TALK denied")
		}
	}

	srcUID := uint32(0)
	if src != nil {
		srcUID = src.Meta.UID
	}
	if err := bus.enqueueMessage(dst, msg, tracker, srcUID); err != nil {
		return nil, err
	}

	bus.eavesdrop(src, msg)

	if tracker != nil && tracker.Sync {
		return bus.waitForReply(tracker)
	}
	return nil, nil
}

func orSelf(src *Connection) *Connection {
	if src == nil {
		return &Connection{}
	}
	return src
}

func mustLookup(bus *Bus, id uint64) *Connection {
	c, _ := bus.LookupConnection(id)
	return c
}

// deliverReply completes an in-flight request with the responder's
// payload: a sync waiter is woken directly, bypassing the queue (spec
// §4.8 step 9); an async tracker's original sender gets the reply
// enqueued normally.
func (bus *Bus) deliverReply(tracker *Reply, responder *Connection, msg *Message) ([]byte, error) {
	atomic.AddInt64(&tracker.SrcConn.pendingOut, -1)
	payload := msg.Serialize()

	if tracker.Sync {
		select {
		case tracker.done <- replyOutcome{Payload: payload, SrcID: msg.SrcID}:
		default:
		}
		return nil, nil
	}

	msg.Meta = metaSnapshotFor(orSelf(responder)).ToItems(tracker.SrcConn.AttachFlags)
	if err := bus.enqueueMessage(tracker.SrcConn, msg, nil, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

// waitForReply blocks the caller until tracker's response arrives, its
// deadline elapses, or it's cancelled — the synchronous half of send
// (spec §4.8 step 12, §4.10).
func (bus *Bus) waitForReply(tracker *Reply) ([]byte, error) {
	timeout := time.Until(tracker.Deadline)
	if timeout < 0 {
		timeout = 0
	}
	select {
	case res := <-tracker.done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Payload, nil
	case <-time.After(timeout):
		dst, ok := bus.LookupConnection(tracker.DstID)
		if ok {
			dst.takeReplyOwed(tracker.Cookie)
		}
		atomic.AddInt64(&tracker.SrcConn.pendingOut, -1)
		return nil, NewConnError("Send", tracker.SrcConn.ID, KindTimedOut, "reply deadline expired")
	}
}

// broadcast implements fan-out (spec §4.8.1): every ordinary/monitor
// connection but the sender is considered; for ordinary receivers the
// MatchDB must match, then broadcast-TALK or SEE of one of the sender's
// names must be granted. There is no separate endpoint-visibility check.
// Each receiver's metadata is built from the sender's snapshot filtered by
// that receiver's attach flags alone; it does not accumulate across the
// fan-out. Failures on one receiver never abort the others.
func (bus *Bus) broadcast(ep *Endpoint, src *Connection, msg *Message) {
	srcNames := []string{}
	srcID := uint64(0)
	var srcMeta meta.Metadata
	if src != nil {
		srcID = src.ID
		srcNames = bus.Registry.NamesOwnedBy(src.ID)
		srcMeta = metaSnapshotFor(src)
	}

	targets := make([]*Connection, 0)
	for _, c := range bus.AllConnections() {
		if c == src || (c.Role != RoleOrdinary && c.Role != RoleMonitor) {
			continue
		}
		targets = append(targets, c)
	}

	var g errgroup.Group
	for _, c := range targets {
		c := c
		g.Go(func() error {
			if c.Role != RoleMonitor {
				if !c.Match.Matches(matchCandidateFor(srcID, srcNames, msg.BloomFilter)) {
					return nil
				}
				if !ep.checkTalk(principalOf(srcMeta), srcMeta.UID, c.Meta.UID, msg.DstName) {
					seeOK := false
					for _, n := range srcNames {
						if ep.checkSee(principalOf(c.Meta), n) {
							seeOK = true
							break
						}
					}
					if !seeOK {
						return nil
					}
				}
			}
			perReceiver := *msg
			perReceiver.Meta = srcMeta.ToItems(c.AttachFlags)
			srcUID := uint32(0)
			if src != nil {
				srcUID = src.Meta.UID
			}
			_ = bus.enqueueMessage(c, &perReceiver, nil, srcUID)
			return nil
		})
	}
	_ = g.Wait()
}

// eavesdrop mirrors msg to every monitor connection, bypassing policy and
// match evaluation entirely (spec §4.8.3).
func (bus *Bus) eavesdrop(src *Connection, msg *Message) {
	for _, c := range bus.AllConnections() {
		if c.Role != RoleMonitor || c == src {
			continue
		}
		cp := *msg
		cp.Meta = metaSnapshotFor(orSelf(src)).ToItems(c.AttachFlags)
		_ = bus.enqueueMessage(c, &cp, nil, 0)
	}
}

// migrateQueuedByName moves every entry addressed to name sitting in
// from's queue over to to's pool and queue. Used in both directions of
// spec §4.5's handoff: activator→implementor when a real owner acquires
// the name (spec §4.8 Scenario 4), and implementor→activator when the
// owner releases it back to an activator fallback.
func (bus *Bus) migrateQueuedByName(from, to *Connection, name string) {
	from.mu.Lock()
	moved := from.Queue.RemoveMatching(func(e queue.Entry) bool {
		qe, ok := e.Payload.(*queuedEntry)
		return ok && qe.dstName == name
	})
	from.mu.Unlock()

	for _, e := range moved {
		qe := e.Payload.(*queuedEntry)
		newSlice, err := pool.Move(qe.slice, from.Pool, to.Pool)
		if err != nil {
			bus.Domain.Logger.Warn("failed to migrate queued entry during name handoff", "name", name, "err", err)
			continue
		}
		qe.slice = newSlice
		to.mu.Lock()
		e.ArrivalSeq = to.nextArrivalSeq()
		to.Queue.Add(e)
		to.mu.Unlock()
	}
}

// enqueueMessage implements spec §4.8.2: validates the destination is
// live and FD-capable, enforces MAX_MSGS/MAX_MSGS_PER_USER (unless
// srcUID==0, the privileged bypass), allocates and fills a pool slice,
// and links a priority queue entry. The slice stays kernel-private; Recv
// publishes it (spec §4.9).
func (bus *Bus) enqueueMessage(dst *Connection, msg *Message, reply *Reply, srcUID uint32) error {
	if dst.State() != StateActive {
		return NewConnError("Send", dst.ID, KindConnectionReset, "destination not active")
	}
	if len(msg.FDs) > 0 && !dst.AcceptFDs {
		return NewConnError("Send", dst.ID, KindCommunication, "destination does not accept file handles")
	}

	privileged := srcUID == 0
	payload := msg.Serialize()

	dst.mu.Lock()
	if !privileged {
		if dst.Queue.Len() >= bus.Domain.Config.Quotas.MaxMsgs {
			dst.mu.Unlock()
			return NewConnError("Send", dst.ID, KindFull, "MAX_MSGS exceeded")
		}
		if dst.perUserCounts == nil {
			dst.perUserCounts = make(map[uint32]int)
		}
		if dst.perUserCounts[srcUID] >= bus.Domain.Config.Quotas.MaxMsgsPerUser {
			dst.mu.Unlock()
			return NewConnError("Send", dst.ID, KindFull, "MAX_MSGS_PER_USER exceeded")
		}
	}

	slice, err := dst.Pool.Alloc(len(payload))
	if err != nil {
		dst.mu.Unlock()
		return NewConnError("Send", dst.ID, KindOutOfSpace, "pool allocation failed")
	}
	if len(payload) > 0 {
		if err := dst.Pool.Copy(slice, 0, payload); err != nil {
			dst.Pool.Free(slice)
			dst.mu.Unlock()
			return WrapError("Send", err)
		}
	}

	if !privileged {
		dst.perUserCounts[srcUID]++
	}
	entry := queue.Entry{
		Cookie:     msg.Cookie,
		Priority:   msg.Priority,
		ArrivalSeq: dst.nextArrivalSeq(),
		Payload:    &queuedEntry{slice: slice, srcID: msg.SrcID, dstName: msg.DstName, reply: reply, srcUID: srcUID, privileged: privileged},
	}
	dst.Queue.Add(entry)
	dst.mu.Unlock()

	bus.Metrics.QueueDepth.WithLabelValues(dst.Bus.Name).Inc()
	return nil
}
