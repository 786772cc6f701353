package kdbus

import (
	"github.com/ehrlich-b/kdbusd/internal/queue"
)

// RecvFlags controls how Recv selects and consumes the head of a
// connection's queue (spec §4.9).
type RecvFlags uint64

const (
	// RecvDrop discards the selected entry instead of delivering it.
	RecvDrop RecvFlags = 1 << iota
	// RecvPeek reports the entry's slice offset without removing it or
	// installing handles; the pool is flushed but ownership doesn't
	// transfer.
	RecvPeek
	// RecvUsePriority selects the highest-priority entry at or above the
	// command's Priority. Without it Recv takes the queue head, which is
	// also ordered by priority first and arrival second, so it is the
	// oldest entry only when no higher-priority entry is queued.
	RecvUsePriority
)

// RecvResult is what a successful Recv hands back to the caller.
type RecvResult struct {
	Offset  int
	SrcID   uint64
	DstName string
}

// Recv implements the receive pipeline (spec §4.9): DROP resolves and
// discards the head entry; PEEK reports its offset without consuming it;
// otherwise the slice is published and ownership transfers to the
// caller, who frees it later by offset.
func (bus *Bus) Recv(conn *Connection, priority int64, flags RecvFlags) (RecvResult, error) {
	defer bus.FlushPending()

	conn.mu.Lock()

	var entry queue.Entry
	var handle queue.Handle
	var ok bool
	if flags&RecvUsePriority != 0 {
		entry, handle, ok = conn.Queue.PeekPriority(priority)
	} else {
		entry, handle, ok = conn.Queue.Peek()
	}
	if !ok {
		conn.mu.Unlock()
		return RecvResult{}, NewConnError("Recv", conn.ID, KindNotFound, "queue empty")
	}
	qe, _ := entry.Payload.(*queuedEntry)

	if flags&RecvDrop != 0 {
		conn.Queue.Remove(handle)
		if !qe.privileged && conn.perUserCounts != nil {
			conn.perUserCounts[qe.srcUID]--
		}
		conn.Pool.Free(qe.slice)
		if qe.reply != nil {
			conn.resolveDeadReplyLocked(qe.reply)
		}
		conn.mu.Unlock()
		bus.Metrics.QueueDepth.WithLabelValues(conn.Bus.Name).Dec()
		return RecvResult{}, nil
	}

	if flags&RecvPeek != 0 {
		conn.Pool.Flush(qe.slice)
		conn.mu.Unlock()
		return RecvResult{Offset: qe.slice.Offset, SrcID: qe.srcID, DstName: qe.dstName}, nil
	}

	if err := conn.Pool.Publish(qe.slice); err != nil {
		conn.mu.Unlock()
		return RecvResult{}, WrapError("Recv", err)
	}
	conn.Queue.Remove(handle)
	if !qe.privileged && conn.perUserCounts != nil {
		conn.perUserCounts[qe.srcUID]--
	}
	conn.mu.Unlock()

	bus.Metrics.QueueDepth.WithLabelValues(conn.Bus.Name).Dec()
	return RecvResult{Offset: qe.slice.Offset, SrcID: qe.srcID, DstName: qe.dstName}, nil
}
