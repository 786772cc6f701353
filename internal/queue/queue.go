// Package queue implements a connection's inbound message queue:
// priority-ordered (higher priority first), FIFO by arrival within a
// priority tier (spec §3 "Queue", §4.9). It replaces the teacher's
// per-tag in-flight ring (internal/queue/runner.go's TagState machine,
// which ordered I/O completions by ring slot) with ordering by the two
// keys the bus cares about: priority, then arrival sequence.
package queue

import "container/heap"

// Entry is one message waiting for its connection to receive it.
type Entry struct {
	Cookie     uint64
	Priority   int64
	ArrivalSeq uint64
	// Payload is opaque to the queue; callers stash whatever they need to
	// hand back to a receiver (the engine stores its own queued-entry
	// record here).
	Payload any
}

// Handle identifies one specific entry previously returned by Add, Peek,
// or PeekPriority — the only thing Remove accepts. Cookie is not a valid
// identity for a queued entry: every kernel-origin notification is
// enqueued with Cookie 0, and a broadcast's per-receiver copies all carry
// the sender's cookie, so two or more entries routinely share one. A
// Handle instead pins the exact heap node, so Remove unlinks the entry
// the caller actually looked at rather than whichever entry last happened
// to claim that cookie.
type Handle struct {
	he *heapEntry
}

// Valid reports whether h still designates a live, queued entry.
func (h Handle) Valid() bool { return h.he != nil && h.he.index >= 0 }

// heapEntry carries an Entry plus the index container/heap needs to
// support Remove. index is -1 once the node has been popped/removed, so
// a Handle retained past that point is detectably stale instead of
// silently aliasing whatever later entry reused the slot.
type heapEntry struct {
	e     Entry
	index int
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].e.Priority != h[j].e.Priority {
		return h[i].e.Priority > h[j].e.Priority // higher priority first
	}
	return h[i].e.ArrivalSeq < h[j].e.ArrivalSeq // FIFO within a tier
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	he := x.(*heapEntry)
	he.index = len(*h)
	*h = append(*h, he)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	he := old[n-1]
	old[n-1] = nil
	he.index = -1
	*h = old[:n-1]
	return he
}

// Queue is a single connection's priority queue of pending messages.
// It is not safe for concurrent use; callers serialize access the same
// way the teacher serializes access to a device's queue runner (the
// owning Connection holds the lock).
type Queue struct {
	h entryHeap
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Len returns the number of messages currently queued.
func (q *Queue) Len() int { return len(q.h) }

// Add enqueues an entry and returns a Handle identifying it for a later
// Remove.
func (q *Queue) Add(e Entry) Handle {
	he := &heapEntry{e: e}
	heap.Push(&q.h, he)
	return Handle{he: he}
}

// Peek returns the highest-priority, earliest-arrived entry, along with
// the Handle that must be passed to Remove to drop that exact entry,
// without removing it (used by Recv whenever USE_PRIORITY is not set).
// Priority is compared first, so a later higher-priority entry is returned
// ahead of an older lower-priority one.
func (q *Queue) Peek() (Entry, Handle, bool) {
	if len(q.h) == 0 {
		return Entry{}, Handle{}, false
	}
	he := q.h[0]
	return he.e, Handle{he: he}, true
}

// Pop removes and returns the highest-priority, earliest-arrived entry.
func (q *Queue) Pop() (Entry, bool) {
	if len(q.h) == 0 {
		return Entry{}, false
	}
	he := heap.Pop(&q.h).(*heapEntry)
	return he.e, true
}

// PeekPriority returns the highest-priority, earliest-arrived entry whose
// priority is >= minPriority, along with its Handle, without removing it
// (spec §4.9's `peek(priority, use_priority=true)`).
func (q *Queue) PeekPriority(minPriority int64) (Entry, Handle, bool) {
	var best *heapEntry
	for _, he := range q.h {
		if he.e.Priority < minPriority {
			continue
		}
		if best == nil || he.e.Priority > best.e.Priority ||
			(he.e.Priority == best.e.Priority && he.e.ArrivalSeq < best.e.ArrivalSeq) {
			best = he
		}
	}
	if best == nil {
		return Entry{}, Handle{}, false
	}
	return best.e, Handle{he: best}, true
}

// PopPriority removes and returns the same entry PeekPriority would find.
func (q *Queue) PopPriority(minPriority int64) (Entry, bool) {
	_, h, ok := q.PeekPriority(minPriority)
	if !ok {
		return Entry{}, false
	}
	return q.Remove(h)
}

// Remove drops the specific queued entry h identifies (used by Recv and
// PopPriority to consume whatever Peek/PeekPriority just looked at). It
// reports whether h still designated a live entry.
func (q *Queue) Remove(h Handle) (Entry, bool) {
	if !h.Valid() {
		return Entry{}, false
	}
	e := h.he.e
	heap.Remove(&q.h, h.he.index)
	return e, true
}

// RemoveMatching removes and returns every entry for which match returns
// true, preserving heap order for what remains. Used when a connection
// is torn down and every queued message bound for it must be purged, or
// conversely when purging every message *from* a disconnecting sender.
func (q *Queue) RemoveMatching(match func(Entry) bool) []Entry {
	var removed []Entry
	var remaining []Entry
	for _, he := range q.h {
		if match(he.e) {
			removed = append(removed, he.e)
		} else {
			remaining = append(remaining, he.e)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for _, he := range q.h {
		he.index = -1
	}
	q.h = q.h[:0]
	for _, e := range remaining {
		q.Add(e)
	}
	return removed
}
