package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	q := New()
	q.Add(Entry{Cookie: 1, Priority: 0, ArrivalSeq: 1})
	q.Add(Entry{Cookie: 2, Priority: 10, ArrivalSeq: 2})
	q.Add(Entry{Cookie: 3, Priority: 5, ArrivalSeq: 3})

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(2), e.Cookie, "highest priority pops first")

	e, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(3), e.Cookie)

	e, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Cookie)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestFIFOWithinPriorityTier(t *testing.T) {
	q := New()
	q.Add(Entry{Cookie: 1, Priority: 0, ArrivalSeq: 3})
	q.Add(Entry{Cookie: 2, Priority: 0, ArrivalSeq: 1})
	q.Add(Entry{Cookie: 3, Priority: 0, ArrivalSeq: 2})

	var order []uint64
	for {
		e, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, e.Cookie)
	}
	require.Equal(t, []uint64{2, 3, 1}, order)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Add(Entry{Cookie: 1, Priority: 0, ArrivalSeq: 1})

	e, _, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Cookie)
	require.Equal(t, 1, q.Len())
}

func TestRemoveByHandle(t *testing.T) {
	q := New()
	h1 := q.Add(Entry{Cookie: 1, Priority: 0, ArrivalSeq: 1})
	q.Add(Entry{Cookie: 2, Priority: 0, ArrivalSeq: 2})

	e, ok := q.Remove(h1)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Cookie)
	require.Equal(t, 1, q.Len())

	_, ok = q.Remove(h1)
	require.False(t, ok, "already removed")
}

// TestRemoveByHandleDisambiguatesSharedCookie is the regression test for
// the bug where Remove keyed on Cookie: two entries sharing a cookie (as
// every kernel-origin notification does, and as broadcast copies do) must
// be independently addressable and removable by the Handle each Add/Peek
// call returns, not conflated by their shared cookie.
func TestRemoveByHandleDisambiguatesSharedCookie(t *testing.T) {
	q := New()
	h1 := q.Add(Entry{Cookie: 0, Priority: 0, ArrivalSeq: 1, Payload: "first"})
	q.Add(Entry{Cookie: 0, Priority: 0, ArrivalSeq: 2, Payload: "second"})
	require.Equal(t, 2, q.Len())

	e, ok := q.Remove(h1)
	require.True(t, ok)
	require.Equal(t, "first", e.Payload)
	require.Equal(t, 1, q.Len())

	remaining, _, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "second", remaining.Payload)
}

func TestRemoveMatching(t *testing.T) {
	q := New()
	q.Add(Entry{Cookie: 1, Priority: 0, ArrivalSeq: 1, Payload: "from-A"})
	q.Add(Entry{Cookie: 2, Priority: 0, ArrivalSeq: 2, Payload: "from-B"})
	q.Add(Entry{Cookie: 3, Priority: 0, ArrivalSeq: 3, Payload: "from-A"})

	removed := q.RemoveMatching(func(e Entry) bool { return e.Payload == "from-A" })
	require.Len(t, removed, 2)
	require.Equal(t, 1, q.Len())

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "from-B", e.Payload)
}
