package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/kdbusd/internal/wire"
)

func TestBuildersProduceExpectedItems(t *testing.T) {
	n := NewIDAdd(7)
	require.Equal(t, KindIDAdd, n.Kind)
	it, ok := wire.Find(n.Items, wire.ItemIDAdd)
	require.True(t, ok)
	require.Equal(t, uint64(7), it.Uint64())

	nc := NewNameChange("com.example.foo", 1, 2)
	require.Equal(t, KindNameChange, nc.Kind)
	name, ok := wire.Find(nc.Items, wire.ItemNameChange)
	require.True(t, ok)
	require.Equal(t, "com.example.foo", name.String())
}

func TestPendingPreservesQueueOrder(t *testing.T) {
	p := NewPending()
	p.Queue(1, NewReplyDead(100))
	p.Queue(1, NewReplyDead(101))
	p.Queue(1, NewIDRemove(1))

	drained := p.Drain()
	require.Len(t, drained, 3)
	require.Equal(t, KindReplyDead, drained[0].Kind)
	require.Equal(t, KindReplyDead, drained[1].Kind)
	require.Equal(t, KindIDRemove, drained[2].Kind, "ID_REMOVE staged last, after every REPLY_DEAD")
}

func TestDrainClearsBuffer(t *testing.T) {
	p := NewPending()
	p.Queue(1, NewIDAdd(1))
	require.Len(t, p.Drain(), 1)
	require.Empty(t, p.Drain())
}
