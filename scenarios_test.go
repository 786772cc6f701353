package kdbus

import (
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/kdbusd/internal/matchdb"
	"github.com/ehrlich-b/kdbusd/internal/policy"
	"github.com/ehrlich-b/kdbusd/internal/registry"
	"github.com/ehrlich-b/kdbusd/internal/wire"
)

func TestScenarioBasicUnicast(t *testing.T) {
	_, b := newTestBus(t, "basic")
	a := testConnect(t, b, RoleOrdinary, "")
	r := testConnect(t, b, RoleOrdinary, "")

	_, err := b.Send(b.DefaultEndpoint(), a, &Message{
		DstID: r.ID, Cookie: 7, SrcID: a.ID,
		Items: []wire.Item{wire.NewStringItem(wire.ItemPayloadVec, "hi")},
	})
	require.NoError(t, err)

	res, err := b.Recv(r, 0, 0)
	require.NoError(t, err)
	require.Equal(t, a.ID, res.SrcID)
	require.Equal(t, 0, r.Queue.Len())
	require.GreaterOrEqual(t, res.Offset, 0)
}

func TestScenarioSyncRequestReply(t *testing.T) {
	_, b := newTestBus(t, "sync")
	a := testConnect(t, b, RoleOrdinary, "")
	r := testConnect(t, b, RoleOrdinary, "")

	var replyPayload []byte
	var sendErr error
	done := make(chan struct{})
	go func() {
		replyPayload, sendErr = b.Send(b.DefaultEndpoint(), a, &Message{
			DstID: r.ID, Cookie: 42, SrcID: a.ID,
			Flags: FlagExpectReply | FlagSyncReply, TimeoutNs: int64(100 * time.Millisecond),
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Queue.Len() == 1 }, time.Second, time.Millisecond)
	req, err := b.Recv(r, 0, 0)
	require.NoError(t, err)
	require.Equal(t, a.ID, req.SrcID)

	_, err = b.Send(b.DefaultEndpoint(), r, &Message{DstID: a.ID, CookieReply: 42, SrcID: r.ID})
	require.NoError(t, err)

	<-done
	require.NoError(t, sendErr)
	require.NotNil(t, replyPayload)
	require.Empty(t, a.replies)
}

func TestScenarioReplyTimeout(t *testing.T) {
	_, b := newTestBus(t, "timeout")
	a := testConnect(t, b, RoleOrdinary, "")
	r := testConnect(t, b, RoleOrdinary, "")

	_, err := b.Send(b.DefaultEndpoint(), a, &Message{
		DstID: r.ID, Cookie: 42, SrcID: a.ID,
		Flags: FlagExpectReply | FlagSyncReply, TimeoutNs: int64(10 * time.Millisecond),
	})
	require.True(t, IsKind(err, KindTimedOut))

	_, err = b.Recv(r, 0, 0)
	require.NoError(t, err)

	_, err = b.Send(b.DefaultEndpoint(), r, &Message{DstID: a.ID, CookieReply: 42, SrcID: r.ID})
	require.True(t, IsKind(err, KindPermissionDenied))
}

func TestScenarioActivatorHandoff(t *testing.T) {
	_, b := newTestBus(t, "activator")
	x := testConnect(t, b, RoleActivator, "com.example")
	c1 := testConnect(t, b, RoleOrdinary, "")

	_, err := b.Send(b.DefaultEndpoint(), c1, &Message{DstName: "com.example", Cookie: 1, SrcID: c1.ID})
	require.NoError(t, err)
	require.Equal(t, 1, x.Queue.Len())

	impl := testConnect(t, b, RoleOrdinary, "")
	b.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: "com.example", Level: policy.LevelOwn})
	_, err = b.DefaultEndpoint().NameAcquire(impl, "com.example", 0)
	require.NoError(t, err)

	require.Equal(t, 0, x.Queue.Len())
	require.Equal(t, 1, impl.Queue.Len())

	_, err = b.Send(b.DefaultEndpoint(), c1, &Message{DstName: "com.example", Cookie: 2, SrcID: c1.ID})
	require.NoError(t, err)
	require.Equal(t, 2, impl.Queue.Len())
}

func TestScenarioBroadcastWithBloom(t *testing.T) {
	_, b := newTestBus(t, "broadcast")
	a := testConnect(t, b, RoleOrdinary, "")
	recv := testConnect(t, b, RoleOrdinary, "")
	mon := testConnect(t, b, RoleMonitor, "")

	mask := bitset.New(64)
	mask.Set(3)
	recv.Match.Add(matchdb.Rule{ID: 1, Mask: mask})

	matching := bitset.New(64)
	matching.Set(3)
	matching.Set(9)
	_, err := b.Send(b.DefaultEndpoint(), a, &Message{DstID: DstBroadcast, SrcID: a.ID, BloomFilter: matching})
	require.NoError(t, err)
	require.Equal(t, 1, recv.Queue.Len())
	// mon also holds the three ID_ADD notifications staged by the Hellos
	// above, which are flushed to monitors when this Send returns.
	require.Equal(t, 4, mon.Queue.Len())

	nonMatching := bitset.New(64)
	nonMatching.Set(9)
	_, err = b.Send(b.DefaultEndpoint(), a, &Message{DstID: DstBroadcast, SrcID: a.ID, BloomFilter: nonMatching})
	require.NoError(t, err)
	require.Equal(t, 1, recv.Queue.Len())
	require.Equal(t, 5, mon.Queue.Len())
}

func TestScenarioPerUserQuota(t *testing.T) {
	_, b := newTestBus(t, "quota")
	b.Domain.Config.Quotas.MaxMsgsPerUser = 5
	b.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: "", Level: policy.LevelTalk})
	r := testConnect(t, b, RoleOrdinary, "")
	u := testConnect(t, b, RoleOrdinary, "")
	u.Meta.UID = 12345

	for i := 0; i < 5; i++ {
		_, err := b.Send(b.DefaultEndpoint(), u, &Message{DstID: r.ID, Cookie: uint64(i + 1), SrcID: u.ID})
		require.NoError(t, err)
	}

	_, err := b.Send(b.DefaultEndpoint(), u, &Message{DstID: r.ID, Cookie: 6, SrcID: u.ID})
	require.True(t, IsKind(err, KindFull))

	_, err = b.Recv(r, 0, 0)
	require.NoError(t, err)

	_, err = b.Send(b.DefaultEndpoint(), u, &Message{DstID: r.ID, Cookie: 7, SrcID: u.ID})
	require.NoError(t, err)
}

func TestRoundTripLeavesBusUnchanged(t *testing.T) {
	_, b := newTestBus(t, "roundtrip")
	before := len(b.Registry.ListNames())

	conn := testConnect(t, b, RoleOrdinary, "")
	b.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: "net.example.Thing", Level: policy.LevelOwn})
	_, err := b.DefaultEndpoint().NameAcquire(conn, "net.example.Thing", registry.Flags(0))
	require.NoError(t, err)
	require.NoError(t, b.DefaultEndpoint().NameRelease(conn, "net.example.Thing"))
	require.NoError(t, ByeBye(conn))

	require.Equal(t, before, len(b.Registry.ListNames()))
}

func TestByeByeIdempotent(t *testing.T) {
	_, b := newTestBus(t, "idempotent")
	conn := testConnect(t, b, RoleOrdinary, "")
	require.NoError(t, ByeBye(conn))
	err := ByeBye(conn)
	require.True(t, IsKind(err, KindAlreadyDone))
}
