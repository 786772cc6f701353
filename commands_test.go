package kdbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/kdbusd/internal/matchdb"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/policy"
)

func TestConnInfo(t *testing.T) {
	_, b := newTestBus(t, "conninfo")
	a := testConnect(t, b, RoleOrdinary, "")
	other := testConnect(t, b, RoleOrdinary, "")

	items, err := ConnInfo(a, other, meta.AttachAll)
	require.NoError(t, err)
	require.NotEmpty(t, items)
}

func TestConnInfoRejectsOtherBus(t *testing.T) {
	_, b1 := newTestBus(t, "conninfo1")
	_, b2 := newTestBus(t, "conninfo2")
	a := testConnect(t, b1, RoleOrdinary, "")
	other := testConnect(t, b2, RoleOrdinary, "")

	_, err := ConnInfo(a, other, meta.AttachAll)
	require.True(t, IsKind(err, KindNotFound))
}

func TestBusCreatorInfo(t *testing.T) {
	_, b := newTestBus(t, "creatorinfo")
	a := testConnect(t, b, RoleOrdinary, "")

	items := BusCreatorInfo(a)
	require.NotEmpty(t, items)
}

func TestMatchAddRemove(t *testing.T) {
	_, b := newTestBus(t, "matchaddremove")
	a := testConnect(t, b, RoleOrdinary, "")

	MatchAdd(a, matchdb.Rule{ID: 9})
	require.Equal(t, 1, a.Match.Len())

	require.True(t, MatchRemove(a, 9))
	require.Equal(t, 0, a.Match.Len())
	require.False(t, MatchRemove(a, 9))
}

func TestCancelPendingRequest(t *testing.T) {
	_, b := newTestBus(t, "cancel")
	a := testConnect(t, b, RoleOrdinary, "")
	r := testConnect(t, b, RoleOrdinary, "")

	_, err := b.Send(b.DefaultEndpoint(), a, &Message{
		DstID: r.ID, Cookie: 5, SrcID: a.ID, Flags: FlagExpectReply,
	})
	require.NoError(t, err)

	require.True(t, Cancel(b, a.ID, 5))
	require.False(t, Cancel(b, a.ID, 5))
}

func TestUpdateAttachFlags(t *testing.T) {
	_, b := newTestBus(t, "updateflags")
	a := testConnect(t, b, RoleOrdinary, "")

	newFlags := meta.AttachFlags(0)
	require.NoError(t, Update(a, &newFlags, nil))
	require.Equal(t, meta.AttachFlags(0), a.AttachFlags)
}

func TestUpdatePolicyHolder(t *testing.T) {
	_, b := newTestBus(t, "updatepolicy")
	holder, _, err := b.DefaultEndpoint().Hello(HelloRequest{
		Role:        RolePolicyHolder,
		AttachFlags: meta.AttachAll,
		AcceptFDs:   true,
		Name:        "custom.endpoint",
		Description: "holder",
	})
	require.NoError(t, err)

	err = Update(holder, nil, []policy.Entry{
		{Scope: policy.ScopeWorld, Name: "net.example.Thing", Level: policy.LevelOwn},
	})
	require.NoError(t, err)
}

func TestUpdatePolicyRejectsNonHolder(t *testing.T) {
	_, b := newTestBus(t, "updatepolicydenied")
	a := testConnect(t, b, RoleOrdinary, "")

	err := Update(a, nil, []policy.Entry{{Scope: policy.ScopeWorld, Name: "x", Level: policy.LevelOwn}})
	require.True(t, IsKind(err, KindPermissionDenied))
}

func TestNameListReflectsAcquisitions(t *testing.T) {
	_, b := newTestBus(t, "namelist")
	conn := testConnect(t, b, RoleOrdinary, "")
	b.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: "com.example.Listed", Level: policy.LevelOwn})

	_, err := b.DefaultEndpoint().NameAcquire(conn, "com.example.Listed", 0)
	require.NoError(t, err)

	require.Contains(t, NameList(b), "com.example.Listed")
}
