package meta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/kdbusd/internal/wire"
)

func TestCollectSelf(t *testing.T) {
	m, err := Collect(0)
	require.NoError(t, err)
	require.NotZero(t, m.PID)
	require.NotZero(t, m.TID)
}

func TestToItemsRespectsAttachFlags(t *testing.T) {
	m := Metadata{PID: 123, Comm: "kdbusd-test", Exe: "/usr/bin/kdbusd-test"}

	none := m.ToItems(0)
	require.Empty(t, none)

	items := m.ToItems(AttachPIDComm | AttachExe)
	it, ok := wire.Find(items, wire.ItemPIDComm)
	require.True(t, ok)
	require.Equal(t, "123:kdbusd-test", it.String())

	it, ok = wire.Find(items, wire.ItemExe)
	require.True(t, ok)
	require.Equal(t, "/usr/bin/kdbusd-test", it.String())

	_, ok = wire.Find(items, wire.ItemCgroup)
	require.False(t, ok, "unrequested flag omitted")
}

func TestToItemsOmitsEmptyOptionalFields(t *testing.T) {
	m := Metadata{PID: 1}
	items := m.ToItems(AttachExe | AttachCgroup | AttachSeclabel)
	require.Empty(t, items, "empty optional strings produce no item even when requested")
}
