package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	items := []Item{
		NewStringItem(ItemName, "com.example.foo"),
		NewUint64Item(ItemAttachFlags, 0xdeadbeef),
		NewBytesItem(ItemBloomFilter, []byte{1, 2, 3, 4, 5}),
	}

	data := Marshal(items)
	require.Equal(t, 0, len(data)%8, "stream must stay 8-byte aligned")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "com.example.foo", got[0].String())
	require.Equal(t, uint64(0xdeadbeef), got[1].Uint64())
	require.Equal(t, []byte{1, 2, 3, 4, 5}, got[2].Payload)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)

	// Declared size overruns buffer.
	data := Marshal([]Item{NewStringItem(ItemName, "x")})
	_, err = Unmarshal(data[:len(data)-8])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestFindAndFindAll(t *testing.T) {
	items := []Item{
		NewStringItem(ItemName, "a"),
		NewStringItem(ItemName, "b"),
		NewUint64Item(ItemTimestamp, 1),
	}
	first, ok := Find(items, ItemName)
	require.True(t, ok)
	require.Equal(t, "a", first.String())

	all := FindAll(items, ItemName)
	require.Len(t, all, 2)

	_, ok = Find(items, ItemCaps)
	require.False(t, ok)
}
