package matchdb

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"
)

func maskOf(bits ...uint) *bitset.BitSet {
	b := bitset.New(64)
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestBloomSubmaskMatch(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1, Mask: maskOf(2, 5)})

	require.True(t, m.Matches(Candidate{BloomFilter: maskOf(2, 5, 9)}))
	require.False(t, m.Matches(Candidate{BloomFilter: maskOf(2)}), "missing bit 5")
	require.False(t, m.Matches(Candidate{}), "nil filter can't satisfy a non-empty mask")
}

func TestEmptyMaskMatchesAnything(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1})
	require.True(t, m.Matches(Candidate{}))
	require.True(t, m.Matches(Candidate{BloomFilter: maskOf(3)}))
}

func TestSrcIDFilter(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1, SrcID: 42})

	require.True(t, m.Matches(Candidate{SrcID: 42}))
	require.False(t, m.Matches(Candidate{SrcID: 7}))
}

func TestNameFilter(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1, NameFilter: "com.example.foo"})

	require.True(t, m.Matches(Candidate{SrcNames: []string{"com.example.foo", "com.example.bar"}}))
	require.False(t, m.Matches(Candidate{SrcNames: []string{"com.example.bar"}}))
}

func TestRemove(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1})
	require.Equal(t, 1, m.Len())

	require.True(t, m.Remove(1))
	require.False(t, m.Remove(1), "already removed")
	require.Equal(t, 0, m.Len())
	require.False(t, m.Matches(Candidate{}), "no rules left to match")
}

func TestMultipleRulesAnyMatch(t *testing.T) {
	m := New()
	m.Add(Rule{ID: 1, SrcID: 99})
	m.Add(Rule{ID: 2, Mask: maskOf(1)})

	require.True(t, m.Matches(Candidate{SrcID: 99}))
	require.True(t, m.Matches(Candidate{BloomFilter: maskOf(1)}))
	require.False(t, m.Matches(Candidate{SrcID: 1, BloomFilter: maskOf(2)}))
}
