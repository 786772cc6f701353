package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultDenyWithNoEntries(t *testing.T) {
	d := New(time.Minute)
	require.False(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee))
}

func TestWorldEntryGrantsEveryone(t *testing.T) {
	d := New(time.Minute)
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.foo", Level: LevelSee})

	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee))
	require.True(t, d.Check(Principal{UID: 99}, "com.example.foo", LevelSee))
	require.False(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelTalk), "SEE doesn't imply TALK")
}

func TestLevelsImplyDownward(t *testing.T) {
	d := New(time.Minute)
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.foo", Level: LevelOwn})

	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee))
	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelTalk))
	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelOwn))
}

func TestUserOverridesGroupOverridesWorld(t *testing.T) {
	d := New(time.Minute)
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.foo", Level: LevelOwn})
	d.Add(Entry{Scope: ScopeGroup, ID: 10, Name: "com.example.foo", Level: LevelNone})
	d.Add(Entry{Scope: ScopeUser, ID: 5, Name: "com.example.foo", Level: LevelTalk})

	// A plain member of group 10 is denied despite the permissive world rule.
	require.False(t, d.Check(Principal{UID: 2, GIDs: []uint32{10}}, "com.example.foo", LevelSee))

	// The specific user entry wins even though this user is also in group 10.
	require.True(t, d.Check(Principal{UID: 5, GIDs: []uint32{10}}, "com.example.foo", LevelTalk))
	require.False(t, d.Check(Principal{UID: 5, GIDs: []uint32{10}}, "com.example.foo", LevelOwn))
}

func TestWildcardPrefixMatch(t *testing.T) {
	d := New(time.Minute)
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.*", Level: LevelSee})

	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee))
	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo.bar", LevelSee))
	require.False(t, d.Check(Principal{UID: 1}, "com.other.foo", LevelSee))
}

func TestMoreSpecificNameWinsOverWildcard(t *testing.T) {
	d := New(time.Minute)
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.*", Level: LevelOwn})
	d.Add(Entry{Scope: ScopeWorld, Name: "com.example.foo", Level: LevelNone})

	require.False(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee), "exact-name deny beats wildcard allow")
	require.True(t, d.Check(Principal{UID: 1}, "com.example.bar", LevelSee), "other names still covered by wildcard")
}

func TestDecisionCacheInvalidatedOnAdd(t *testing.T) {
	d := New(time.Minute)
	require.False(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee))

	d.Add(Entry{Scope: ScopeUser, ID: 1, Name: "com.example.foo", Level: LevelSee})
	require.True(t, d.Check(Principal{UID: 1}, "com.example.foo", LevelSee), "new entry must take effect despite prior cached denial")
}
