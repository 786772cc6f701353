// Package policy implements the per-bus/per-endpoint access-control table
// described in spec §4.6: SEE/TALK/OWN decisions over well-known and
// implicit bus names, entries scoped to the world, a group, or a specific
// user. When more than one applies, the more specific name pattern wins,
// and among equally specific ones user entries beat group entries beat
// world entries. Decisions are cached per principal the way
// a real kdbus deployment would, since the same uid/gid pair re-asks the
// same question on every send; patrickmn/go-cache gives us TTL-bounded
// memoization without hand-rolling eviction.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Level is the access a policy entry grants, ordered so a higher level
// implies every lower one (OWN implies TALK implies SEE).
type Level int

const (
	LevelNone Level = iota
	LevelSee
	LevelTalk
	LevelOwn
)

// Scope is who a PolicyDB entry applies to.
type Scope int

const (
	ScopeWorld Scope = iota
	ScopeGroup
	ScopeUser
)

// Entry is one rule in a PolicyDB.
type Entry struct {
	Scope Scope
	// ID is the uid or gid this entry restricts to; ignored for ScopeWorld.
	ID uint32
	// Name is the bus name (or name prefix, e.g. "com.example.*") this
	// entry governs. An empty Name governs the implicit "this connection
	// itself" (id-addressed) access.
	Name  string
	Level Level
}

// Principal is the caller a Check is evaluated for.
type Principal struct {
	UID  uint32
	GIDs []uint32
}

func (p Principal) cacheKey(name string, level Level) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|", p.UID)
	gids := append([]uint32(nil), p.GIDs...)
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
	for _, g := range gids {
		fmt.Fprintf(&sb, "%d,", g)
	}
	fmt.Fprintf(&sb, "|%s|%d", name, level)
	return sb.String()
}

// DB is a bus or custom endpoint's access-control table.
type DB struct {
	mu      sync.RWMutex
	entries []Entry
	cache   *cache.Cache
}

// New returns an empty DB. decisionTTL bounds how long a cached
// allow/deny answer is trusted before being recomputed; pass 0 to use a
// sensible default.
func New(decisionTTL time.Duration) *DB {
	if decisionTTL <= 0 {
		decisionTTL = 30 * time.Second
	}
	return &DB{cache: cache.New(decisionTTL, decisionTTL*2)}
}

// Add installs a new entry and invalidates the decision cache, since any
// existing cached answer may now be stale.
func (d *DB) Add(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	d.cache.Flush()
}

// Entries returns a copy of the currently installed entries.
func (d *DB) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Entry(nil), d.entries...)
}

// Check reports whether principal holds at least `want` access to name.
// A principal with no matching entry at all is denied (default-deny).
func (d *DB) Check(p Principal, name string, want Level) bool {
	key := p.cacheKey(name, want)
	if v, ok := d.cache.Get(key); ok {
		return v.(bool)
	}

	d.mu.RLock()
	best, found := d.bestMatch(p, name)
	d.mu.RUnlock()

	allow := found && best.Level >= want
	d.cache.SetDefault(key, allow)
	return allow
}

// bestMatch finds the most specific entry applicable to p for name.
// Specificity is name match first (an exact name beats any wildcard, a
// longer wildcard prefix beats a shorter one), tie-broken by principal
// scope: user > group > world.
func (d *DB) bestMatch(p Principal, name string) (Entry, bool) {
	var best Entry
	var bestScore = -1
	found := false

	for _, e := range d.entries {
		if !nameMatches(e.Name, name) {
			continue
		}
		if !scopeApplies(e, p) {
			continue
		}
		score := specificityScore(e)
		if score > bestScore {
			best = e
			bestScore = score
			found = true
		}
	}
	return best, found
}

func scopeApplies(e Entry, p Principal) bool {
	switch e.Scope {
	case ScopeWorld:
		return true
	case ScopeUser:
		return e.ID == p.UID
	case ScopeGroup:
		for _, g := range p.GIDs {
			if g == e.ID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// nameMatches reports whether entry pattern governs name. A pattern
// ending in ".*" matches any name sharing that prefix (the dot is kept
// literal, matching the bus reverse-DNS naming convention); any other
// pattern must match exactly.
func nameMatches(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// specificityScore ranks an entry so the most specific applicable match
// wins: exact name matches beat wildcard matches and longer wildcard
// prefixes beat shorter ones (the name part is scaled by 1000 so it always
// outweighs scope); among entries equal on name, principal scope decides
// (user=200, group=100, world=0).
func specificityScore(e Entry) int {
	score := 0
	switch e.Scope {
	case ScopeUser:
		score += 200
	case ScopeGroup:
		score += 100
	case ScopeWorld:
		score += 0
	}
	if strings.HasSuffix(e.Name, ".*") {
		score += 1000 * len(e.Name)
	} else {
		score += 1000000 + 1000*len(e.Name)
	}
	return score
}
