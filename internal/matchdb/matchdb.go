// Package matchdb tracks the subscription rules a connection installs
// with MatchAdd/MatchRemove (spec §4.7) and evaluates them against an
// outgoing broadcast's bloom filter. A rule matches a message when every
// bit set in the rule's mask is also set in the message's filter:
//
//	rule.mask & msg.bloom_filter == rule.mask
//
// which is the standard bloom-filter "is the rule's pattern a subset of
// what the message announced" test. Name/sender filters narrow a rule
// further and are checked first since they're cheap integer/string
// compares before the bitset AND.
package matchdb

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Rule is one subscription a connection has registered, most commonly
// "tell me about broadcasts whose bloom filter is a superset of mine,
// optionally only from this sender or about this well-known name."
type Rule struct {
	ID   uint64
	Mask *bitset.BitSet

	// SrcID, if non-zero, restricts the rule to broadcasts from that
	// connection id.
	SrcID uint64
	// NameFilter, if non-empty, restricts the rule to broadcasts whose
	// sender currently owns this well-known name.
	NameFilter string
}

// Candidate is the subset of a broadcast's fields a rule is evaluated
// against; kept separate from any concrete message type so this package
// has no dependency on the rest of the engine.
type Candidate struct {
	SrcID      uint64
	SrcNames   []string
	BloomFilter *bitset.BitSet
}

// MatchDB is the set of subscription rules installed on one connection.
// A match evaluates rules under a reader lock (spec §4.3): Add/Remove run
// from the owning connection's command path while Matches is read
// concurrently by every broadcast's errgroup fan-out and by notification
// delivery, so the rule map needs its own lock independent of the
// connection's.
type MatchDB struct {
	mu    sync.RWMutex
	rules map[uint64]Rule
}

// New returns an empty MatchDB.
func New() *MatchDB {
	return &MatchDB{rules: make(map[uint64]Rule)}
}

// Add installs or replaces a rule.
func (m *MatchDB) Add(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
}

// Remove drops a rule by id. It reports whether a rule was found.
func (m *MatchDB) Remove(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return false
	}
	delete(m.rules, id)
	return true
}

// Len returns the number of installed rules.
func (m *MatchDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Matches reports whether any installed rule accepts the candidate
// broadcast, meaning the connection should be handed this message.
func (m *MatchDB) Matches(c Candidate) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if ruleMatches(r, c) {
			return true
		}
	}
	return false
}

func ruleMatches(r Rule, c Candidate) bool {
	if r.SrcID != 0 && r.SrcID != c.SrcID {
		return false
	}
	if r.NameFilter != "" {
		found := false
		for _, n := range c.SrcNames {
			if n == r.NameFilter {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Mask == nil || r.Mask.None() {
		return true
	}
	if c.BloomFilter == nil {
		return false
	}
	// rule.mask is a submask of the message's filter iff ANDing them back
	// reproduces rule.mask exactly.
	masked := r.Mask.Clone()
	masked.InPlaceIntersection(c.BloomFilter)
	return masked.Equal(r.Mask)
}
