// Package constants holds the numeric defaults and protocol bounds shared
// across the bus engine: quotas, bloom filter bounds, and the deferred-work
// timing the reply-timeout worker uses.
package constants

import "time"

// Default per-connection/per-bus quotas (spec §5 "Quotas").
const (
	// DefaultMaxMsgs is the default total queued messages allowed on a
	// connection before unprivileged senders get Full.
	DefaultMaxMsgs = 1024

	// DefaultMaxMsgsPerUser bounds how many messages a single sending uid
	// may have queued on one receiver at a time.
	DefaultMaxMsgsPerUser = 128

	// DefaultMaxRequestsPending bounds outbound requests awaiting reply on
	// a single sender connection.
	DefaultMaxRequestsPending = 128

	// DefaultMaxConnPerUser bounds live connections per uid on a domain.
	DefaultMaxConnPerUser = 256

	// DefaultMaxBusesPerUser bounds live buses per uid on a domain.
	DefaultMaxBusesPerUser = 16
)

// Bloom filter bounds (spec §6 "Bus bloom parameter bounds").
const (
	// MinBloomSize is the minimum bloom mask size in bytes.
	MinBloomSize = 8

	// MaxBloomSize is the maximum bloom mask size in bytes.
	MaxBloomSize = 512

	// BloomSizeAlignment is the required byte alignment for bloom size.
	BloomSizeAlignment = 8

	// DefaultBloomSize is used when a bus does not specify one.
	DefaultBloomSize = 64

	// DefaultBloomHashes is the default hash-count when unspecified.
	DefaultBloomHashes = 8

	// MinBloomHashes is the minimum allowed hash-count.
	MinBloomHashes = 1
)

// Pool defaults.
const (
	// DefaultPoolSize is the receive pool size chosen when a Hello command
	// does not request one explicitly.
	DefaultPoolSize = 1 << 20 // 1MB

	// PoolAllocAlignment is the byte alignment every slice allocation is
	// rounded up to.
	PoolAllocAlignment = 8
)

// Reply-timeout deferred-work tuning (spec §4.10).
const (
	// MinReplyTimeout is the floor applied to a requested timeout_ns so a
	// caller can't starve the timer wheel with a zero/negative deadline.
	MinReplyTimeout = time.Millisecond

	// MaxReplyTimeout bounds how far out a reply deadline may be armed.
	MaxReplyTimeout = 5 * time.Minute

	// TimerWheelTick is the tick granularity handed to the timer wheel
	// each bus uses for its reply-timeout work.
	TimerWheelTick = 10 * time.Millisecond
)

// DisconnectBias is the (negative) value added to a connection's active-use
// counter when disconnect begins; the counter coming back down to exactly
// this value signals every active-ref holder has released (spec §4.7).
const DisconnectBias = -1 << 30
