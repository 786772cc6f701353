package kdbus

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/ehrlich-b/kdbusd/internal/wire"
)

// Flags are the per-message bits a Send command sets (spec §4.8, §6).
type Flags uint64

const (
	// FlagExpectReply asks the engine to create a Reply tracker on the
	// sender and authorize the destination to respond.
	FlagExpectReply Flags = 1 << iota
	// FlagSyncReply additionally blocks the sender until the reply
	// arrives, times out, or is cancelled.
	FlagSyncReply
	// FlagNoAutoStart fails with AddressNotAvailable instead of routing to
	// an activator placeholder.
	FlagNoAutoStart
)

// DstBroadcast is the sentinel destination id meaning "fan out to the
// whole bus" rather than a specific connection.
const DstBroadcast uint64 = ^uint64(0)

// Message is one kmsg travelling through the send/receive pipeline:
// a fixed header plus an item stream (spec §6's tagged-union payload).
type Message struct {
	Seq uint64

	Flags Flags

	DstID   uint64 // 0 means "use DstName"; DstBroadcast means fan-out
	DstName string

	SrcID uint64

	Cookie      uint64
	CookieReply uint64 // non-zero: this message is a reply to that cookie

	TimeoutNs int64 // only meaningful with FlagExpectReply

	Priority int64

	BloomFilter *bitset.BitSet

	// FDs are opaque transferable tokens; the core never interprets them,
	// per spec §1 ("the core treats such handles as opaque, transferable
	// tokens").
	FDs []int

	// Items is the sender-supplied payload item stream (NAME, payload
	// vectors, policy items, etc.) — whatever the caller attached.
	Items []wire.Item

	// Meta is the per-receiver metadata item stream, built fresh per
	// destination from the sender's snapshot and that destination's attach
	// flags; broadcast fan-out does not carry it over between receivers.
	Meta []wire.Item
}

// IsBroadcast reports whether m is addressed to every connection on the
// bus rather than a specific id or name.
func (m *Message) IsBroadcast() bool {
	return m.DstID == DstBroadcast
}

// Serialize renders the message's Items and Meta into the byte stream a
// receiver's pool slice actually holds. Header fields (cookie, src id,
// priority, ...) travel alongside the queue entry rather than in the
// slice itself — see queue.Entry and the Connection receive path — since
// those are engine bookkeeping, not sender-supplied payload.
func (m *Message) Serialize() []byte {
	all := make([]wire.Item, 0, len(m.Items)+len(m.Meta))
	all = append(all, m.Items...)
	all = append(all, m.Meta...)
	return wire.Marshal(all)
}
