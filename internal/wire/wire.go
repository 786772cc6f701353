// Package wire marshals and parses the tagged-union message items the
// external command surface exchanges (spec §6). Each item is a
// {size, type, payload} record; items of unknown type are returned like any
// other, and a record that runs past the end of the buffer is reported as
// ErrTruncated.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ItemType identifies the kind of payload an Item carries.
type ItemType uint32

const (
	ItemName ItemType = iota + 1
	ItemCreds
	ItemSeclabel
	ItemConnDescription
	ItemAttachFlags
	ItemMakeName
	ItemBloomParameter
	ItemBloomFilter
	ItemPayloadVec
	ItemPayloadMemfd
	ItemFDs
	ItemPolicyAccess
	ItemTimestamp
	ItemNameAdd
	ItemNameRemove
	ItemNameChange
	ItemIDAdd
	ItemIDRemove
	ItemReplyTimeout
	ItemReplyDead
	ItemPIDComm
	ItemTIDComm
	ItemExe
	ItemCmdline
	ItemCgroup
	ItemCaps
	ItemAudit
)

// itemAlign is the padding boundary every item is rounded to, matching the
// fixed-record tagged-union layout described in spec §6.
const itemAlign = 8

// Item is one tagged-union record in a message's item stream.
type Item struct {
	Type    ItemType
	Payload []byte
}

// String returns the payload interpreted as a NUL-less UTF-8 string.
func (it Item) String() string { return string(it.Payload) }

// Uint64 returns the payload interpreted as a little-endian uint64; it
// returns 0 if the payload is too short.
func (it Item) Uint64() uint64 {
	if len(it.Payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(it.Payload)
}

// NewStringItem builds an item carrying a string payload.
func NewStringItem(t ItemType, s string) Item {
	return Item{Type: t, Payload: []byte(s)}
}

// NewUint64Item builds an item carrying a single little-endian uint64.
func NewUint64Item(t ItemType, v uint64) Item {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return Item{Type: t, Payload: buf}
}

// NewBytesItem builds an item carrying an opaque byte payload (bloom
// filters, capability sets, raw credential blobs).
func NewBytesItem(t ItemType, b []byte) Item {
	return Item{Type: t, Payload: append([]byte(nil), b...)}
}

func padLen(n int) int {
	if rem := n % itemAlign; rem != 0 {
		n += itemAlign - rem
	}
	return n
}

// ErrTruncated indicates an item header or payload ran past the end of the
// buffer being parsed.
var ErrTruncated = fmt.Errorf("wire: item stream truncated")

// Marshal encodes a list of items into a single byte stream: repeated
// {uint32 size, uint32 type, payload, padding} records, size covering the
// 8-byte header plus the unpadded payload.
func Marshal(items []Item) []byte {
	total := 0
	for _, it := range items {
		total += padLen(8 + len(it.Payload))
	}
	buf := make([]byte, total)
	off := 0
	for _, it := range items {
		size := 8 + len(it.Payload)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(size))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(it.Type))
		copy(buf[off+8:off+size], it.Payload)
		off += padLen(size)
	}
	return buf
}

// Unmarshal parses a byte stream produced by Marshal back into items.
// Items with a type this package doesn't recognize are still returned
// (callers ignore what they don't need) as long as the record itself is
// well-formed; a record whose declared size would run past the buffer end
// is ErrTruncated.
func Unmarshal(data []byte) ([]Item, error) {
	var items []Item
	off := 0
	for off < len(data) {
		if off+8 > len(data) {
			return nil, ErrTruncated
		}
		size := int(binary.LittleEndian.Uint32(data[off : off+4]))
		typ := ItemType(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		if size < 8 || off+size > len(data) {
			return nil, ErrTruncated
		}
		payload := append([]byte(nil), data[off+8:off+size]...)
		items = append(items, Item{Type: typ, Payload: payload})
		off += padLen(size)
	}
	return items, nil
}

// Find returns the first item of the given type, if present.
func Find(items []Item, t ItemType) (Item, bool) {
	for _, it := range items {
		if it.Type == t {
			return it, true
		}
	}
	return Item{}, false
}

// FindAll returns every item of the given type, in stream order.
func FindAll(items []Item, t ItemType) []Item {
	var out []Item
	for _, it := range items {
		if it.Type == t {
			out = append(out, it)
		}
	}
	return out
}
