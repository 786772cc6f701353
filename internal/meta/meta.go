// Package meta collects the per-connection credential and identity
// information attached to messages and ConnInfo replies (spec §4.10,
// items ItemCreds..ItemAudit in internal/wire). A connection's
// AttachFlags govern which of these a receiver actually sees; Collect
// always gathers everything this process can observe, and ToItems does
// the filtering at read time so a connection can change its attach flags
// without forcing a fresh collection.
package meta

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/kdbusd/internal/wire"
)

// AttachFlags selects which metadata items a connection wants to see
// attached to messages it receives, or reported about its peers.
type AttachFlags uint64

const (
	AttachTimestamp AttachFlags = 1 << iota
	AttachCreds
	AttachPIDComm
	AttachTIDComm
	AttachExe
	AttachCmdline
	AttachCgroup
	AttachCaps
	AttachSeclabel
	AttachAudit
	AttachConnDescription
)

// AttachAll requests every metadata item this package can collect.
const AttachAll = AttachTimestamp | AttachCreds | AttachPIDComm | AttachTIDComm |
	AttachExe | AttachCmdline | AttachCgroup | AttachCaps | AttachSeclabel |
	AttachAudit | AttachConnDescription

// Metadata is a snapshot of a connection's identity, collected once at
// Hello time and not refreshed afterwards. A connection's owner metadata,
// when present, is handed in by the Hello caller rather than collected.
type Metadata struct {
	PID         uint32
	TID         uint32
	UID         uint32
	GIDs        []uint32
	Comm        string
	Exe         string
	Cmdline     []string
	Cgroup      string
	Caps        []uint64
	Seclabel    string
	Description string
	Timestamp   time.Time
}

// Collect gathers metadata for the given pid by reading procfs and the
// standard credential syscalls. pid == 0 means "the calling process."
func Collect(pid int) (Metadata, error) {
	if pid == 0 {
		pid = unix.Getpid()
	}

	m := Metadata{
		PID:       uint32(pid),
		TID:       uint32(unix.Gettid()),
		UID:       uint32(unix.Getuid()),
		Timestamp: time.Now(),
	}

	gids, err := unix.Getgroups()
	if err != nil {
		return Metadata{}, errors.Wrap(err, "meta: getgroups")
	}
	for _, g := range gids {
		m.GIDs = append(m.GIDs, uint32(g))
	}

	m.Comm = readProcField(pid, "comm")
	m.Exe, _ = os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		for _, part := range strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00") {
			if part != "" {
				m.Cmdline = append(m.Cmdline, part)
			}
		}
	}
	if raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid)); err == nil {
		m.Cgroup = strings.TrimSpace(string(raw))
	}

	return m, nil
}

func readProcField(pid int, field string) string {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, field))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ToItems renders m as wire items, filtered to what flags asks for.
func (m Metadata) ToItems(flags AttachFlags) []wire.Item {
	var items []wire.Item

	if flags&AttachTimestamp != 0 {
		items = append(items, wire.NewUint64Item(wire.ItemTimestamp, uint64(m.Timestamp.UnixNano())))
	}
	if flags&AttachCreds != 0 {
		items = append(items, wire.NewUint64Item(wire.ItemCreds, uint64(m.UID)))
	}
	if flags&AttachPIDComm != 0 {
		items = append(items, wire.NewStringItem(wire.ItemPIDComm, fmt.Sprintf("%d:%s", m.PID, m.Comm)))
	}
	if flags&AttachTIDComm != 0 {
		items = append(items, wire.NewStringItem(wire.ItemTIDComm, fmt.Sprintf("%d:%s", m.TID, m.Comm)))
	}
	if flags&AttachExe != 0 && m.Exe != "" {
		items = append(items, wire.NewStringItem(wire.ItemExe, m.Exe))
	}
	if flags&AttachCmdline != 0 && len(m.Cmdline) > 0 {
		items = append(items, wire.NewStringItem(wire.ItemCmdline, strings.Join(m.Cmdline, "\x00")))
	}
	if flags&AttachCgroup != 0 && m.Cgroup != "" {
		items = append(items, wire.NewStringItem(wire.ItemCgroup, m.Cgroup))
	}
	if flags&AttachCaps != 0 && len(m.Caps) > 0 {
		buf := make([]byte, len(m.Caps)*8)
		for i, c := range m.Caps {
			b := wire.NewUint64Item(wire.ItemCaps, c).Payload
			copy(buf[i*8:], b)
		}
		items = append(items, wire.NewBytesItem(wire.ItemCaps, buf))
	}
	if flags&AttachSeclabel != 0 && m.Seclabel != "" {
		items = append(items, wire.NewStringItem(wire.ItemSeclabel, m.Seclabel))
	}
	if flags&AttachConnDescription != 0 && m.Description != "" {
		items = append(items, wire.NewStringItem(wire.ItemConnDescription, m.Description))
	}

	return items
}

// NsEqual reports whether two metadata snapshots were collected from
// processes sharing the same PID namespace view, approximated here by
// comparing the /proc/<pid>/ns/pid target (spec's ns_eq guard against
// cross-namespace PID confusion in ConnInfo replies).
func NsEqual(aPID, bPID uint32) bool {
	a, erra := os.Readlink(fmt.Sprintf("/proc/%d/ns/pid", aPID))
	b, errb := os.Readlink(fmt.Sprintf("/proc/%d/ns/pid", bPID))
	if erra != nil || errb != nil {
		return false
	}
	return a == b
}
