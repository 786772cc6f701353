// Package registry implements the per-bus table of well-known name
// ownership described in spec §4.5: NameAcquire/NameRelease, a FIFO queue
// of connections waiting for a name to free up, and the activator↔
// implementor handoff (a connection registers as the name's activator so
// the bus can route to it before any real implementor exists, then steps
// aside — but stays on call — once one does).
package registry

import (
	"fmt"
	"sync"
)

// Flags mirror the bits a NameAcquire request sets.
type Flags uint32

const (
	// ReplaceExisting asks the registry to steal the name from its
	// current owner, if that owner allows replacement.
	ReplaceExisting Flags = 1 << iota
	// AllowReplacement lets a future ReplaceExisting acquire take this
	// name away from the caller.
	AllowReplacement
	// Queue asks to be queued for the name if it's currently unavailable,
	// rather than failing outright.
	Queue
	// Activator registers the caller as the name's activator: it is
	// reachable at that name whenever there's no real owner, but never
	// counts as "owning" it for TALK/OWN policy purposes.
	Activator
)

// ErrNameInUse is returned by Acquire when the name is owned, replacement
// isn't permitted, and the caller didn't ask to be queued.
var ErrNameInUse = fmt.Errorf("registry: name already owned")

// Result describes what Acquire actually did.
type Result int

const (
	ResultPrimaryOwner Result = iota
	ResultAlreadyOwner
	ResultInQueue
	ResultActivator
)

type waiter struct {
	connID uint64
	flags  Flags
}

type nameEntry struct {
	owner      uint64 // 0 means unowned
	ownerFlags Flags
	activator  uint64 // 0 means none registered
	queue      []waiter
}

// Registry is one bus's name table.
type Registry struct {
	mu      sync.RWMutex
	names   map[string]*nameEntry
	byConn  map[uint64]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		names:  make(map[string]*nameEntry),
		byConn: make(map[uint64]map[string]struct{}),
	}
}

func (r *Registry) track(connID uint64, name string) {
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][name] = struct{}{}
}

func (r *Registry) untrack(connID uint64, name string) {
	if m, ok := r.byConn[connID]; ok {
		delete(m, name)
		if len(m) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Acquire attempts to claim name for connID under flags.
func (r *Registry) Acquire(connID uint64, name string, flags Flags) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.names[name]
	if e == nil {
		e = &nameEntry{}
		r.names[name] = e
	}

	if flags&Activator != 0 {
		e.activator = connID
		r.track(connID, name)
		return ResultActivator, nil
	}

	if e.owner == connID {
		e.ownerFlags = flags
		return ResultAlreadyOwner, nil
	}

	if e.owner == 0 {
		e.owner = connID
		e.ownerFlags = flags
		r.track(connID, name)
		return ResultPrimaryOwner, nil
	}

	if flags&ReplaceExisting != 0 && e.ownerFlags&AllowReplacement != 0 {
		prevOwner, prevFlags := e.owner, e.ownerFlags
		e.owner = connID
		e.ownerFlags = flags
		r.track(connID, name)
		r.untrack(prevOwner, name)
		if prevFlags&Queue != 0 {
			// The displaced owner asked to stay in line; per the
			// REPLACE_EXISTING semantics we use here, it goes back to
			// the front of the queue rather than the back, since it was
			// just forcibly evicted rather than voluntarily yielding.
			e.queue = append([]waiter{{connID: prevOwner, flags: prevFlags}}, e.queue...)
			r.track(prevOwner, name)
		}
		return ResultPrimaryOwner, nil
	}

	if flags&Queue != 0 {
		e.queue = append(e.queue, waiter{connID: connID, flags: flags})
		r.track(connID, name)
		return ResultInQueue, nil
	}

	return 0, ErrNameInUse
}

// Release gives up connID's claim on name: if connID is the current
// owner, the next queued waiter (if any) is promoted; if connID was only
// queued, it's simply removed from the line. It reports whether there was
// anything to release.
func (r *Registry) Release(connID uint64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release(connID, name)
}

func (r *Registry) release(connID uint64, name string) bool {
	e, ok := r.names[name]
	if !ok {
		return false
	}

	released := false
	if e.activator == connID {
		e.activator = 0
		r.untrack(connID, name)
		released = true
	}
	if e.owner == connID {
		r.untrack(connID, name)
		if len(e.queue) > 0 {
			next := e.queue[0]
			e.queue = e.queue[1:]
			e.owner = next.connID
			e.ownerFlags = next.flags
		} else {
			e.owner = 0
			e.ownerFlags = 0
		}
		released = true
	} else {
		for i, w := range e.queue {
			if w.connID == connID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				r.untrack(connID, name)
				released = true
				break
			}
		}
	}

	if e.owner == 0 && e.activator == 0 && len(e.queue) == 0 {
		delete(r.names, name)
	}
	return released
}

// Lookup resolves name to the connection a message addressed to it should
// be delivered to: the real owner if one exists, otherwise the activator,
// otherwise not found.
func (r *Registry) Lookup(name string) (connID uint64, isActivator bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.names[name]
	if !found {
		return 0, false, false
	}
	if e.owner != 0 {
		return e.owner, false, true
	}
	if e.activator != 0 {
		return e.activator, true, true
	}
	return 0, false, false
}

// Owns reports whether connID is the current real owner of name.
func (r *Registry) Owns(connID uint64, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.names[name]
	return ok && e.owner == connID
}

// NamesOwnedBy lists the names connID currently owns outright (not
// counting activator registrations or queue positions).
func (r *Registry) NamesOwnedBy(connID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.names {
		if e.owner == connID {
			out = append(out, name)
		}
	}
	return out
}

// ListNames returns every currently-owned or activated name on the bus.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	return out
}

// RemoveByConn releases every name connID owns, has queued for, or
// activates, returning the affected names so the caller can emit
// NAME_REMOVE/NAME_CHANGE notifications and run activator handoff.
func (r *Registry) RemoveByConn(connID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.byConn[connID]))
	for name := range r.byConn[connID] {
		names = append(names, name)
	}
	for _, name := range names {
		r.release(connID, name)
	}
	return names
}
