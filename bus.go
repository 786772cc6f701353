package kdbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/kdbusd/config"
	"github.com/ehrlich-b/kdbusd/internal/logging"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/notify"
	"github.com/ehrlich-b/kdbusd/internal/policy"
	"github.com/ehrlich-b/kdbusd/internal/registry"
	"github.com/ehrlich-b/kdbusd/internal/timerwheel"
)

// Bus is a named container of endpoints and connections (spec §3).
type Bus struct {
	Domain      *Domain
	Name        string
	ID          string // 128-bit id, hex-encoded
	BloomParams config.BloomParams
	CreatorUID  uint32
	CreatorMeta meta.Metadata

	Registry *registry.Registry
	Policy   *policy.DB

	connMu      sync.RWMutex
	connections map[uint64]*Connection
	nextConnID  uint64 // atomic

	nameIDMu sync.Mutex
	nameIDs  map[string]uint64
	nameIDSeq uint64 // atomic

	endMu     sync.RWMutex
	endpoints map[string]*Endpoint

	pending    *notify.Pending
	timerWheel *timerwheel.Wheel
	Metrics    *Metrics

	disconnected int32 // atomic bool
}

func newBus(d *Domain, name, id string, creatorUID uint32, bloom config.BloomParams, creatorMeta meta.Metadata) *Bus {
	b := &Bus{
		Domain: d, Name: name, ID: id, BloomParams: bloom, CreatorUID: creatorUID, CreatorMeta: creatorMeta,
		Registry:    registry.New(),
		Policy:      policy.New(0),
		connections: make(map[uint64]*Connection),
		nameIDs:     make(map[string]uint64),
		endpoints:   make(map[string]*Endpoint),
		pending:     notify.NewPending(),
		timerWheel:  newTimerWheel(d.Config),
		Metrics:     NewMetrics(),
	}
	b.endpoints["bus"] = newEndpoint(b, "bus", 0, creatorUID, 0, nil)
	return b
}

// IsDisconnected reports whether the bus has been torn down.
func (b *Bus) IsDisconnected() bool {
	return atomic.LoadInt32(&b.disconnected) != 0
}

// DefaultEndpoint returns the "bus" endpoint created alongside the bus.
func (b *Bus) DefaultEndpoint() *Endpoint {
	b.endMu.RLock()
	defer b.endMu.RUnlock()
	return b.endpoints["bus"]
}

// CreateEndpoint attaches a new named access point, optionally with its
// own PolicyDB ("custom" endpoint per spec §3).
func (b *Bus) CreateEndpoint(name string, mode uint32, uid, gid uint32, customPolicy *policy.DB) (*Endpoint, error) {
	if b.IsDisconnected() {
		return nil, NewBusError("CreateEndpoint", b.Name, KindShutdown, "bus disconnected")
	}
	b.endMu.Lock()
	defer b.endMu.Unlock()
	if _, exists := b.endpoints[name]; exists {
		return nil, NewBusError("CreateEndpoint", b.Name, KindAlreadyExists, "endpoint already exists")
	}
	ep := newEndpoint(b, name, mode, uid, gid, customPolicy)
	b.endpoints[name] = ep
	return ep, nil
}

func (b *Bus) nextConnectionID() uint64 {
	return atomic.AddUint64(&b.nextConnID, 1)
}

func (b *Bus) addConnection(c *Connection) {
	b.connMu.Lock()
	b.connections[c.ID] = c
	b.connMu.Unlock()
	b.Metrics.ConnectionsActive.Inc()
}

func (b *Bus) removeConnection(c *Connection) {
	b.connMu.Lock()
	delete(b.connections, c.ID)
	b.connMu.Unlock()
	b.Metrics.ConnectionsActive.Dec()
}

// LookupConnection finds a live connection by id.
func (b *Bus) LookupConnection(id uint64) (*Connection, bool) {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	c, ok := b.connections[id]
	return c, ok
}

// AllConnections returns a snapshot of every connection on the bus.
func (b *Bus) AllConnections() []*Connection {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	out := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		out = append(out, c)
	}
	return out
}

// stampNameID increments and returns the bus-global name-id counter,
// recording it against name so ownership transitions are detectable
// (spec §4.5: "each acquire increments a bus-global name-id counter and
// stamps the entry").
func (b *Bus) stampNameID(name string) uint64 {
	id := atomic.AddUint64(&b.nameIDSeq, 1)
	b.nameIDMu.Lock()
	b.nameIDs[name] = id
	b.nameIDMu.Unlock()
	return id
}

// NameID returns the last-stamped name-id for name, if any.
func (b *Bus) NameID(name string) (uint64, bool) {
	b.nameIDMu.Lock()
	defer b.nameIDMu.Unlock()
	id, ok := b.nameIDs[name]
	return id, ok
}

// FlushPending delivers every staged kernel-origin notification to its
// matching subscribers. Called at the well-defined points spec §4.11
// names: after send, after receive, after disconnect — never from inside
// the lock-held critical section that produced the notification.
func (b *Bus) FlushPending() {
	for _, t := range b.pending.Drain() {
		b.deliverNotification(t)
	}
}

func (b *Bus) deliverNotification(t notify.Target) {
	msg := &Message{SrcID: 0, Items: t.Items}

	if t.ConnID != DstBroadcast {
		dst, ok := b.LookupConnection(t.ConnID)
		if !ok {
			return
		}
		_ = b.enqueueMessage(dst, msg, nil, 0)
		return
	}

	for _, c := range b.AllConnections() {
		if c.Role != RoleOrdinary && c.Role != RoleMonitor {
			continue
		}
		if c.Role == RoleMonitor || c.Match.Matches(matchCandidateFor(0, nil, nil)) {
			_ = b.enqueueMessage(c, msg, nil, 0)
		}
	}
}

func (b *Bus) disconnect() {
	if !atomic.CompareAndSwapInt32(&b.disconnected, 0, 1) {
		return
	}
	for _, c := range b.AllConnections() {
		c.ForceDisconnect()
	}
	b.timerWheel.Stop()
	b.FlushPending()
}

// String gives a concise identity for logging.
func (b *Bus) String() string {
	return fmt.Sprintf("bus(%s,%s)", b.Name, b.ID)
}
