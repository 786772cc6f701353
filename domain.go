package kdbus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-uuid"

	"github.com/ehrlich-b/kdbusd/config"
	"github.com/ehrlich-b/kdbusd/internal/constants"
	"github.com/ehrlich-b/kdbusd/internal/logging"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/timerwheel"
)

// Domain is the top-level namespace holding every bus (spec §3). It owns
// the domain-global message sequence counter and per-uid accounting used
// to enforce MAX_CONN/MAX_BUSES.
type Domain struct {
	Config config.Config
	Logger *logging.Logger

	seq uint64 // atomic, domain-global message sequence

	mu          sync.Mutex
	buses       map[string]*Bus
	connsByUser map[uint32]int
	busesByUser map[uint32]int
	disconnected bool
}

// NewDomain creates an empty domain using cfg (config.Defaults() if the
// zero value is passed).
func NewDomain(cfg config.Config) *Domain {
	if cfg.Quotas.MaxMsgs == 0 {
		cfg = config.Defaults()
	}
	return &Domain{
		Config:      cfg,
		Logger:      logging.Default(),
		buses:       make(map[string]*Bus),
		connsByUser: make(map[uint32]int),
		busesByUser: make(map[uint32]int),
	}
}

func (d *Domain) nextSeq() uint64 {
	return atomic.AddUint64(&d.seq, 1)
}

// validBusName checks the spec §6 rule: a bus's external name must begin
// with "<uid>-" where <uid> is the creator's uid in decimal. This is the
// "intended semantics" spec.md's Open Questions section asks us to
// implement directly, ignoring the source's suspect length-comparison
// expression.
func validBusName(name string, creatorUID uint32) bool {
	return strings.HasPrefix(name, strconv.FormatUint(uint64(creatorUID), 10)+"-")
}

// CreateBus creates and registers a new bus owned by creatorUID.
func (d *Domain) CreateBus(name string, creatorUID uint32, bloom config.BloomParams, creatorMeta meta.Metadata) (*Bus, error) {
	if !validBusName(name, creatorUID) {
		return nil, NewError("CreateBus", KindInvalidArgument, fmt.Sprintf("bus name %q must start with %d-", name, creatorUID))
	}
	if bloom.Size == 0 {
		bloom = d.Config.Bloom
	}
	if bloom.Size < constants.MinBloomSize || bloom.Size > constants.MaxBloomSize || bloom.Size%constants.BloomSizeAlignment != 0 {
		return nil, NewError("CreateBus", KindInvalidArgument, "bloom size out of bounds or misaligned")
	}
	if bloom.Hashes < constants.MinBloomHashes {
		return nil, NewError("CreateBus", KindInvalidArgument, "bloom hash count must be >= 1")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disconnected {
		return nil, NewError("CreateBus", KindShutdown, "domain is shut down")
	}
	if _, exists := d.buses[name]; exists {
		return nil, NewError("CreateBus", KindAlreadyExists, "bus already exists")
	}
	if d.busesByUser[creatorUID] >= d.Config.Quotas.MaxBusesPerUser {
		return nil, NewBusError("CreateBus", name, KindFull, "MAX_BUSES exceeded for this user")
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, WrapError("CreateBus", err)
	}

	bus := newBus(d, name, id, creatorUID, bloom, creatorMeta)
	d.buses[name] = bus
	d.busesByUser[creatorUID]++
	return bus, nil
}

// LookupBus returns a registered bus by name.
func (d *Domain) LookupBus(name string) (*Bus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buses[name]
	return b, ok
}

// DetachBus tears a bus down and removes it from the domain; every
// endpoint and connection on it is force-disconnected first (spec §3:
// "buses must detach first" before domain teardown).
func (d *Domain) DetachBus(name string) error {
	d.mu.Lock()
	bus, ok := d.buses[name]
	if !ok {
		d.mu.Unlock()
		return NewError("DetachBus", KindNotFound, "no such bus")
	}
	delete(d.buses, name)
	d.busesByUser[bus.CreatorUID]--
	d.mu.Unlock()

	bus.disconnect()
	return nil
}

// reserveConnSlot enforces MAX_CONN per uid; callers must call
// releaseConnSlot on disconnect.
func (d *Domain) reserveConnSlot(uid uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connsByUser[uid] >= d.Config.Quotas.MaxConnPerUser {
		return false
	}
	d.connsByUser[uid]++
	return true
}

func (d *Domain) releaseConnSlot(uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connsByUser[uid] > 0 {
		d.connsByUser[uid]--
	}
}

// Shutdown detaches every bus in the domain.
func (d *Domain) Shutdown() {
	d.mu.Lock()
	d.disconnected = true
	names := make([]string, 0, len(d.buses))
	for name := range d.buses {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		_ = d.DetachBus(name)
	}
}

// newTimerWheel is split out so tests can substitute tick granularity
// without constructing a whole Domain.
func newTimerWheel(cfg config.Config) *timerwheel.Wheel {
	tick := cfg.ReplyTiming.WheelTick
	if tick <= 0 {
		tick = constants.TimerWheelTick
	}
	return timerwheel.New(tick)
}
