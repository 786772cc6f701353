package kdbus

import (
	"github.com/ehrlich-b/kdbusd/config"
	"github.com/ehrlich-b/kdbusd/internal/matchdb"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/notify"
	"github.com/ehrlich-b/kdbusd/internal/policy"
	"github.com/ehrlich-b/kdbusd/internal/registry"
	"github.com/ehrlich-b/kdbusd/internal/wire"
)

// HelloRequest carries the fields a Hello command supplies (spec §6).
type HelloRequest struct {
	Role          Role
	AttachFlags   meta.AttachFlags
	PoolSize      int
	AcceptFDs     bool
	Name          string // required for RoleActivator/RolePolicyHolder
	PID           int
	OwnerMeta     *meta.Metadata
	Description   string
}

// HelloResult is what Hello reports back.
type HelloResult struct {
	ID          uint64
	BusID       string
	BloomParams config.BloomParams
}

// Hello registers a new connection on ep's bus (spec §6 Hello).
func (ep *Endpoint) Hello(req HelloRequest) (*Connection, HelloResult, error) {
	bus := ep.Bus
	if bus.IsDisconnected() {
		return nil, HelloResult{}, NewBusError("Hello", bus.Name, KindShutdown, "bus disconnected")
	}
	if (req.Role == RoleActivator || req.Role == RolePolicyHolder) && req.Name == "" {
		return nil, HelloResult{}, NewError("Hello", KindInvalidArgument, "activator/policy-holder roles require a name")
	}

	m, err := meta.Collect(req.PID)
	if err != nil {
		return nil, HelloResult{}, WrapError("Hello", err)
	}

	if !bus.Domain.reserveConnSlot(m.UID) {
		return nil, HelloResult{}, NewBusError("Hello", bus.Name, KindFull, "MAX_CONN exceeded for this user")
	}

	id := bus.nextConnectionID()
	conn := newConnection(bus, id, req.Role, req.PoolSize, req.AttachFlags, req.AcceptFDs, m, req.OwnerMeta, req.Description)
	conn.ActivatorName = req.Name
	conn.Activate()

	if req.Role == RoleActivator {
		_, err := bus.Registry.Acquire(conn.ID, req.Name, registry.Activator)
		if err != nil {
			conn.ForceDisconnect()
			bus.Domain.releaseConnSlot(m.UID)
			return nil, HelloResult{}, WrapError("Hello", err)
		}
		bus.stampNameID(req.Name)
	}
	if req.Role == RolePolicyHolder {
		custom := policy.New(0)
		ep2, _ := bus.CreateEndpoint(req.Name, 0, m.UID, 0, custom)
		conn.Description = ep2.Name
	}

	return conn, HelloResult{ID: conn.ID, BusID: bus.ID, BloomParams: bus.BloomParams}, nil
}

// ByeBye voluntarily disconnects conn (spec §6 ByeBye, §4.7).
func ByeBye(conn *Connection) error {
	if err := conn.Disconnect(); err != nil {
		return err
	}
	conn.Bus.Domain.releaseConnSlot(conn.Meta.UID)
	conn.Bus.FlushPending()
	return nil
}

// Cancel aborts a pending EXPECT_REPLY request this caller issued (spec §5).
func Cancel(bus *Bus, callerID, cookie uint64) bool {
	return bus.cancelReply(callerID, cookie)
}

// NameAcquire implements the NameAcquire command (spec §4.5, §6): OWN is
// checked first, then the name is staked in the registry and a name-id
// stamped. Becoming primary owner queues NAME_CHANGE when the name is taken
// over from another ordinary owner, NAME_ADD otherwise; a caller that is
// only queued as a waiter triggers no notification.
func (ep *Endpoint) NameAcquire(conn *Connection, name string, flags registry.Flags) (registry.Result, error) {
	if !ep.checkOwn(principalOf(conn.Meta), name) {
		return 0, NewConnError("NameAcquire", conn.ID, KindPermissionDenied, "OWN denied")
	}

	prevHolder, prevWasActivator, hadPrev := ep.Bus.Registry.Lookup(name)

	res, err := ep.Bus.Registry.Acquire(conn.ID, name, flags)
	if err != nil {
		return res, err
	}
	ep.Bus.stampNameID(name)
	ep.Bus.Metrics.NameChurn.Inc()
	if res == registry.ResultPrimaryOwner {
		if hadPrev && !prevWasActivator && prevHolder != conn.ID {
			ep.Bus.pending.Queue(DstBroadcast, notify.NewNameChange(name, prevHolder, conn.ID))
		} else {
			ep.Bus.pending.Queue(DstBroadcast, notify.NewNameAdd(name, conn.ID))
		}
		if hadPrev && prevWasActivator && prevHolder != conn.ID {
			if activatorConn, ok := ep.Bus.LookupConnection(prevHolder); ok {
				ep.Bus.migrateQueuedByName(activatorConn, conn, name)
			}
		}
	}
	ep.Bus.FlushPending()
	return res, nil
}

// NameRelease implements NameRelease (spec §6): releasing transfers
// ownership to the next waiter or an activator if either exists. When the
// fallback is an activator, any messages conn was still holding for name
// move over to it — the release-side mirror of NameAcquire's
// activator→implementor migration (spec §4.5's state diagram: "release(c)
// → Activator[a], pending msgs move c→a").
func (ep *Endpoint) NameRelease(conn *Connection, name string) error {
	if !ep.Bus.Registry.Release(conn.ID, name) {
		return NewConnError("NameRelease", conn.ID, KindNotFound, "name not owned by this connection")
	}
	ep.Bus.Metrics.NameChurn.Inc()
	if newOwnerID, isActivator, ok := ep.Bus.Registry.Lookup(name); ok {
		ep.Bus.stampNameID(name)
		ep.Bus.pending.Queue(DstBroadcast, notify.NewNameChange(name, conn.ID, newOwnerID))
		if isActivator && newOwnerID != conn.ID {
			if activatorConn, ok := ep.Bus.LookupConnection(newOwnerID); ok {
				ep.Bus.migrateQueuedByName(conn, activatorConn, name)
			}
		}
	} else {
		ep.Bus.pending.Queue(DstBroadcast, notify.NewNameRemove(name, conn.ID))
	}
	ep.Bus.FlushPending()
	return nil
}

// NameList enumerates every currently-owned well-known name on the bus.
func NameList(bus *Bus) []string {
	return bus.Registry.ListNames()
}

// ConnInfo returns target's identity metadata as seen by caller, filtered
// to attachFlags (spec §6). The in-process dispatcher hands the struct
// back directly; pool-slice framing is an ioctl-transport concern a real
// transport adapter would add at its own boundary, not here.
func ConnInfo(caller *Connection, target *Connection, attachFlags meta.AttachFlags) ([]wire.Item, error) {
	if caller.Bus != target.Bus {
		return nil, NewConnError("ConnInfo", caller.ID, KindNotFound, "target not on caller's bus")
	}
	return target.Meta.ToItems(attachFlags), nil
}

// BusCreatorInfo returns the bus creator's metadata as seen by caller.
func BusCreatorInfo(caller *Connection) []wire.Item {
	return caller.Bus.CreatorMeta.ToItems(meta.AttachAll)
}

// MatchAdd installs a subscription rule on conn's MatchDB (spec §6).
func MatchAdd(conn *Connection, rule matchdb.Rule) {
	conn.Match.Add(rule)
}

// MatchRemove removes a previously installed rule by its id/cookie.
func MatchRemove(conn *Connection, ruleID uint64) bool {
	return conn.Match.Remove(ruleID)
}

// Update mutates conn's attach-flags (ordinary/monitor roles) or the
// policy it holds (policy-holder role) (spec §6 Update).
func Update(conn *Connection, newAttachFlags *meta.AttachFlags, newPolicy []policy.Entry) error {
	if newAttachFlags != nil {
		conn.AttachFlags = *newAttachFlags
	}
	if len(newPolicy) > 0 {
		if conn.Role != RolePolicyHolder {
			return NewConnError("Update", conn.ID, KindPermissionDenied, "only a policy-holder may update policy")
		}
		conn.Bus.endMu.RLock()
		ep, ok := conn.Bus.endpoints[conn.Description]
		conn.Bus.endMu.RUnlock()
		if !ok || ep.Policy == nil {
			return NewConnError("Update", conn.ID, KindNotFound, "no custom endpoint policy for this holder")
		}
		for _, e := range newPolicy {
			ep.Policy.Add(e)
		}
	}
	return nil
}
