package kdbus

import (
	"github.com/ehrlich-b/kdbusd/internal/policy"
)

// Endpoint is an access point to a bus (spec §3). A "custom" endpoint
// carries its own PolicyDB; SEE denials at a custom endpoint are
// rewritten to NotFound so existence isn't leaked to callers the policy
// doesn't trust (spec §4.4).
type Endpoint struct {
	Bus  *Bus
	Name string

	Mode uint32
	UID  uint32
	GID  uint32

	// Policy is nil for the default "bus" endpoint, meaning TALK/OWN/SEE
	// decisions fall through to the bus's own PolicyDB.
	Policy *policy.DB
}

func newEndpoint(bus *Bus, name string, mode, uid, gid uint32, customPolicy *policy.DB) *Endpoint {
	return &Endpoint{Bus: bus, Name: name, Mode: mode, UID: uid, GID: gid, Policy: customPolicy}
}

// IsCustom reports whether this endpoint carries its own policy.
func (e *Endpoint) IsCustom() bool {
	return e.Policy != nil
}

// checkSee evaluates SEE(conn, name) against the endpoint's own policy, or
// the bus's when the endpoint has none. The custom-endpoint NotFound
// rewrite is applied by checkSeeErr, not here.
func (e *Endpoint) checkSee(p policy.Principal, name string) bool {
	db := e.Policy
	if db == nil {
		db = e.Bus.Policy
	}
	return db.Check(p, name, policy.LevelSee)
}

// checkSeeErr is checkSee rendered as the error a caller should surface:
// a plain PermissionDenied at the default endpoint, NotFound at a custom
// one.
func (e *Endpoint) checkSeeErr(op string, connID uint64, p policy.Principal, name string) error {
	if e.checkSee(p, name) {
		return nil
	}
	if e.IsCustom() {
		return NewConnError(op, connID, KindNotFound, "name not found")
	}
	return NewConnError(op, connID, KindPermissionDenied, "SEE denied")
}

// checkTalk implements the composite TALK evaluation (spec §4.4): a
// custom endpoint's policy is authoritative and its denial is fatal;
// otherwise an implicit grant applies to privileged callers or callers
// sharing the target's uid; failing that, the bus policy decides.
func (e *Endpoint) checkTalk(src policy.Principal, srcUID uint32, dstUID uint32, dstName string) bool {
	if e.Policy != nil {
		return e.Policy.Check(src, dstName, policy.LevelTalk)
	}
	if srcUID == 0 || srcUID == dstUID {
		return true
	}
	return e.Bus.Policy.Check(src, dstName, policy.LevelTalk)
}

// checkOwn decides OWN(conn, name) from the endpoint's own policy, or the
// bus's when the endpoint has none. Unlike checkTalk it grants nothing
// implicitly to privileged or same-uid callers.
func (e *Endpoint) checkOwn(src policy.Principal, name string) bool {
	db := e.Policy
	if db == nil {
		db = e.Bus.Policy
	}
	return db.Check(src, name, policy.LevelOwn)
}
