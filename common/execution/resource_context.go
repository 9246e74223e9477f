package execution

import (
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/types"
)

// ResourceContext is the per-operation handle binding a session, a device,
// and one staged reservation in the resource monitor. It is constructed
// during operation preparation; the staged portion is released when the
// operation stops (or through Close), and the ticket is dropped from the
// session once neither staging nor committed quantity remains.
type ResourceContext struct {
	monitor *resource.Monitor
	session *SessionItem

	device types.DeviceSpec
	ticket resource.Ticket

	// hasStaging tracks whether the staged portion is still charged. It is
	// touched by the preparing thread and the completing worker thread, but
	// never concurrently: the context travels with its operation.
	hasStaging bool

	log logger.Logger
}

func newResourceContext(session *SessionItem, monitor *resource.Monitor) *ResourceContext {
	rctx := &ResourceContext{
		monitor: monitor,
		session: session,
		ticket:  resource.InvalidTicket,
	}
	config.InitLogger(&rctx.log, rctx)

	return rctx
}

// InitializeStaging pre-allocates req on the given device as the staged
// portion of a fresh ticket and records the ticket in the session. On
// failure the per-tag shortfall is written into missing (when non-nil) and
// the context stays invalid.
func (rctx *ResourceContext) InitializeStaging(device types.DeviceSpec, req types.Resources, missing *types.Resources) bool {
	rctx.device = device

	ticket, ok := rctx.monitor.PreAllocate(req, missing)
	if !ok {
		return false
	}

	rctx.ticket = ticket
	rctx.hasStaging = true
	rctx.session.addTicket(ticket)

	return true
}

// IsGood reports whether the context holds a ticket.
func (rctx *ResourceContext) IsGood() bool {
	return rctx.ticket != resource.InvalidTicket
}

// Ticket returns the context's allocation ticket (InvalidTicket if
// initialization failed).
func (rctx *ResourceContext) Ticket() resource.Ticket {
	return rctx.ticket
}

// Device returns the device this context reserves on.
func (rctx *ResourceContext) Device() types.DeviceSpec {
	return rctx.device
}

// Session returns the owning session item.
func (rctx *ResourceContext) Session() *SessionItem {
	return rctx.session
}

// Alloc opens an OperationScope covering whatever staging remains for the
// given resource kind on the context's device. The scope is invalid when no
// staging remains.
func (rctx *ResourceContext) Alloc(kind types.Kind) *OperationScope {
	scope := &OperationScope{
		context: rctx,
		proxy:   rctx.monitor.Lock(),
		res:     make(types.Resources),
	}

	tag := types.NewTag(kind, rctx.device)
	staging, ok := scope.proxy.QueryStaging(rctx.ticket)
	if !ok || staging.Get(tag) == 0 {
		return scope
	}

	scope.res.Set(tag, staging.Get(tag))
	scope.valid = scope.proxy.Allocate(rctx.ticket, scope.res)

	return scope
}

// AllocN opens an OperationScope covering an exact quantity of the given
// resource kind on the context's device. Staging is consumed first; the
// overflow comes from free capacity, and the scope is invalid when it does
// not fit.
func (rctx *ResourceContext) AllocN(kind types.Kind, quantity int64) *OperationScope {
	scope := &OperationScope{
		context: rctx,
		proxy:   rctx.monitor.Lock(),
		res:     make(types.Resources),
	}

	scope.res.Set(types.NewTag(kind, rctx.device), quantity)
	scope.valid = scope.proxy.Allocate(rctx.ticket, scope.res)

	return scope
}

// Dealloc returns a committed quantity to the free pool and adjusts the
// session's visible usage, outside any scope.
func (rctx *ResourceContext) Dealloc(kind types.Kind, quantity int64) {
	tag := types.NewTag(kind, rctx.device)

	if err := rctx.monitor.Free(rctx.ticket, types.Resources{tag: quantity}); err != nil {
		rctx.log.Error("Failed to release %d of %s: %v", quantity, tag, err)
		return
	}
	rctx.session.addResourceUsage(tag, -quantity)
}

// ReleaseStaging zeroes the ticket's staged portion. It is idempotent. If
// the ticket's committed portion is also zero, the ticket is dropped from
// the session.
func (rctx *ResourceContext) ReleaseStaging() {
	if !rctx.hasStaging {
		return
	}

	rctx.monitor.FreeStaging(rctx.ticket)
	rctx.hasStaging = false

	if !rctx.monitor.HasUsage(rctx.ticket) {
		rctx.session.removeTicket(rctx.ticket)
	}
}

// Close releases the staged portion. Callers that abandon a context without
// running its operation must call Close.
func (rctx *ResourceContext) Close() {
	rctx.ReleaseStaging()
}

func (rctx *ResourceContext) String() string {
	if rctx.ticket == resource.InvalidTicket {
		return "AllocationTicket(Invalid)"
	}
	return fmt.Sprintf("AllocationTicket(%d, device=%s)", rctx.ticket, rctx.device)
}

// OperationScope is a tentative sub-allocation within a ticket, such as one
// tensor buffer inside a kernel. The scope holds the resource monitor's
// lock from creation until Commit or Rollback, so the quantities it
// observes stay consistent.
//
// Exactly one of Commit or Rollback ends the scope; both are idempotent, so
// the canonical usage is
//
//	scope := rctx.Alloc(types.Memory)
//	defer scope.Rollback()
//	if !scope.Valid() { ... }
//	...
//	scope.Commit()
type OperationScope struct {
	context *ResourceContext
	proxy   *resource.MonitorProxy
	res     types.Resources
	valid   bool
	done    bool
}

// Valid reports whether the scope's allocation succeeded.
func (scope *OperationScope) Valid() bool {
	return scope.valid
}

// Resources returns the quantities covered by this scope.
func (scope *OperationScope) Resources() types.Resources {
	return scope.res.Clone()
}

// Rollback returns the scope's quantities to the free pool without touching
// the session's committed usage.
func (scope *OperationScope) Rollback() {
	if scope.done {
		return
	}
	scope.done = true

	if scope.valid {
		if err := scope.proxy.Free(scope.context.ticket, scope.res); err != nil {
			scope.context.log.Error("Failed to roll back %s: %v", scope.res.String(), err)
		}
	}
	scope.proxy.Unlock()
}

// Commit charges the scope's quantities to the session's committed usage
// totals. The monitor lock is dropped before the session is updated so the
// session lock is never taken under it.
func (scope *OperationScope) Commit() {
	if scope.done {
		return
	}
	scope.done = true
	scope.proxy.Unlock()

	if !scope.valid {
		return
	}

	for tag, quantity := range scope.res {
		scope.context.session.addResourceUsage(tag, quantity)
		scope.context.session.notifyMemoryAllocation(scope.context.ticket)
	}
}
