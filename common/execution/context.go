package execution

import (
	"github.com/XutongLi/Salus/common/types"
)

// Context is the client's handle to an admitted session. It is created by
// CreateSessionOffer; the session joins the engine once the client calls
// AcceptOffer. A Context is not safe for concurrent use by multiple
// goroutines.
type Context struct {
	engine   *ExecutionEngine
	session  *SessionItem
	offer    uint64
	accepted bool
}

// AcceptOffer binds the admission offer to the client's session handle and
// inserts the session into the engine.
func (c *Context) AcceptOffer(sessionHandle string) error {
	if c.session == nil {
		return types.ErrSessionDeleted
	}
	if c.accepted {
		return nil
	}

	if err := c.engine.resTracker.AcceptAdmission(c.offer, sessionHandle); err != nil {
		return err
	}
	c.accepted = true

	c.session.SessHandle = sessionHandle
	c.engine.insertSession(c.session)

	return nil
}

// EnqueueOperation appends an operation to the session's incoming queue and
// wakes the scheduler.
func (c *Context) EnqueueOperation(task OperationTask) error {
	if c.session == nil {
		return types.ErrSessionDeleted
	}
	if c.session.ForceEvicted() {
		return types.ErrSessionEvicted
	}
	if c.engine.shouldExit.Load() {
		return types.ErrEngineShuttingDown
	}

	// The context holds the session strongly, so this needs no liveness
	// lookup; operations enqueued before AcceptOffer simply wait for the
	// session's splice into the master list.
	c.session.enqueue(newOperationItem(c.engine, c.session, task))
	c.engine.noteHasWork.Notify()

	return nil
}

// RegisterPagingCallbacks installs the session's paging callbacks.
func (c *Context) RegisterPagingCallbacks(callbacks PagingCallbacks) error {
	if c.session == nil {
		return types.ErrSessionDeleted
	}

	c.session.SetPagingCallbacks(callbacks)

	return nil
}

// MakeResourceContext stages req on the given device under a fresh ticket
// bound to this session. The context is returned whether or not staging
// succeeded; on a shortfall the returned context reports !IsGood and the
// error is a *types.InsufficientResourcesError carrying the per-tag
// shortfall, which is also written into missing when non-nil.
func (c *Context) MakeResourceContext(device types.DeviceSpec, req types.Resources, missing *types.Resources) (*ResourceContext, error) {
	if c.session == nil {
		return nil, types.ErrSessionDeleted
	}

	var shortfall types.Resources
	if missing == nil {
		missing = &shortfall
	}

	rctx := c.engine.makeResourceContext(c.session, device, req, missing)
	if !rctx.IsGood() {
		return rctx, types.NewInsufficientResourcesError(req.Clone(), missing.Clone())
	}

	return rctx, nil
}

// OfferedSessionResource returns the resource map this session was admitted
// with.
func (c *Context) OfferedSessionResource() (types.Resources, bool) {
	return c.engine.resTracker.Usage(c.offer)
}

// SessionTotalExecutedOp returns the number of operations of this context's
// session that ran to completion successfully.
func (c *Context) SessionTotalExecutedOp() int64 {
	if c.session == nil {
		return 0
	}

	return c.session.TotalExecutedOp()
}

// DeleteSession tears the session down. Operations still queued are
// discarded; the completion callback fires once the last reference to the
// session item drops (in-flight operations run to completion first). The
// Context is invalid afterwards.
func (c *Context) DeleteSession(completion func()) {
	if c.session == nil {
		return
	}

	session := c.session
	c.session = nil

	session.prepareDelete(completion)

	// Hand our share of the session to the engine's deletion set; the
	// scheduler thread releases it after the next change set.
	c.engine.deleteSession(session)
}
