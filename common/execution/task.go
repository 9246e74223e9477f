package execution

import (
	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/types"
)

// Callbacks are handed to OperationTask.Run. Exactly one of Done or
// MemFailure fires per run attempt, on an arbitrary worker thread.
type Callbacks struct {
	// Done is invoked when the operation completes successfully.
	Done func()

	// MemFailure is invoked when the operation fails with a device OOM.
	// It returns true if the engine re-queued the operation for retry
	// after paging, false if the failure was surfaced to the client.
	MemFailure func() bool
}

// OperationTask is one short-lived compute operation submitted to the
// engine. Implementations live outside the core (concrete kernels); the
// engine only drives the lifecycle below.
//
// Prepare validates the task, picks a device, and establishes the task's
// ResourceContext (typically through Context.MakeResourceContext). Prepare
// may be invoked again after an earlier attempt failed to obtain a ticket;
// implementations must release any previous context before building a new
// one. Prepare returning false means the task is invalid and will be
// dropped.
//
// Run executes the operation and reports the outcome through the provided
// Callbacks. Tasks that complete asynchronously (Run returns before the
// outcome is known) must report true from IsAsync so that their in-flight
// state does not suppress the engine's OOM detection.
//
// Cancel is invoked by the scheduler thread, only on force-eviction, for
// operations still queued. In-flight operations are never cancelled.
type OperationTask interface {
	Prepare(device *types.DeviceSpec) bool
	Run(callbacks Callbacks)
	Cancel()
	IsAsync() bool
	ResourceContext() *ResourceContext
	DebugString() string
}

// PagingCallbacks are installed once per session by its owner and replaced
// atomically; the engine reads them under the session's main lock.
type PagingCallbacks struct {
	// Volunteer asks the session owner to page the given ticket's data out
	// to the device of dstContext. dstContext carries an equal-sized staging
	// reservation on the destination device; on a non-zero return the owner
	// keeps the context, otherwise the engine releases its reservation. The
	// return value is the number of bytes actually released on the source
	// device; any non-zero return ends the paging attempt successfully.
	Volunteer func(victim resource.Ticket, dstContext *ResourceContext) int64

	// ForceEvicted notifies the owner that the engine evicted the session
	// unilaterally: queued work has been cancelled and no further
	// operations will be dispatched.
	ForceEvicted func()
}
