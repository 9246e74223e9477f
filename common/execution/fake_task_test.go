package execution_test

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/XutongLi/Salus/common/execution"
	"github.com/XutongLi/Salus/common/types"
)

// runRecorder captures the order in which fake tasks begin running.
type runRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *runRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = append(r.order, name)
}

func (r *runRecorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

// fakeTask is a deterministic OperationTask for driving the engine in
// tests. Prepare stages `need` bytes of memory on `device` through the
// session's execution context; Run commits the staged memory and reports
// success, optionally blocking on `block` first or failing with a device
// OOM on its first attempt.
type fakeTask struct {
	name   string
	ctx    *execution.Context
	device types.DeviceSpec
	need   int64

	recorder *runRecorder

	// block, when non-nil, stalls Run until the channel is closed.
	block chan struct{}

	// failOOMOnce makes the first Run report a memory failure.
	failOOMOnce bool
	async       bool

	mu      sync.Mutex
	rctx    *execution.ResourceContext
	missing types.Resources

	// asyncCallbacks holds the engine callbacks of an async run so the
	// test can complete it later.
	asyncCallbacks *execution.Callbacks

	prepareCalls    atomic.Int32
	runCalls        atomic.Int32
	cancelCalls     atomic.Int32
	oomFailures     atomic.Int32
	memFailureRetry atomic.Bool
}

var _ execution.OperationTask = (*fakeTask)(nil)

func (t *fakeTask) Prepare(device *types.DeviceSpec) bool {
	t.prepareCalls.Add(1)
	*device = t.device

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rctx != nil {
		t.rctx.Close()
	}

	var missing types.Resources
	req := types.Resources{types.NewTag(types.Memory, t.device): t.need}
	rctx, err := t.ctx.MakeResourceContext(t.device, req, &missing)
	if err != nil {
		// A shortfall still yields a context; the scheduler keeps the task
		// queued until memory frees up. Anything else fails preparation.
		var insufficient *types.InsufficientResourcesError
		if !errors.As(err, &insufficient) {
			return false
		}
	}

	t.rctx = rctx
	t.missing = missing

	return true
}

func (t *fakeTask) Run(callbacks execution.Callbacks) {
	t.runCalls.Add(1)
	if t.recorder != nil {
		t.recorder.record(t.name)
	}

	if t.block != nil {
		<-t.block
	}

	if t.failOOMOnce && t.oomFailures.Load() == 0 {
		t.oomFailures.Add(1)
		t.memFailureRetry.Store(callbacks.MemFailure())
		return
	}

	if t.async {
		t.mu.Lock()
		t.asyncCallbacks = &callbacks
		t.mu.Unlock()
		return
	}

	t.commitAndFinish(callbacks)
}

func (t *fakeTask) commitAndFinish(callbacks execution.Callbacks) {
	t.mu.Lock()
	scope := t.rctx.Alloc(types.Memory)
	scope.Commit()
	t.mu.Unlock()

	callbacks.Done()
}

// completeAsync finishes an async run from the test goroutine.
func (t *fakeTask) completeAsync() {
	t.mu.Lock()
	callbacks := t.asyncCallbacks
	t.asyncCallbacks = nil
	t.mu.Unlock()

	if callbacks != nil {
		t.commitAndFinish(*callbacks)
	}
}

func (t *fakeTask) Cancel() {
	t.cancelCalls.Add(1)
}

func (t *fakeTask) IsAsync() bool {
	return t.async
}

func (t *fakeTask) ResourceContext() *execution.ResourceContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rctx
}

func (t *fakeTask) DebugString() string {
	return "fakeTask:" + t.name
}

// Missing returns the shortfall recorded by the most recent Prepare.
func (t *fakeTask) Missing() types.Resources {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.missing.Clone()
}
