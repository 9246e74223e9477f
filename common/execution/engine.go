package execution

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/XutongLi/Salus/common/configuration"
	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/metrics"
	"github.com/XutongLi/Salus/common/types"
	"github.com/XutongLi/Salus/common/utils"
	"github.com/XutongLi/Salus/common/utils/hashmap"
)

// SubmitOutcome reports what SubmitTask did with an operation item.
type SubmitOutcome int

const (
	// Submitted: the operation was handed to the worker pool.
	Submitted SubmitOutcome = iota

	// PoolFull: every worker is busy; the item stays with the caller and is
	// retried on a later iteration.
	PoolFull

	// Discarded: the item was dropped — its session has been deleted, or
	// its resource context was unusable (logged).
	Discarded
)

// ExecutionEngine schedules short-lived compute operations across devices
// on behalf of many concurrent sessions. It admits sessions under a global
// resource budget, dispatches their operations to a bounded worker pool
// through a pluggable scheduling policy, and reclaims device memory under
// pressure by paging session allocations out to a fallback device or, as a
// last resort, forcibly evicting a session.
type ExecutionEngine struct {
	log     logger.Logger
	perfLog *zap.Logger

	opts *configuration.SchedulerOptions

	resMonitor *resource.Monitor
	resTracker *resource.Tracker
	capacities resource.CapacityProvider

	metrics *metrics.EngineMetricsProvider

	pool        *WorkerPool
	noteHasWork *utils.Notifier

	// newMu guards newSessions, the list of admitted sessions awaiting
	// their splice into the master list.
	newMu       sync.Mutex
	newSessions []*SessionItem

	// delMu guards deletedSessions, the set of sessions awaiting removal.
	delMu           sync.Mutex
	deletedSessions map[string]*SessionItem

	// sessions is the master session list, insertion-ordered and owned
	// exclusively by the scheduler thread.
	sessions *orderedmap.OrderedMap[string, *SessionItem]

	// liveSessions is the lookup table behind OperationItem's expiring
	// session references.
	liveSessions hashmap.HashMap[string, *SessionItem]

	scheduler Scheduler

	// pagingRoutes are the (src, dst) device pairs checked for OOM, derived
	// from the declared capacities: each GPU device pages to CPU0.
	pagingRoutes []pagingRoute

	runningTasks         atomic.Int32
	noPagingRunningTasks atomic.Int32

	shouldExit atomic.Bool
	started    atomic.Bool
	schedDone  chan struct{}

	// maybeWaitForAWhile state, scheduler thread only.
	lastProgress time.Time
	currentSleep time.Duration

	schedIterCount uint64
}

type pagingRoute struct {
	src types.DeviceSpec
	dst types.DeviceSpec
}

// NewExecutionEngine builds an engine from validated options. The capacity
// provider supplies device limits for both the resource monitor and the
// admission tracker. metricsProvider and perfLogger may be nil.
func NewExecutionEngine(opts *configuration.SchedulerOptions, capacities resource.CapacityProvider,
	metricsProvider *metrics.EngineMetricsProvider, perfLogger *zap.Logger) (*ExecutionEngine, error) {

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if perfLogger == nil {
		perfLogger = zap.NewNop()
	}

	if metricsProvider == nil && opts.PrometheusMetricsEnabled {
		provider, err := metrics.NewEngineMetricsProvider(nil)
		if err != nil {
			return nil, err
		}
		metricsProvider = provider
	}

	engine := &ExecutionEngine{
		perfLog:         perfLogger,
		opts:            opts,
		resMonitor:      resource.NewMonitor(),
		resTracker:      resource.NewTracker(capacities.DeviceCapacities(), opts.AdmissionOvercommitFactor),
		capacities:      capacities,
		metrics:         metricsProvider,
		noteHasWork:     utils.NewNotifier(),
		deletedSessions: make(map[string]*SessionItem),
		sessions:        orderedmap.NewOrderedMap[string, *SessionItem](),
		liveSessions:    hashmap.NewConcurrentMap[*SessionItem](32),
		schedDone:       make(chan struct{}),
	}
	config.InitLogger(&engine.log, engine)

	engine.pagingRoutes = derivePagingRoutes(capacities.DeviceCapacities())

	return engine, nil
}

// derivePagingRoutes maps every GPU device with declared memory to CPU0.
func derivePagingRoutes(capacities types.Resources) []pagingRoute {
	seen := make(map[types.DeviceSpec]struct{})
	routes := make([]pagingRoute, 0, 1)

	for tag := range capacities {
		if tag.Kind != types.Memory || tag.Device.Type != types.DeviceGPU {
			continue
		}
		if _, dup := seen[tag.Device]; dup {
			continue
		}
		seen[tag.Device] = struct{}{}
		routes = append(routes, pagingRoute{src: tag.Device, dst: types.CPU0})
	}

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].src.Index < routes[j].src.Index
	})

	return routes
}

// StartScheduler resolves the configured policy, probes device limits, and
// starts the scheduling thread.
func (eng *ExecutionEngine) StartScheduler() error {
	if !eng.started.CompareAndSwap(false, true) {
		return nil
	}

	eng.resMonitor.InitializeLimits(eng.capacities)

	scheduler, err := newScheduler(eng.opts.SchedulerName, eng)
	if err != nil {
		eng.started.Store(false)
		return err
	}
	eng.scheduler = scheduler
	eng.log.Debug("Using scheduler: %s", eng.opts.SchedulerName)

	eng.pool = NewWorkerPool(eng.opts.WorkerPoolSize)

	go eng.scheduleLoop()

	return nil
}

// StopScheduler stops the scheduling thread and joins it, then clears any
// pending new- or deleted-session lists and shuts the worker pool down.
func (eng *ExecutionEngine) StopScheduler() {
	if !eng.started.Load() || !eng.shouldExit.CompareAndSwap(false, true) {
		return
	}

	eng.noteHasWork.Notify()
	<-eng.schedDone

	// Has to be done after the scheduling thread exits.
	eng.newMu.Lock()
	pendingNew := eng.newSessions
	eng.newSessions = nil
	eng.newMu.Unlock()
	for _, session := range pendingNew {
		session.release()
	}

	eng.delMu.Lock()
	pendingDeleted := eng.deletedSessions
	eng.deletedSessions = make(map[string]*SessionItem)
	eng.delMu.Unlock()
	for _, session := range pendingDeleted {
		session.release()
	}

	eng.pool.Shutdown()
}

// ResourceMonitor exposes the engine's ticket ledger to policies and the
// surrounding platform.
func (eng *ExecutionEngine) ResourceMonitor() *resource.Monitor {
	return eng.resMonitor
}

// RunningTasks returns the number of operations currently in flight.
func (eng *ExecutionEngine) RunningTasks() int32 {
	return eng.runningTasks.Load()
}

// NoPagingRunningTasks returns the number of synchronous operations
// currently in flight. Asynchronous operations are excluded so that their
// in-flight state does not suppress OOM detection.
func (eng *ExecutionEngine) NoPagingRunningTasks() int32 {
	return eng.noPagingRunningTasks.Load()
}

// CreateSessionOffer asks the admission tracker whether a session with the
// given predicted resource map can be admitted. On success it returns the
// client's execution context; the session is inserted into the engine once
// the client accepts the offer.
func (eng *ExecutionEngine) CreateSessionOffer(predicted types.Resources) (*Context, error) {
	if eng.shouldExit.Load() {
		return nil, types.ErrEngineShuttingDown
	}

	offer, ok := eng.resTracker.Admit(predicted)
	if !ok {
		eng.log.Warn("Rejecting session due to unsafe resource usage. Predicted usage: %s, current usage: %s",
			predicted.String(), eng.resTracker.DebugString())
		return nil, types.ErrAdmissionRejected
	}

	// The session handle is set later, in AcceptOffer.
	session := newSessionItem()
	session.cleanup = func() {
		eng.resTracker.Free(offer)
	}

	return &Context{
		engine:  eng,
		session: session,
		offer:   offer,
	}, nil
}

// insertSession queues an accepted session for the scheduler thread to
// splice into the master list.
func (eng *ExecutionEngine) insertSession(session *SessionItem) {
	session.retain()
	eng.liveSessions.Store(session.id, session)

	eng.newMu.Lock()
	eng.newSessions = append(eng.newSessions, session)
	eng.newMu.Unlock()

	eng.noteHasWork.Notify()
}

// deleteSession queues a session for removal. The caller's share of the
// session transfers to the deletion set; the scheduler thread releases it
// after the change set has been consumed.
func (eng *ExecutionEngine) deleteSession(session *SessionItem) {
	eng.liveSessions.Delete(session.id)

	eng.delMu.Lock()
	eng.deletedSessions[session.id] = session
	eng.delMu.Unlock()

	eng.noteHasWork.Notify()
}

// lookupSession resolves a live session by ID.
func (eng *ExecutionEngine) lookupSession(id string) (*SessionItem, bool) {
	return eng.liveSessions.Load(id)
}

// pushToSessionQueue appends an operation item to its session's incoming
// queue. Items whose session has been deleted are discarded silently.
func (eng *ExecutionEngine) pushToSessionQueue(item *OperationItem) {
	session, ok := item.Session()
	if !ok {
		return
	}

	session.enqueue(item)
	eng.noteHasWork.Notify()
}

// makeResourceContext builds a resource context for the session and stages
// req on the given device. The context is returned whether or not staging
// succeeded; callers check IsGood.
func (eng *ExecutionEngine) makeResourceContext(session *SessionItem, device types.DeviceSpec,
	req types.Resources, missing *types.Resources) *ResourceContext {

	rctx := newResourceContext(session, eng.resMonitor)
	if !rctx.InitializeStaging(device, req, missing) {
		eng.logScheduleFailure(req)
	}

	return rctx
}

func (eng *ExecutionEngine) logScheduleFailure(req types.Resources) {
	// Capture the monitor's state outside the log call: DebugString takes
	// the monitor lock, and logging while holding it invites deadlock.
	available := eng.resMonitor.DebugString()
	eng.log.Debug("Try to allocate resource failed. Requested: %s", req.String())
	eng.log.Debug("Available: %s", available)
}

// SubmitTask hands a prepared operation to the worker pool. See
// SubmitOutcome for the three possible results; on PoolFull the caller
// keeps the item queued and retries later.
func (eng *ExecutionEngine) SubmitTask(item *OperationItem) SubmitOutcome {
	session, ok := item.Session()
	if !ok {
		return Discarded
	}

	rctx := item.Task.ResourceContext()
	if rctx == nil || !rctx.IsGood() {
		eng.log.Error("Submitted task with uninitialized resource context: %s in session %s",
			item.Task.DebugString(), session.SessHandle)
		return Discarded
	}

	// Hold a share for the in-flight operation so that the session item
	// outlives its completion callbacks.
	if !session.tryRetain() {
		return Discarded
	}

	accepted := eng.pool.TryRun(func() {
		eng.runTask(item, session)
	})
	if !accepted {
		// The scheduler thread waits on this path; running the operation
		// inline is not an option.
		session.release()
		return PoolFull
	}

	eng.metrics.OperationDispatched()

	return Submitted
}

// runTask executes one operation on a worker goroutine.
func (eng *ExecutionEngine) runTask(item *OperationItem, session *SessionItem) {
	if _, ok := item.Session(); !ok {
		// Session deleted between dispatch and execution: the run never
		// starts, so only the staged reservation and the in-flight share
		// need returning.
		if rctx := item.Task.ResourceContext(); rctx != nil {
			rctx.ReleaseStaging()
		}
		eng.metrics.OperationStopped(true)
		session.release()
		return
	}

	callbacks := Callbacks{
		Done: func() {
			eng.taskStopped(item, session, false)
		},
		MemFailure: func() bool {
			if _, ok := item.Session(); !ok {
				eng.log.Debug("Found expired session during handling of memory failure of task: %s",
					item.Task.DebugString())
				eng.taskStopped(item, session, true)
				return false
			}
			if !session.ProtectOOM() {
				eng.log.Debug("Pass through OOM failed task back to client: %s", item.Task.DebugString())
				eng.taskStopped(item, session, true)
				return false
			}

			eng.taskStopped(item, session, true)

			// Failed due to OOM. Push back to the queue and retry after
			// paging has had a chance to run.
			eng.log.Debug("Putting back OOM failed task: %s", item.Task.DebugString())
			eng.pushToSessionQueue(item)
			return true
		},
	}

	eng.log.Debug("Running task in session %s: %s", session.SessHandle, item.Task.DebugString())
	eng.taskRunning(item)
	item.Task.Run(callbacks)
}

func (eng *ExecutionEngine) taskRunning(item *OperationItem) {
	eng.runningTasks.Add(1)
	if !item.Task.IsAsync() {
		eng.noPagingRunningTasks.Add(1)
	}
}

// taskStopped tears down one run attempt: the staged reservation is
// released, the counters drop, and the in-flight session share is returned.
func (eng *ExecutionEngine) taskStopped(item *OperationItem, session *SessionItem, failed bool) {
	if rctx := item.Task.ResourceContext(); rctx != nil {
		rctx.ReleaseStaging()
	}

	if !failed {
		session.totalExecutedOp.Add(1)
	}

	eng.runningTasks.Add(-1)
	if !item.Task.IsAsync() {
		eng.noPagingRunningTasks.Add(-1)
	}

	eng.metrics.OperationStopped(failed)
	session.release()
}
