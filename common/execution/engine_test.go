package execution_test

import (
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/XutongLi/Salus/common/configuration"
	"github.com/XutongLi/Salus/common/execution"
	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/types"
)

var _ = Describe("Engine Tests", func() {
	gpuMem := types.NewTag(types.Memory, types.GPU0)
	cpuMem := types.NewTag(types.Memory, types.CPU0)

	var engine *execution.ExecutionEngine

	newEngine := func(gpuCapacity int64, cpuCapacity int64, poolSize int) *execution.ExecutionEngine {
		opts := &configuration.SchedulerOptions{
			SchedulerName:  "fifo",
			WorkerPoolSize: poolSize,
		}
		provider := &resource.StaticCapacityProvider{
			Capacities: types.Resources{gpuMem: gpuCapacity, cpuMem: cpuCapacity},
		}

		eng, err := execution.NewExecutionEngine(opts, provider, nil, nil)
		Expect(err).To(BeNil())
		Expect(eng.StartScheduler()).To(Succeed())

		return eng
	}

	admit := func(eng *execution.ExecutionEngine, handle string, gpuBytes int64) *execution.Context {
		ctx, err := eng.CreateSessionOffer(types.Resources{gpuMem: gpuBytes})
		Expect(err).To(BeNil())
		Expect(ctx.AcceptOffer(handle)).To(Succeed())
		return ctx
	}

	AfterEach(func() {
		if engine != nil {
			engine.StopScheduler()
			engine = nil
		}
	})

	Context("Configuration", func() {
		It("Should reject options without a scheduler name", func() {
			provider := &resource.StaticCapacityProvider{Capacities: types.Resources{gpuMem: 100}}

			_, err := execution.NewExecutionEngine(&configuration.SchedulerOptions{}, provider, nil, nil)
			Expect(err).To(MatchError(configuration.ErrUnspecifiedScheduler))
		})

		It("Should refuse new offers and operations after shutdown", func() {
			engine = newEngine(100, 100, 1)

			ctx := admit(engine, "session-1", 10)
			engine.StopScheduler()

			_, err := engine.CreateSessionOffer(types.Resources{gpuMem: 10})
			Expect(err).To(MatchError(types.ErrEngineShuttingDown))

			task := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10}
			Expect(ctx.EnqueueOperation(task)).To(MatchError(types.ErrEngineShuttingDown))
		})

		It("Should fail startup for an unregistered scheduler", func() {
			provider := &resource.StaticCapacityProvider{Capacities: types.Resources{gpuMem: 100}}
			opts := &configuration.SchedulerOptions{SchedulerName: "no-such-policy"}

			eng, err := execution.NewExecutionEngine(opts, provider, nil, nil)
			Expect(err).To(BeNil())
			Expect(eng.StartScheduler()).ToNot(Succeed())
		})
	})

	Context("Admission", func() {
		It("Should reject a session whose predicted footprint is unsafe", func() {
			engine = newEngine(100, 100, 1)

			_, err := engine.CreateSessionOffer(types.Resources{gpuMem: 150})
			Expect(err).To(MatchError(types.ErrAdmissionRejected))
		})

		It("Should report the admitted resource map through the context", func() {
			engine = newEngine(100, 100, 1)

			ctx := admit(engine, "session-1", 60)
			defer ctx.DeleteSession(nil)

			offered, ok := ctx.OfferedSessionResource()
			Expect(ok).To(BeTrue())
			Expect(offered.Get(gpuMem)).To(Equal(int64(60)))
		})
	})

	Context("Dispatch", func() {
		It("Should run two operations of a single session in FIFO order without paging", func() {
			engine = newEngine(100, 100, 1)

			ctx := admit(engine, "session-1", 100)
			recorder := &runRecorder{}

			evicted := atomic.Bool{}
			Expect(ctx.RegisterPagingCallbacks(execution.PagingCallbacks{
				Volunteer:    func(resource.Ticket, *execution.ResourceContext) int64 { return 0 },
				ForceEvicted: func() { evicted.Store(true) },
			})).To(Succeed())

			taskA := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 40, recorder: recorder}
			taskB := &fakeTask{name: "B", ctx: ctx, device: types.GPU0, need: 40, recorder: recorder}

			Expect(ctx.EnqueueOperation(taskA)).To(Succeed())
			Expect(ctx.EnqueueOperation(taskB)).To(Succeed())

			Eventually(func() []string { return recorder.Order() }, 3*time.Second).Should(Equal([]string{"A", "B"}))
			Eventually(func() int32 { return engine.RunningTasks() }, 3*time.Second).Should(Equal(int32(0)))
			Expect(engine.NoPagingRunningTasks()).To(Equal(int32(0)))
			Expect(evicted.Load()).To(BeFalse())
		})

		It("Should apply back-pressure when the worker pool is saturated", func() {
			engine = newEngine(1000, 1000, 1)

			ctx := admit(engine, "session-1", 300)
			recorder := &runRecorder{}
			gate := make(chan struct{})

			taskA := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10, recorder: recorder, block: gate}
			taskB := &fakeTask{name: "B", ctx: ctx, device: types.GPU0, need: 10, recorder: recorder}
			taskC := &fakeTask{name: "C", ctx: ctx, device: types.GPU0, need: 10, recorder: recorder}

			Expect(ctx.EnqueueOperation(taskA)).To(Succeed())
			Expect(ctx.EnqueueOperation(taskB)).To(Succeed())
			Expect(ctx.EnqueueOperation(taskC)).To(Succeed())

			Eventually(func() int32 { return taskA.runCalls.Load() }, 3*time.Second).Should(Equal(int32(1)))

			// With the only worker occupied by A, B and C stay queued.
			Consistently(func() int32 { return taskB.runCalls.Load() + taskC.runCalls.Load() },
				300*time.Millisecond).Should(Equal(int32(0)))

			close(gate)

			Eventually(func() []string { return recorder.Order() }, 5*time.Second).Should(Equal([]string{"A", "B", "C"}))
			Eventually(func() int32 { return engine.RunningTasks() }, 3*time.Second).Should(Equal(int32(0)))
		})

		It("Should exclude async operations from the no-paging counter", func() {
			engine = newEngine(100, 100, 2)

			ctx := admit(engine, "session-1", 50)
			task := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10, async: true}

			Expect(ctx.EnqueueOperation(task)).To(Succeed())

			Eventually(func() int32 { return engine.RunningTasks() }, 3*time.Second).Should(Equal(int32(1)))
			Expect(engine.NoPagingRunningTasks()).To(Equal(int32(0)))

			task.completeAsync()

			Eventually(func() int32 { return engine.RunningTasks() }, 3*time.Second).Should(Equal(int32(0)))
			Eventually(func() int64 { return ctxSessionExecuted(ctx) }, 3*time.Second).Should(Equal(int64(1)))
		})
	})

	Context("OOM handling", func() {
		It("Should force-evict the callback-bearing victim when no one can volunteer", func() {
			engine = newEngine(100, 100, 1)

			// S1 holds 80 bytes committed on GPU0 through one ticket and is
			// the presumed workload owner.
			ctx1 := admit(engine, "session-1", 80)
			rctx1, err := ctx1.MakeResourceContext(types.GPU0, types.Resources{gpuMem: 80}, nil)
			Expect(err).To(BeNil())
			Expect(rctx1.IsGood()).To(BeTrue())
			scope := rctx1.Alloc(types.Memory)
			Expect(scope.Valid()).To(BeTrue())
			scope.Commit()

			// S2 wants 40 more; only 20 remain.
			ctx2 := admit(engine, "session-2", 20)

			probe, err := ctx2.MakeResourceContext(types.GPU0, types.Resources{gpuMem: 40}, nil)
			var insufficient *types.InsufficientResourcesError
			Expect(errors.As(err, &insufficient)).To(BeTrue())
			Expect(insufficient.Missing.Get(gpuMem)).To(Equal(int64(20)))
			Expect(probe.IsGood()).To(BeFalse())

			evicted := atomic.Bool{}
			Expect(ctx2.RegisterPagingCallbacks(execution.PagingCallbacks{
				Volunteer:    func(resource.Ticket, *execution.ResourceContext) int64 { return 0 },
				ForceEvicted: func() { evicted.Store(true) },
			})).To(Succeed())

			task := &fakeTask{name: "B", ctx: ctx2, device: types.GPU0, need: 40}
			Expect(ctx2.EnqueueOperation(task)).To(Succeed())

			Eventually(func() bool { return evicted.Load() }, 5*time.Second).Should(BeTrue())
			Eventually(func() int32 { return task.cancelCalls.Load() }, 5*time.Second).Should(Equal(int32(1)))

			Expect(task.Missing().Get(gpuMem)).To(Equal(int64(20)))
			Expect(task.runCalls.Load()).To(Equal(int32(0)))

			// The evicted session rejects further work.
			Expect(ctx2.EnqueueOperation(task)).To(MatchError(types.ErrSessionEvicted))
		})

		It("Should recover memory through a volunteering session", func() {
			engine = newEngine(100, 200, 1)

			// The volunteer holds 30 bytes committed on GPU0.
			ctx1 := admit(engine, "volunteer", 30)
			rctx1, err := ctx1.MakeResourceContext(types.GPU0, types.Resources{gpuMem: 30}, nil)
			Expect(err).To(BeNil())
			scope := rctx1.Alloc(types.Memory)
			Expect(scope.Valid()).To(BeTrue())
			scope.Commit()

			volunteered := atomic.Bool{}
			Expect(ctx1.RegisterPagingCallbacks(execution.PagingCallbacks{
				Volunteer: func(victim resource.Ticket, dst *execution.ResourceContext) int64 {
					// Page the ticket out: release its device memory and
					// keep the landing reservation on the fallback device.
					defer GinkgoRecover()
					Expect(dst.Device()).To(Equal(types.CPU0))
					rctx1.Dealloc(types.Memory, 30)
					dstScope := dst.Alloc(types.Memory)
					dstScope.Commit()
					volunteered.Store(true)
					return 30
				},
				ForceEvicted: func() {},
			})).To(Succeed())

			// The workload session is the largest consumer on GPU0 (60
			// bytes committed), so victim selection exempts it and asks
			// the volunteer instead.
			ctx2 := admit(engine, "workload", 60)
			rctx2, err := ctx2.MakeResourceContext(types.GPU0, types.Resources{gpuMem: 60}, nil)
			Expect(err).To(BeNil())
			scope2 := rctx2.Alloc(types.Memory)
			Expect(scope2.Valid()).To(BeTrue())
			scope2.Commit()

			// 90 of 100 bytes are committed; the next operation needs 40.
			task := &fakeTask{name: "W", ctx: ctx2, device: types.GPU0, need: 40}
			Expect(ctx2.EnqueueOperation(task)).To(Succeed())

			Eventually(func() bool { return volunteered.Load() }, 5*time.Second).Should(BeTrue())
			Eventually(func() int32 { return task.runCalls.Load() }, 5*time.Second).Should(Equal(int32(1)))
			Eventually(func() int64 { return ctxSessionExecuted(ctx2) }, 5*time.Second).Should(Equal(int64(1)))
		})

		It("Should re-queue an OOM-failed operation when the session is protected", func() {
			engine = newEngine(200, 200, 1)

			ctx1 := admit(engine, "session-1", 50)
			// A second session turns OOM protection on.
			ctx2 := admit(engine, "session-2", 50)
			defer ctx2.DeleteSession(nil)

			task := &fakeTask{name: "A", ctx: ctx1, device: types.GPU0, need: 10, failOOMOnce: true}
			Expect(ctx1.EnqueueOperation(task)).To(Succeed())

			Eventually(func() int32 { return task.runCalls.Load() }, 5*time.Second).Should(Equal(int32(2)))
			Expect(task.memFailureRetry.Load()).To(BeTrue())
			Eventually(func() int64 { return ctxSessionExecuted(ctx1) }, 3*time.Second).Should(Equal(int64(1)))
		})

		It("Should surface an OOM failure when the session is unprotected", func() {
			engine = newEngine(200, 200, 1)

			// A single session is never OOM-protected.
			ctx := admit(engine, "session-1", 50)

			task := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10, failOOMOnce: true}
			Expect(ctx.EnqueueOperation(task)).To(Succeed())

			Eventually(func() int32 { return task.runCalls.Load() }, 3*time.Second).Should(Equal(int32(1)))
			Eventually(func() bool { return task.memFailureRetry.Load() }, 3*time.Second).Should(BeFalse())

			Consistently(func() int32 { return task.runCalls.Load() }, 300*time.Millisecond).Should(Equal(int32(1)))
			Expect(ctxSessionExecuted(ctx)).To(Equal(int64(0)))
		})
	})

	Context("Session lifecycle", func() {
		It("Should discard queued work and fire the completion callback on deletion", func() {
			engine = newEngine(1000, 1000, 1)

			ctx := admit(engine, "session-1", 100)
			gate := make(chan struct{})

			taskA := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10, block: gate}
			taskB := &fakeTask{name: "B", ctx: ctx, device: types.GPU0, need: 10}

			Expect(ctx.EnqueueOperation(taskA)).To(Succeed())
			Expect(ctx.EnqueueOperation(taskB)).To(Succeed())

			Eventually(func() int32 { return taskA.runCalls.Load() }, 3*time.Second).Should(Equal(int32(1)))

			deleted := atomic.Bool{}
			ctx.DeleteSession(func() { deleted.Store(true) })

			// A is in flight; it runs to completion before the session
			// item finally drops.
			Consistently(func() bool { return deleted.Load() }, 200*time.Millisecond).Should(BeFalse())

			close(gate)

			Eventually(func() bool { return deleted.Load() }, 5*time.Second).Should(BeTrue())
			Expect(taskB.runCalls.Load()).To(Equal(int32(0)))
		})

		It("Should shut down with pending operations still queued", func() {
			engine = newEngine(1000, 1000, 1)

			ctx := admit(engine, "session-1", 100)
			gate := make(chan struct{})

			taskA := &fakeTask{name: "A", ctx: ctx, device: types.GPU0, need: 10, block: gate}
			taskB := &fakeTask{name: "B", ctx: ctx, device: types.GPU0, need: 10}

			Expect(ctx.EnqueueOperation(taskA)).To(Succeed())
			Expect(ctx.EnqueueOperation(taskB)).To(Succeed())

			Eventually(func() int32 { return taskA.runCalls.Load() }, 3*time.Second).Should(Equal(int32(1)))

			// Stop while A occupies the only worker and B is still queued.
			// The scheduler thread exits within one notification cycle; the
			// worker pool drains once A unblocks.
			stopDone := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				engine.StopScheduler()
				close(stopDone)
			}()

			// Give the in-flight iteration time to observe the exit flag
			// before the worker frees up.
			time.Sleep(100 * time.Millisecond)
			close(gate)

			Eventually(stopDone, 5*time.Second).Should(BeClosed())
			engine = nil

			Expect(taskB.runCalls.Load()).To(Equal(int32(0)))
		})
	})
})

// ctxSessionExecuted reads the successfully executed operation count of the
// context's session through the context itself.
func ctxSessionExecuted(ctx *execution.Context) int64 {
	return ctx.SessionTotalExecutedOp()
}
