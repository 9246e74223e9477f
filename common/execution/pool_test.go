package execution_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/XutongLi/Salus/common/execution"
)

var _ = Describe("Worker Pool Tests", func() {
	It("Should run a submitted closure", func() {
		pool := execution.NewWorkerPool(2)
		defer pool.Shutdown()

		ran := atomic.Bool{}
		Eventually(func() bool {
			return pool.TryRun(func() { ran.Store(true) })
		}, time.Second).Should(BeTrue())

		Eventually(func() bool { return ran.Load() }, time.Second).Should(BeTrue())
	})

	It("Should refuse work while every worker is busy", func() {
		pool := execution.NewWorkerPool(1)
		defer pool.Shutdown()

		gate := make(chan struct{})
		defer close(gate)

		Eventually(func() bool {
			return pool.TryRun(func() { <-gate })
		}, time.Second).Should(BeTrue())

		// The hand-off is unbuffered, so acceptance means the only worker
		// is occupied.
		Expect(pool.TryRun(func() {})).To(BeFalse())
	})

	It("Should accept work again once a worker frees up", func() {
		pool := execution.NewWorkerPool(1)
		defer pool.Shutdown()

		gate := make(chan struct{})
		Eventually(func() bool {
			return pool.TryRun(func() { <-gate })
		}, time.Second).Should(BeTrue())
		close(gate)

		ran := atomic.Bool{}
		Eventually(func() bool {
			return pool.TryRun(func() { ran.Store(true) })
		}, time.Second).Should(BeTrue())
		Eventually(func() bool { return ran.Load() }, time.Second).Should(BeTrue())
	})

	It("Should shut down idempotently and refuse work afterwards", func() {
		pool := execution.NewWorkerPool(2)

		pool.Shutdown()
		pool.Shutdown()

		Expect(pool.TryRun(func() {})).To(BeFalse())
	})
})
