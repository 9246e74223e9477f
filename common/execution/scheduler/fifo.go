// Package scheduler provides the scheduling policies shipped with the
// execution engine. Importing it registers them with the engine's policy
// registry; the engine selects one by name at startup.
package scheduler

import (
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/XutongLi/Salus/common/execution"
	"github.com/XutongLi/Salus/common/types"
)

func init() {
	execution.RegisterScheduler("fifo", NewFifoScheduler)
}

// FifoScheduler is the default policy: sessions are attempted in insertion
// order, every session every iteration, and each session's backing queue is
// drained head-first until something blocks.
//
// A head operation whose preparation cannot obtain a ticket stays queued
// and marks its device as memory-constrained; that is the signal the loop's
// no-progress check turns into a paging attempt.
type FifoScheduler struct {
	engine *execution.ExecutionEngine

	log logger.Logger

	// insufficient records, per device, whether a preparation failed for
	// lack of memory this iteration.
	insufficient map[types.DeviceSpec]bool
}

// NewFifoScheduler constructs the policy bound to an engine handle.
func NewFifoScheduler(engine *execution.ExecutionEngine) (execution.Scheduler, error) {
	scheduler := &FifoScheduler{
		engine:       engine,
		insufficient: make(map[types.DeviceSpec]bool),
	}
	config.InitLogger(&scheduler.log, scheduler)

	return scheduler, nil
}

// NotifyPreSchedulingIteration resets the per-iteration memory-shortfall
// markers and selects every session, preserving insertion order.
func (s *FifoScheduler) NotifyPreSchedulingIteration(sessions []*execution.SessionItem,
	_ *execution.SessionChangeSet, candidates *[]*execution.SessionItem) {

	for device := range s.insufficient {
		delete(s.insufficient, device)
	}

	*candidates = append((*candidates)[:0], sessions...)
}

// MaybeScheduleFrom drains the session's backing queue head-first. It stops
// at the first operation that cannot proceed: a memory shortfall or a full
// worker pool leaves the operation at the head for the next iteration.
func (s *FifoScheduler) MaybeScheduleFrom(session *execution.SessionItem) (int, bool) {
	count := 0
	backing := session.BackingQueue()

	for {
		item, ok := backing.Peek()
		if !ok {
			break
		}

		if _, alive := item.Session(); !alive {
			// Session deleted; discard without invoking the task.
			backing.Dequeue()
			continue
		}

		if !s.prepared(item) {
			var device types.DeviceSpec
			if !item.Task.Prepare(&device) {
				// Preparation rejected the task outright.
				s.log.Error("Dropping operation that failed preparation: %s", item.Task.DebugString())
				backing.Dequeue()
				continue
			}

			rctx := item.Task.ResourceContext()
			if rctx == nil {
				s.log.Error("Dropping operation without a resource context: %s", item.Task.DebugString())
				backing.Dequeue()
				continue
			}
			if !rctx.IsGood() {
				// Not enough memory for the head operation; keep it queued
				// and flag the device so the loop can consider paging.
				s.insufficient[rctx.Device()] = true
				break
			}
		}

		switch s.engine.SubmitTask(item) {
		case execution.Submitted:
			backing.Dequeue()
			count++
		case execution.Discarded:
			backing.Dequeue()
		case execution.PoolFull:
			return count, true
		}
	}

	return count, true
}

// prepared reports whether the operation already holds a usable ticket, as
// an OOM-retried operation does.
func (s *FifoScheduler) prepared(item *execution.OperationItem) bool {
	rctx := item.Task.ResourceContext()
	return rctx != nil && rctx.IsGood()
}

// InsufficientMemory reports whether a preparation failed for lack of
// memory on the device during this iteration.
func (s *FifoScheduler) InsufficientMemory(device types.DeviceSpec) bool {
	return s.insufficient[device]
}

// DebugString renders the session's queue state for the iteration stats.
func (s *FifoScheduler) DebugString(session *execution.SessionItem) string {
	return fmt.Sprintf("fifo[pending=%d, lastScheduled=%d]",
		session.BackingQueue().Len(), session.LastScheduled())
}
