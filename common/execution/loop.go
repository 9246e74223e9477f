package execution

import (
	"time"

	"go.uber.org/zap"

	"github.com/XutongLi/Salus/common/types"
)

const (
	// initialSleep is the first back-off interval once the loop goes idle;
	// it doubles on every subsequent idle iteration.
	initialSleep = 10 * time.Millisecond

	// getBored is how long the loop tolerates no progress before it starts
	// sleeping.
	getBored = 20 * time.Millisecond
)

// scheduleLoop is the engine's single coordinating thread. Each iteration
// merges session births and deaths into the master list, asks the policy
// for candidates, dispatches as much work as the pool accepts, and — when
// nothing can move because device memory is exhausted — drives the paging
// protocol.
func (eng *ExecutionEngine) scheduleLoop() {
	defer close(eng.schedDone)

	eng.lastProgress = time.Now()
	eng.currentSleep = initialSleep

	var candidates []*SessionItem

	for !eng.shouldExit.Load() {
		eng.schedIterCount++
		eng.metrics.ScheduleIteration()
		changeSet := &SessionChangeSet{}

		// First check if there are any pending deletions.
		eng.delMu.Lock()
		deleted := eng.deletedSessions
		eng.deletedSessions = make(map[string]*SessionItem)
		eng.delMu.Unlock()

		// Remove them from the master list, releasing the list's share.
		// The deletion-set share stays alive until after the policy has
		// seen the change set.
		for id, session := range deleted {
			if _, ok := eng.sessions.Get(id); ok {
				eng.sessions.Delete(id)
				session.release()
			}
			eng.log.Debug("Deleting session %s (%s)", session.SessHandle, id)
			changeSet.Deleted = append(changeSet.Deleted, session)
		}

		// Append any new sessions.
		eng.newMu.Lock()
		added := eng.newSessions
		eng.newSessions = nil
		eng.newMu.Unlock()

		// A session admitted and deleted between two iterations shows up in
		// both drains; it must not reach the master list.
		spliced := added[:0]
		for _, session := range added {
			if _, dead := deleted[session.id]; dead {
				session.release()
				continue
			}
			eng.sessions.Set(session.id, session)
			spliced = append(spliced, session)
		}
		changeSet.NumAdded = len(spliced)
		changeSet.Added = spliced

		// Prepare each session for this iteration: splice the incoming
		// queue into the backing queue, cancel everything queued on a
		// force-evicted session, and reset the iteration scratch.
		totalRemaining := 0
		enableOOMProtect := eng.sessions.Len() > 1
		sessions := make([]*SessionItem, 0, eng.sessions.Len())
		for el := eng.sessions.Front(); el != nil; el = el.Next() {
			session := el.Value
			sessions = append(sessions, session)

			session.spliceToBacking()

			if session.ForceEvicted() {
				eng.log.Debug("Canceling pending tasks in force-evicted session: %s", session.SessHandle)
				for {
					item, ok := session.bgQueue.Dequeue()
					if !ok {
						break
					}
					item.Task.Cancel()
				}
			}

			totalRemaining += session.bgQueue.Len()
			session.protectOOM.Store(enableOOMProtect)
			session.lastScheduled = 0
		}

		// Select and sort candidates.
		candidates = candidates[:0]
		eng.scheduler.NotifyPreSchedulingIteration(sessions, changeSet, &candidates)

		// Deleted sessions are no longer needed; release the deletion-set
		// shares so they do not leak beyond this point.
		for _, session := range changeSet.Deleted {
			session.release()
		}
		changeSet.Deleted = nil

		// Schedule tasks from candidate sessions. remaining counts only
		// candidate sessions in this iteration.
		remaining := 0
		scheduled := 0
		for _, session := range candidates {
			count, shouldContinue := eng.scheduler.MaybeScheduleFrom(session)
			session.lastScheduled = count

			remaining += session.bgQueue.Len()
			scheduled += count

			if !shouldContinue {
				break
			}
		}

		eng.logIterationStats(sessions)

		// Update conditions and check whether paging is needed.
		noProgress := remaining > 0 && scheduled == 0 && eng.noPagingRunningTasks.Load() == 0
		didPaging := false
		for _, route := range eng.pagingRoutes {
			if !noProgress || !eng.scheduler.InsufficientMemory(route.src) {
				continue
			}

			if eng.sessions.Len() > 1 {
				didPaging = eng.doPaging(route.src, route.dst)
			} else if eng.sessions.Len() == 1 {
				eng.reportSingleSessionOOM(route.src)
			}
		}
		// Paging succeeded: retry another iteration immediately.
		if didPaging {
			continue
		}

		eng.maybeWaitForAWhile(scheduled)

		if totalRemaining == 0 {
			eng.noteHasWork.Wait()
		}
	}

	// Cleanup: drop the master list; sessions terminate through their
	// release paths.
	for el := eng.sessions.Front(); el != nil; el = el.Next() {
		el.Value.release()
	}
	for _, key := range eng.sessions.Keys() {
		eng.sessions.Delete(key)
	}
}

// maybeWaitForAWhile backs the loop off when it keeps finding nothing to
// do: after getBored of no progress it sleeps for an exponentially doubling
// interval starting at initialSleep. It returns true iff a sleep occurred.
func (eng *ExecutionEngine) maybeWaitForAWhile(scheduled int) bool {
	now := time.Now()

	if scheduled > 0 {
		eng.lastProgress = now
		eng.currentSleep = initialSleep
	}

	idle := now.Sub(eng.lastProgress)
	if idle <= getBored {
		return false
	}

	eng.log.Debug("No progress for %v, sleep for %v", idle, eng.currentSleep)

	// No progress for a long time; give up our time slice to avoid burning
	// cycles.
	time.Sleep(eng.currentSleep)

	// Next time we'll sleep longer.
	eng.currentSleep *= 2

	return true
}

// logIterationStats emits the per-iteration performance counters.
func (eng *ExecutionEngine) logIterationStats(sessions []*SessionItem) {
	eng.perfLog.Info("scheduler iteration",
		zap.Uint64("iter", eng.schedIterCount),
		zap.Int32("running", eng.runningTasks.Load()),
		zap.Int32("noPagingRunning", eng.noPagingRunningTasks.Load()))

	for _, session := range sessions {
		eng.perfLog.Info("session",
			zap.Uint64("iter", eng.schedIterCount),
			zap.String("session", session.SessHandle),
			zap.Int("pending", session.bgQueue.Len()),
			zap.Int("scheduled", session.lastScheduled),
			zap.String("policy", eng.scheduler.DebugString(session)))
	}
}

// reportSingleSessionOOM logs the unrecoverable case: the only session on
// the device cannot fit, and there is nobody to page out.
func (eng *ExecutionEngine) reportSingleSessionOOM(device types.DeviceSpec) {
	front := eng.sessions.Front()
	if front == nil {
		return
	}
	session := front.Value

	eng.log.Error("OOM on device %s for single session happened: %s", device.String(), session.SessHandle)

	usage := eng.resMonitor.QueryUsages(session.ticketsSnapshot())
	eng.log.Error("This session usage: %s", usage.String())

	monitorState := eng.resMonitor.DebugString()
	eng.log.Error("%s", monitorState)
}
