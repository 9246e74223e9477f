package execution

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/XutongLi/Salus/common/types"
)

// doPaging reclaims memory on the src device by asking session owners to
// page allocations out to dst, falling back to forcibly evicting one
// session. It returns true when any memory was released or a session was
// evicted.
//
// The session with the largest usage on src is presumed to own the actual
// workload and is exempted from volunteering; paging it first would thrash.
func (eng *ExecutionEngine) doPaging(src types.DeviceSpec, dst types.DeviceSpec) bool {
	start := time.Now()
	var released int64
	forceEvictedSess := ""

	eng.metrics.PagingAttempted()
	defer func() {
		eng.perfLog.Info("paging",
			zap.Duration("duration", time.Since(start)),
			zap.Int64("released", released),
			zap.String("forceEvicted", forceEvictedSess))
	}()

	srcTag := types.NewTag(types.Memory, src)
	dstTag := types.NewTag(types.Memory, dst)

	// Step 1: candidate sessions, by current memory usage on src,
	// descending.
	candidates := make([]PagingCandidate, 0, eng.sessions.Len())
	for el := eng.sessions.Front(); el != nil; el = el.Next() {
		session := el.Value
		candidates = append(candidates, PagingCandidate{
			Usage:   session.ResourceUsage(srcTag),
			Session: session,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Usage > candidates[j].Usage
	})

	// Keep the session with the largest usage out of the victim set.
	if len(candidates) <= 1 {
		eng.log.Error("Out of memory for one session")
		return false
	}

	for _, candidate := range candidates {
		eng.log.Debug("Session %s usage on %s: %d", candidate.Session.SessHandle, src, candidate.Usage)
	}

	victims := candidates[1:]
	if sorter, ok := eng.scheduler.(PagingCandidateSorter); ok {
		sorter.SortPagingCandidates(victims)
	}

	// Step 2: ask each victim session's owner to page out, one ticket at a
	// time, largest ticket first.
	for _, candidate := range victims {
		session := candidate.Session

		ticketSnapshot := session.ticketsSnapshot()
		if len(ticketSnapshot) == 0 {
			// Nothing to page out here; the policy may have reordered the
			// victims, so later sessions can still hold tickets.
			continue
		}
		ticketUsages := eng.resMonitor.SortVictim(ticketSnapshot)

		// We will be paging on this session. Holding its main lock keeps
		// the owner from clearing the paging callbacks and blocks new
		// submissions from it while paging is attempted. Nothing can
		// finish at this point, so no deadlock.
		session.mu.Lock()
		if session.pagingCb == nil {
			session.mu.Unlock()
			continue
		}
		pagingCb := *session.pagingCb

		eng.log.Debug("Visiting session: %s", session.SessHandle)

		pagedOut := false
		for _, victim := range ticketUsages {
			// Pre-allocate an equal-sized landing reservation on dst.
			res := types.Resources{dstTag: victim.Usage}

			rctx := eng.makeResourceContext(session, dst, res, nil)
			if !rctx.IsGood() {
				eng.log.Error("Not enough memory on %s for paging. Required: %d bytes", dst, victim.Usage)
				session.mu.Unlock()
				return false
			}
			eng.log.Debug("Pre-allocated %s for session %s", rctx.String(), session.SessHandle)

			eng.log.Debug("Requesting to page out ticket %d of usage %d", victim.Ticket, victim.Usage)
			released += pagingCb.Volunteer(victim.Ticket, rctx)
			if released > 0 {
				// Someone freed memory on src; we are good to go.
				eng.log.Debug("Released %d bytes via paging", released)
				pagedOut = true
				break
			}
			rctx.Close()
			eng.log.Debug("Paging ticket %d failed", victim.Ticket)
		}
		session.mu.Unlock()

		if pagedOut {
			eng.metrics.PagingSucceeded()
			return true
		}
		// Continue to the next session.
	}

	eng.log.Error("All paging requests failed. Dumping all session usage.")
	for _, candidate := range candidates {
		eng.log.Error("Session %s usage: %d", candidate.Session.SessHandle, candidate.Usage)
	}
	monitorState := eng.resMonitor.DebugString()
	eng.log.Error("Resource monitor status: %s", monitorState)

	// Forcibly evict one session.
	for _, candidate := range candidates {
		session := candidate.Session

		session.mu.Lock()
		if session.pagingCb == nil {
			session.mu.Unlock()
			continue
		}
		pagingCb := *session.pagingCb
		session.mu.Unlock()

		forceEvictedSess = session.SessHandle

		// Don't retry OOM kernels of this session anymore.
		session.protectOOM.Store(false)
		session.forceEvicted.Store(true)

		eng.log.Debug("Force evicting session %s with usage %d", session.SessHandle, candidate.Usage)
		eng.metrics.SessionForceEvicted()
		eng.metrics.PagingSucceeded()
		pagingCb.ForceEvicted()
		return true
	}

	eng.log.Error("Nothing to force evict")
	return false
}
