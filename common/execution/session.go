package execution

import (
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/queue"
	"github.com/XutongLi/Salus/common/types"
)

// SessionItem is the engine's per-session state.
//
// Locking: mu guards the incoming queue, the paging callbacks, and the
// deletion callback. usageMu guards the cached usage-by-tag map. ticketsMu
// guards the ticket set. The two are never held with ticketsMu outside mu; the paging path
// takes them sequentially (tickets snapshot first, then mu for the
// callbacks). bgQueue, lastScheduled, and the iteration scratch are touched
// only by the scheduler thread and need no lock. protectOOM and
// forceEvicted are written by the scheduler thread and read from worker
// threads, hence atomic.
type SessionItem struct {
	// id keys the engine's live-session table; it is assigned at creation
	// and never changes.
	id string

	// SessHandle is the client-supplied handle, set at admission acceptance
	// before the session is inserted into the engine.
	SessHandle string

	mu        sync.Mutex
	incoming  *queue.Fifo[*OperationItem]
	pagingCb  *PagingCallbacks
	deletedCb func()

	// usageMu guards the cached usage-by-tag map on its own: the paging
	// coordinator holds mu while invoking the volunteer callback, and the
	// callback updates usage when it releases memory.
	usageMu    sync.Mutex
	usageByTag types.Resources

	ticketsMu sync.Mutex
	tickets   map[resource.Ticket]struct{}

	// bgQueue and lastScheduled are owned exclusively by the scheduler loop.
	bgQueue       *queue.Fifo[*OperationItem]
	lastScheduled int

	protectOOM   atomic.Bool
	forceEvicted atomic.Bool

	totalExecutedOp atomic.Int64

	// refs counts the shares held by the client's execution context, the
	// engine's master list, and each in-flight operation. When the last
	// share is released the cleanup hook (admission-offer release) and the
	// deletion callback fire.
	refs    atomic.Int32
	cleanup func()

	log logger.Logger
}

func newSessionItem() *SessionItem {
	session := &SessionItem{
		id:         uuid.NewString(),
		incoming:   queue.NewFifo[*OperationItem](4),
		usageByTag: make(types.Resources),
		tickets:    make(map[resource.Ticket]struct{}),
		bgQueue:    queue.NewFifo[*OperationItem](4),
	}
	session.refs.Store(1)
	config.InitLogger(&session.log, session)

	return session
}

// ID returns the engine-internal session identifier.
func (s *SessionItem) ID() string {
	return s.id
}

// enqueue appends an operation item to the incoming queue. Called by
// producers under mu.
func (s *SessionItem) enqueue(item *OperationItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming.Enqueue(item)
}

// spliceToBacking moves the incoming queue onto the end of the backing
// queue. Called only by the scheduler thread.
func (s *SessionItem) spliceToBacking() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming.DrainTo(s.bgQueue)
}

// BackingQueue exposes the scheduler-owned backing queue to the scheduling
// policy. It must be touched only from the scheduler thread.
func (s *SessionItem) BackingQueue() *queue.Fifo[*OperationItem] {
	return s.bgQueue
}

// LastScheduled returns the number of operations dispatched from this
// session in the current scheduling iteration.
func (s *SessionItem) LastScheduled() int {
	return s.lastScheduled
}

// SetPagingCallbacks installs the session's paging callbacks, replacing any
// previous pair atomically.
func (s *SessionItem) SetPagingCallbacks(callbacks PagingCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pagingCb = &callbacks
}

// prepareDelete stores the completion callback invoked once the session
// item finally drops.
func (s *SessionItem) prepareDelete(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletedCb = cb
}

// ProtectOOM reports whether an OOM-failed operation of this session is
// retried after paging rather than surfaced to the client.
func (s *SessionItem) ProtectOOM() bool {
	return s.protectOOM.Load()
}

// ForceEvicted reports whether the session has been forcibly evicted.
func (s *SessionItem) ForceEvicted() bool {
	return s.forceEvicted.Load()
}

// TotalExecutedOp returns the number of operations of this session that ran
// to completion successfully.
func (s *SessionItem) TotalExecutedOp() int64 {
	return s.totalExecutedOp.Load()
}

// ResourceUsage returns the session's committed quantity for the given tag.
func (s *SessionItem) ResourceUsage(tag types.Tag) int64 {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	return s.usageByTag.Get(tag)
}

// addResourceUsage adjusts the cached committed usage for the given tag.
func (s *SessionItem) addResourceUsage(tag types.Tag, delta int64) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	s.usageByTag.Set(tag, s.usageByTag.Get(tag)+delta)
}

// notifyMemoryAllocation records that the ticket now carries committed
// memory for this session.
func (s *SessionItem) notifyMemoryAllocation(ticket resource.Ticket) {
	s.addTicket(ticket)
}

// addTicket records a ticket as held by this session.
func (s *SessionItem) addTicket(ticket resource.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	s.tickets[ticket] = struct{}{}
}

// removeTicket drops a fully released ticket from the session.
func (s *SessionItem) removeTicket(ticket resource.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	delete(s.tickets, ticket)
}

// ticketsSnapshot copies the current ticket set.
func (s *SessionItem) ticketsSnapshot() map[resource.Ticket]struct{} {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	snapshot := make(map[resource.Ticket]struct{}, len(s.tickets))
	for ticket := range s.tickets {
		snapshot[ticket] = struct{}{}
	}

	return snapshot
}

// NumTickets returns the number of tickets currently held by the session.
func (s *SessionItem) NumTickets() int {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	return len(s.tickets)
}

// retain adds a share to the session item.
func (s *SessionItem) retain() {
	s.refs.Add(1)
}

// tryRetain adds a share only if the item is still alive. It returns false
// once the last share has been released.
func (s *SessionItem) tryRetain() bool {
	for {
		current := s.refs.Load()
		if current <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// release drops a share. The last release runs the cleanup hook and the
// deletion callback.
func (s *SessionItem) release() {
	if s.refs.Add(-1) != 0 {
		return
	}

	s.mu.Lock()
	cb := s.deletedCb
	s.deletedCb = nil
	s.mu.Unlock()

	if s.cleanup != nil {
		s.cleanup()
	}
	if cb != nil {
		cb()
	}
}
