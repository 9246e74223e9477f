package execution

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/XutongLi/Salus/common/types"
)

// SessionChangeSet describes what changed in the master session list since
// the previous scheduling iteration. It is valid only for the duration of
// NotifyPreSchedulingIteration; policies must not retain the deleted
// session references beyond that call.
type SessionChangeSet struct {
	// Deleted holds the sessions removed since the previous iteration.
	Deleted []*SessionItem

	// NumAdded is the number of sessions admitted since the previous
	// iteration; Added delimits them within the master list.
	NumAdded int
	Added    []*SessionItem
}

// Scheduler is the pluggable scheduling policy consulted by the scheduler
// loop. All hooks run on the scheduler thread.
type Scheduler interface {
	// NotifyPreSchedulingIteration populates candidates with the sessions
	// the loop should try this iteration, in the desired order. sessions is
	// the master list in insertion order.
	NotifyPreSchedulingIteration(sessions []*SessionItem, changeSet *SessionChangeSet, candidates *[]*SessionItem)

	// MaybeScheduleFrom drains zero or more operations from the session's
	// backing queue, preparing them and submitting them to the worker pool.
	// It returns the number dispatched and whether the loop should attempt
	// further candidates this iteration.
	MaybeScheduleFrom(session *SessionItem) (int, bool)

	// InsufficientMemory is asked when the loop detects no progress, to
	// confirm that paging on the given device is warranted.
	InsufficientMemory(device types.DeviceSpec) bool

	// DebugString renders per-session diagnostics for the iteration stats.
	DebugString(session *SessionItem) string
}

// PagingCandidate pairs a session with its memory usage on the paging
// source device.
type PagingCandidate struct {
	Usage   int64
	Session *SessionItem
}

// PagingCandidateSorter may be implemented by a Scheduler to reorder the
// paging victim list (everything after the exempted largest consumer)
// before the coordinator traverses it. Without it the engine keeps the
// default order: largest consumer first.
type PagingCandidateSorter interface {
	SortPagingCandidates(victims []PagingCandidate)
}

// SchedulerFactory constructs a policy bound to an engine handle.
type SchedulerFactory func(engine *ExecutionEngine) (Scheduler, error)

var (
	schedulerRegistryMu sync.RWMutex
	schedulerRegistry   = make(map[string]SchedulerFactory)
)

// RegisterScheduler makes a policy constructible by name. Policies register
// themselves from init functions, before StartScheduler is called.
// Registering a duplicate name panics.
func RegisterScheduler(name string, factory SchedulerFactory) {
	schedulerRegistryMu.Lock()
	defer schedulerRegistryMu.Unlock()

	if _, ok := schedulerRegistry[name]; ok {
		panic(fmt.Sprintf("scheduler %q registered twice", name))
	}
	schedulerRegistry[name] = factory
}

// newScheduler constructs the named policy bound to the given engine.
func newScheduler(name string, engine *ExecutionEngine) (Scheduler, error) {
	schedulerRegistryMu.RLock()
	factory, ok := schedulerRegistry[name]
	schedulerRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q (registered: %s)", name, registeredSchedulerNames())
	}

	return factory(engine)
}

func registeredSchedulerNames() string {
	schedulerRegistryMu.RLock()
	defer schedulerRegistryMu.RUnlock()

	names := make([]string, 0, len(schedulerRegistry))
	for name := range schedulerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)

	return strings.Join(names, ",")
}
