package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/XutongLi/Salus/common/types"
)

// Ticket identifies one reservation held in the Monitor. Tickets are
// monotonically increasing and non-zero; 0 is reserved for "invalid".
type Ticket uint64

// InvalidTicket is the zero Ticket.
const InvalidTicket Ticket = 0

// CapacityProvider supplies the per-tag capacities of the devices visible
// to the engine. Implementations typically probe the platform; tests supply
// fixed maps.
type CapacityProvider interface {
	DeviceCapacities() types.Resources
}

// StaticCapacityProvider is a CapacityProvider returning a fixed capacity map.
type StaticCapacityProvider struct {
	Capacities types.Resources
}

func (p *StaticCapacityProvider) DeviceCapacities() types.Resources {
	return p.Capacities
}

// reservation is the two-part ledger entry for one ticket.
type reservation struct {
	staging   types.Resources
	committed types.Resources
}

// TicketUsage pairs a ticket with its committed memory quantity, for
// victim selection during paging.
type TicketUsage struct {
	Usage  int64
	Ticket Ticket
}

// Monitor tracks per-device resource capacities and the reservations held
// against them. Each reservation is identified by a Ticket and split into a
// staging portion (pre-allocated during operation preparation, not yet
// charged to the session's visible usage) and a committed portion.
//
// All methods are thread-safe. Callers that need several calls to observe a
// consistent view (notably OperationScope) use Lock to obtain a MonitorProxy.
type Monitor struct {
	mu sync.Mutex

	log logger.Logger

	// limits are the declared per-tag capacities. Tags absent from limits
	// have zero capacity.
	limits types.Resources

	// used caches sum(staging + committed) across all tickets, per tag.
	used types.Resources

	tickets map[Ticket]*reservation

	nextTicket atomic.Uint64
}

func NewMonitor() *Monitor {
	monitor := &Monitor{
		limits:  make(types.Resources),
		used:    make(types.Resources),
		tickets: make(map[Ticket]*reservation),
	}
	config.InitLogger(&monitor.log, monitor)

	return monitor
}

// InitializeLimits queries the provider for device capacities. The engine
// calls it once from StartScheduler, before the scheduler thread starts.
func (m *Monitor) InitializeLimits(provider CapacityProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limits = provider.DeviceCapacities().Clone()
	m.log.Debug("Initialized device limits: %s", m.limits.String())
}

// PreAllocate atomically reserves req as the staging portion of a new
// ticket. On success it returns the ticket. On failure it returns
// InvalidTicket and, if missing is non-nil, records the per-tag shortfall
// into it.
func (m *Monitor) PreAllocate(req types.Resources, missing *types.Resources) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fitsLocked(req, missing) {
		return InvalidTicket, false
	}

	ticket := Ticket(m.nextTicket.Add(1))
	m.tickets[ticket] = &reservation{
		staging:   req.Clone(),
		committed: make(types.Resources),
	}
	m.used.Add(req)

	return ticket, true
}

// Allocate moves req into the ticket's committed portion. The ticket's
// remaining staging is consumed first for each tag; only the overflow is
// drawn from free capacity. Allocate is all-or-nothing: on failure no state
// changes.
func (m *Monitor) Allocate(ticket Ticket, req types.Resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocateLocked(ticket, req)
}

func (m *Monitor) allocateLocked(ticket Ticket, req types.Resources) bool {
	entry, ok := m.tickets[ticket]
	if !ok {
		m.log.Error("Allocate against unknown ticket %d (request: %s)", ticket, req.String())
		return false
	}

	// The portion of req not covered by the ticket's staging must come
	// from free capacity.
	overflow := make(types.Resources)
	for tag, quantity := range req {
		fromStaging := entry.staging.Get(tag)
		if fromStaging > quantity {
			fromStaging = quantity
		}
		overflow.Set(tag, quantity-fromStaging)
	}

	if !m.fitsLocked(overflow, nil) {
		return false
	}

	for tag, quantity := range req {
		fromStaging := entry.staging.Get(tag)
		if fromStaging > quantity {
			fromStaging = quantity
		}
		entry.staging.Set(tag, entry.staging.Get(tag)-fromStaging)
		entry.committed.Set(tag, entry.committed.Get(tag)+quantity)
		m.used.Set(tag, m.used.Get(tag)+(quantity-fromStaging))
	}

	return true
}

// Free subtracts req from the ticket's committed portion. The ticket is
// removed once both portions reach zero. Freeing against a ticket that has
// already been fully released fails with types.ErrInvalidTicket.
func (m *Monitor) Free(ticket Ticket, req types.Resources) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeLocked(ticket, req)
}

func (m *Monitor) freeLocked(ticket Ticket, req types.Resources) error {
	entry, ok := m.tickets[ticket]
	if !ok {
		return errors.Wrapf(types.ErrInvalidTicket, "free %s against ticket %d", req.String(), ticket)
	}

	// Clamp to what the ticket actually holds so a sloppy caller cannot
	// understate the global usage.
	freed := make(types.Resources)
	for tag, quantity := range req {
		held := entry.committed.Get(tag)
		if quantity > held {
			quantity = held
		}
		freed.Set(tag, quantity)
	}

	entry.committed.Subtract(freed)
	m.used.Subtract(freed)
	m.maybeReleaseLocked(ticket, entry)

	return nil
}

// FreeStaging zeroes the ticket's staging portion, returning it to free
// capacity. The ticket is removed once both portions reach zero.
func (m *Monitor) FreeStaging(ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tickets[ticket]
	if !ok {
		return
	}

	m.used.Subtract(entry.staging)
	entry.staging = make(types.Resources)
	m.maybeReleaseLocked(ticket, entry)
}

func (m *Monitor) maybeReleaseLocked(ticket Ticket, entry *reservation) {
	if entry.staging.IsZero() && entry.committed.IsZero() {
		delete(m.tickets, ticket)
	}
}

// HasUsage reports whether the ticket still holds any staging or committed
// quantity.
func (m *Monitor) HasUsage(ticket Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tickets[ticket]
	return ok
}

// QueryUsages returns the sum of committed quantities per tag across the
// given set of tickets.
func (m *Monitor) QueryUsages(tickets map[Ticket]struct{}) types.Resources {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := make(types.Resources)
	for ticket := range tickets {
		if entry, ok := m.tickets[ticket]; ok {
			usage.Add(entry.committed)
		}
	}

	return usage
}

// SortVictim ranks the given tickets by decreasing committed memory
// quantity, suitable for selecting paging victims.
func (m *Monitor) SortVictim(tickets map[Ticket]struct{}) []TicketUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	victims := make([]TicketUsage, 0, len(tickets))
	for ticket := range tickets {
		entry, ok := m.tickets[ticket]
		if !ok {
			continue
		}

		var usage int64
		for tag, quantity := range entry.committed {
			if tag.Kind == types.Memory {
				usage += quantity
			}
		}
		victims = append(victims, TicketUsage{Usage: usage, Ticket: ticket})
	}

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].Usage > victims[j].Usage
	})

	return victims
}

// fitsLocked reports whether req fits within the remaining free capacity.
// When it does not and missing is non-nil, the per-tag shortfall is written
// into missing.
func (m *Monitor) fitsLocked(req types.Resources, missing *types.Resources) bool {
	shortfall := make(types.Resources)
	for tag, quantity := range req {
		free := m.limits.Get(tag) - m.used.Get(tag)
		if quantity > free {
			shortfall.Set(tag, quantity-free)
		}
	}

	if len(shortfall) == 0 {
		return true
	}

	if missing != nil {
		*missing = shortfall
	}

	return false
}

// Lock returns an exclusive proxy through which a sequence of allocate,
// free, and staging queries observe a consistent view. The caller must call
// Unlock on the proxy when finished.
func (m *Monitor) Lock() *MonitorProxy {
	m.mu.Lock()
	return &MonitorProxy{monitor: m}
}

// DebugString renders the monitor's ledger. It acquires the monitor lock;
// do not call it from a context already holding the lock, and capture the
// result before passing it to a logger for the same reason.
func (m *Monitor) DebugString() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ResourceMonitor[limits=%s,used=%s,tickets=%d]",
		m.limits.String(), m.used.String(), len(m.tickets)))

	tickets := make([]Ticket, 0, len(m.tickets))
	for ticket := range m.tickets {
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	for _, ticket := range tickets {
		entry := m.tickets[ticket]
		sb.WriteString(fmt.Sprintf("\n\tTicket %d: staging=%s, committed=%s",
			ticket, entry.staging.String(), entry.committed.String()))
	}

	return sb.String()
}

// MonitorProxy is a short-lived exclusive view of the Monitor. The proxy
// holds the monitor's lock from Lock until Unlock; its methods must not be
// interleaved with direct Monitor calls from the same goroutine.
type MonitorProxy struct {
	monitor  *Monitor
	unlocked bool
}

// Allocate is Monitor.Allocate under the proxy's critical section.
func (p *MonitorProxy) Allocate(ticket Ticket, req types.Resources) bool {
	return p.monitor.allocateLocked(ticket, req)
}

// Free is Monitor.Free under the proxy's critical section.
func (p *MonitorProxy) Free(ticket Ticket, req types.Resources) error {
	return p.monitor.freeLocked(ticket, req)
}

// QueryStaging returns a copy of the ticket's remaining staging portion,
// or false if the ticket is unknown.
func (p *MonitorProxy) QueryStaging(ticket Ticket) (types.Resources, bool) {
	entry, ok := p.monitor.tickets[ticket]
	if !ok {
		return nil, false
	}

	return entry.staging.Clone(), true
}

// Unlock releases the proxy. Unlock is idempotent.
func (p *MonitorProxy) Unlock() {
	if p.unlocked {
		return
	}
	p.unlocked = true
	p.monitor.mu.Unlock()
}
