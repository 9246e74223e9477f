package resource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/XutongLi/Salus/common/types"
	"github.com/XutongLi/Salus/common/utils/hashmap"
)

// ErrOfferAlreadyAccepted indicates that the admission offer has already
// been bound to a session handle.
var ErrOfferAlreadyAccepted = errors.New("admission offer has already been accepted")

// offerRecord is the state retained for one admission offer. predicted is
// immutable; sessionHandle and accepted are guarded by the tracker's mutex.
type offerRecord struct {
	predicted     types.Resources
	sessionHandle string
	accepted      bool
}

// Tracker performs global admission control: it predicts the aggregate
// footprint of all admitted sessions and grants or rejects new session
// offers so that the aggregate stays within the configured safety margin.
//
// Admission is speculative: Admit reserves capacity under an offer token
// immediately, AcceptAdmission later binds the offer to a session handle,
// and Free releases the reservation on session teardown.
type Tracker struct {
	mu sync.Mutex

	log logger.Logger

	// limits are the per-tag capacities scaled by the overcommit factor.
	limits types.Resources

	// predicted is the aggregate predicted usage of all live offers.
	predicted types.Resources

	offers hashmap.HashMap[uint64, *offerRecord]

	nextOffer atomic.Uint64
}

// NewTracker creates a Tracker admitting sessions against the given
// capacities scaled by overcommitFactor.
func NewTracker(capacities types.Resources, overcommitFactor float64) *Tracker {
	factor := decimal.NewFromFloat(overcommitFactor)

	limits := make(types.Resources, len(capacities))
	for tag, quantity := range capacities {
		scaled := decimal.NewFromInt(quantity).Mul(factor)
		limits.Set(tag, scaled.IntPart())
	}

	tracker := &Tracker{
		limits: limits,
		// predicted is kept as a plain map under mu; the offer records live
		// in a concurrent map so Usage can look an offer up without taking
		// the admission lock.
		predicted: make(types.Resources),
		offers:    hashmap.NewSyncMap[uint64, *offerRecord](),
	}
	config.InitLogger(&tracker.log, tracker)

	return tracker
}

// Admit decides whether a session with the given predicted resource map can
// be admitted. On success it speculatively reserves the capacity and
// returns an opaque offer token.
func (t *Tracker) Admit(req types.Resources) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	projected := t.predicted.Clone().Add(req)
	if !projected.FitsIn(t.limits) {
		t.log.Warn("Rejecting session admission. Predicted usage: %s, current aggregate: %s, limits: %s",
			req.String(), t.predicted.String(), t.limits.String())
		return 0, false
	}

	t.predicted = projected
	offer := t.nextOffer.Add(1)
	t.offers.Store(offer, &offerRecord{predicted: req.Clone()})

	return offer, true
}

// AcceptAdmission binds a previously granted offer to a session handle.
// An offer can be accepted at most once.
func (t *Tracker) AcceptAdmission(offer uint64, sessionHandle string) error {
	record, ok := t.offers.Load(offer)
	if !ok {
		return errors.Wrapf(types.ErrOfferNotFound, "offer %d", offer)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if record.accepted {
		return errors.Wrapf(ErrOfferAlreadyAccepted, "offer %d is bound to session %q", offer, record.sessionHandle)
	}

	record.sessionHandle = sessionHandle
	record.accepted = true

	return nil
}

// SessionHandle returns the session handle an offer has been bound to, or
// false while the offer is still pending acceptance (or unknown).
func (t *Tracker) SessionHandle(offer uint64) (string, bool) {
	record, ok := t.offers.Load(offer)
	if !ok {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !record.accepted {
		return "", false
	}

	return record.sessionHandle, true
}

// Free releases the reservation held by the offer. Admit followed by Free
// leaves the tracker's predicted aggregate unchanged.
func (t *Tracker) Free(offer uint64) {
	record, ok := t.offers.LoadAndDelete(offer)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.predicted.Subtract(record.predicted)
}

// Usage returns the predicted resource map associated with the offer.
func (t *Tracker) Usage(offer uint64) (types.Resources, bool) {
	record, ok := t.offers.Load(offer)
	if !ok {
		return nil, false
	}

	return record.predicted.Clone(), true
}

func (t *Tracker) DebugString() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	accepted := 0
	t.offers.Range(func(_ uint64, record *offerRecord) bool {
		if record.accepted {
			accepted++
		}
		return true
	})

	return fmt.Sprintf("SessionResourceTracker[offers=%d,accepted=%d,predicted=%s,limits=%s]",
		t.offers.Len(), accepted, t.predicted.String(), t.limits.String())
}
