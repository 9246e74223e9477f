package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTicket indicates that the referenced allocation ticket does
	// not exist in the resource monitor (it may have been fully released).
	ErrInvalidTicket = errors.New("invalid or unknown allocation ticket")

	// ErrOfferNotFound indicates that the referenced admission offer does
	// not exist in the session resource tracker.
	ErrOfferNotFound = errors.New("admission offer not found")

	// ErrAdmissionRejected indicates that admitting the session would push
	// the predicted aggregate resource footprint past the safety margin.
	ErrAdmissionRejected = errors.New("session admission rejected due to unsafe resource usage")

	// ErrSessionDeleted indicates that the target session has already been
	// removed from the engine.
	ErrSessionDeleted = errors.New("session has been deleted")

	// ErrSessionEvicted indicates that the target session was force-evicted
	// and no longer accepts work.
	ErrSessionEvicted = errors.New("session has been force-evicted")

	// ErrEngineShuttingDown indicates that the scheduler has been stopped;
	// new session offers and operations are refused.
	ErrEngineShuttingDown = errors.New("execution engine is shutting down")
)

// InsufficientResourcesError indicates that a reservation could not be made
// because one or more tags lacked free capacity.
type InsufficientResourcesError struct {
	// Requested is the reservation that could not be fulfilled in its entirety.
	Requested Resources
	// Missing is the per-tag shortfall.
	Missing Resources
}

func NewInsufficientResourcesError(requested Resources, missing Resources) *InsufficientResourcesError {
	return &InsufficientResourcesError{
		Requested: requested,
		Missing:   missing,
	}
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources available [Requested=%s,Missing=%s]",
		e.Requested.String(), e.Missing.String())
}

func (e *InsufficientResourcesError) Is(other error) bool {
	var insufficientResourcesError *InsufficientResourcesError
	return errors.As(other, &insufficientResourcesError)
}
