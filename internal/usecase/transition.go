package usecase

import (
	"freightd/internal/domain"
)

// ValidateTransition decides whether proposed may follow current in the
// shipment lifecycle. The policy is a strict linear order: only the immediate
// successor is legal, so no-ops, skips and backward moves are all rejected.
// A multi-branch policy would replace the index comparison with an explicit
// transition table; nothing else in the pipeline would change.
//
// The function is pure and must be called before any event is persisted.
func ValidateTransition(current, proposed domain.Status) error {
	proposedIdx := domain.StatusIndex(proposed)
	if proposedIdx < 0 {
		return domain.ErrUnknownStatus
	}
	currentIdx := domain.StatusIndex(current)
	if currentIdx < 0 {
		return domain.ErrUnknownStatus
	}
	if proposedIdx != currentIdx+1 {
		return &domain.InvalidTransitionError{From: current, To: proposed}
	}
	return nil
}

// ValidateInitial decides whether proposed may open an empty event log. The
// first event recorded for a new shipment must carry the designated initial
// status.
func ValidateInitial(proposed domain.Status) error {
	if domain.StatusIndex(proposed) < 0 {
		return domain.ErrUnknownStatus
	}
	if proposed != domain.StatusSequence[0] {
		return &domain.InvalidTransitionError{From: "", To: proposed}
	}
	return nil
}
