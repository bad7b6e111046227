package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrShipmentNotFound = errors.New("shipment not found")
	ErrLocationNotFound = errors.New("location not found")
	ErrShipmentExists   = errors.New("shipment already exists")
	ErrUnknownStatus    = errors.New("unknown status")
	ErrClaimLost        = errors.New("claim lost")
	ErrAnchorTerminal   = errors.New("anchor request already terminal")
)

// InvalidTransitionError rejects a status proposal that is not the immediate
// successor of the current status. It carries both statuses for the caller.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is a transition rejection.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
