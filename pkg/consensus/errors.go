package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitExists is returned when the circuit id is already committed
	// with a different definition, or was disbanded.
	ErrCircuitExists = errors.New("circuit already exists")
	// ErrProposalExists is returned when a live proposal uses the circuit id
	// for a different definition.
	ErrProposalExists = errors.New("a different proposal for this circuit is in progress")
	// ErrValidation wraps every structural problem with a request or vote.
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("not authorized")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownProposal  = errors.New("unknown proposal")
	ErrStopped          = errors.New("consensus manager stopped")
)

// InternalError wraps a collaborator failure. The proposal it concerns is
// left as it was, so the triggering operation can be retried.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
