package multisig

import "errors"

// ErrNotFound is returned when a proposal id does not exist.
var ErrNotFound = errors.New("proposal not found")

// ErrNotEligible is returned when the signer is not in the proposal's
// signer set.
var ErrNotEligible = errors.New("signer is not in the proposal signer set")

// ErrDuplicateApproval marks a repeated approval by the same signer. It is
// an idempotent no-op: the approval is never double-counted and the proposal
// state is unchanged.
var ErrDuplicateApproval = errors.New("signer has already approved this proposal")

// ErrNoApproval is returned by Revoke when the signer has no approval to
// withdraw.
var ErrNoApproval = errors.New("signer has no approval on this proposal")

// ErrNotApproved is returned by Apply when quorum is not currently met.
// This is the QuorumNotMet condition: a valid awaiting state, not a fault.
var ErrNotApproved = errors.New("proposal has not reached quorum")

// ErrTerminal is returned when an operation targets a proposal in a
// terminal state (applied, ratified, failed).
var ErrTerminal = errors.New("proposal is in a terminal state")
