package multisig

import "context"

// Store is the proposal persistence contract. Implementations must make
// Update a serialised read-modify-write per proposal id: the mutation
// function runs with the proposal exclusively locked, and its changes are
// committed only when it returns nil. A concurrent approve and apply on the
// same proposal therefore cannot race past the quorum check.
type Store interface {
	// Create persists a new proposal.
	Create(ctx context.Context, p *Proposal) error

	// Get returns a snapshot of a proposal, or ErrNotFound.
	Get(ctx context.Context, id string) (*Proposal, error)

	// Update locks the proposal, runs fn against its current state, and
	// commits the mutated proposal if fn returns nil. fn's error aborts the
	// update with no state change and is returned as-is.
	Update(ctx context.Context, id string, fn func(p *Proposal) error) (*Proposal, error)

	// List returns up to limit proposals, newest first, optionally filtered
	// by status ("" means all).
	List(ctx context.Context, status Status, limit int) ([]*Proposal, error)
}
