// Package multisig implements the threshold multisignature approval engine
// gating privileged operations. A proposal collects signed approvals from an
// eligible signer set; once a quorum of valid, non-expired approvals is
// reached the governed effect may be applied exactly once. Every transition
// is recorded in the audit log.
package multisig

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/trustcore/internal/canonical"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	// StatusProposed is the initial state: created, no approvals yet.
	StatusProposed Status = "proposed"

	// StatusAwaiting covers any below-quorum state after approval activity,
	// including an Approved proposal that lost quorum to TTL expiry or a
	// partial revoke.
	StatusAwaiting Status = "awaiting_signatures"

	// StatusApproved means quorum is currently met.
	StatusApproved Status = "approved"

	// StatusApplied is terminal: the governed effect ran successfully.
	StatusApplied Status = "applied"

	// StatusRevoked means every approval was withdrawn after the proposal
	// had reached quorum. New approvals move it forward again.
	StatusRevoked Status = "revoked"

	// StatusRatified is terminal: an emergency bypass by a distinguished
	// role, skipping the threshold entirely.
	StatusRatified Status = "ratified"

	// StatusFailed is terminal: apply ran and the governed effect errored.
	StatusFailed Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRatified || s == StatusFailed
}

// Approval is one signer's endorsement of a proposal. It expires logically
// after the engine's TTL window but is never physically deleted by expiry.
type Approval struct {
	SignerID   string    `json:"signerId"`
	Role       string    `json:"role,omitempty"`
	Signature  string    `json:"signature"` // base64, over the proposal digest
	ApprovedAt time.Time `json:"approvedAt"`
}

// Proposal is a privileged action awaiting (or past) quorum.
type Proposal struct {
	ID         string     `json:"id"`
	Payload    any        `json:"payload"`
	SignerSet  []string   `json:"signerSet"`
	Threshold  int        `json:"threshold"`
	Approvals  []Approval `json:"approvals"`
	Status     Status     `json:"status"`
	ProposerID string     `json:"proposerId"`
	CreatedAt  time.Time  `json:"createdAt"`

	AppliedAt     *time.Time `json:"appliedAt,omitempty"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RatifiedAt    *time.Time `json:"ratifiedAt,omitempty"`
	RatifiedBy    string     `json:"ratifiedBy,omitempty"`
	RatifyReason  string     `json:"ratifyReason,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// NewProposalID returns a fresh proposal identifier.
func NewProposalID() string {
	return uuid.New().String()
}

// Digest returns the bytes approvers sign: a canonical digest committing to
// the proposal id and payload. Signing the id alone would let an approval be
// replayed against a different payload under a recycled id.
func (p *Proposal) Digest() ([]byte, error) {
	return ProposalDigest(p.ID, p.Payload)
}

// ProposalDigest computes the approval digest for a proposal identity.
// Exposed so approvers can sign without holding a full Proposal.
func ProposalDigest(id string, payload any) ([]byte, error) {
	d, err := canonical.Digest(map[string]any{
		"proposalId": id,
		"payload":    payload,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("proposal digest: %w", err)
	}
	return d, nil
}

// eligible reports whether signerID belongs to the proposal's signer set.
func (p *Proposal) eligible(signerID string) bool {
	for _, s := range p.SignerSet {
		if s == signerID {
			return true
		}
	}
	return false
}

// validApprovals returns the approvals counting toward quorum at time now:
// in the signer set, unexpired, one per signer (the earliest kept).
func (p *Proposal) validApprovals(now time.Time, ttl time.Duration) []Approval {
	seen := make(map[string]bool, len(p.Approvals))
	var out []Approval
	for _, a := range p.Approvals {
		if !p.eligible(a.SignerID) || seen[a.SignerID] {
			continue
		}
		if ttl > 0 && now.Sub(a.ApprovedAt) >= ttl {
			continue
		}
		seen[a.SignerID] = true
		out = append(out, a)
	}
	return out
}
