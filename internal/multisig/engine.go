package multisig

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/auditlog"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

const (
	defaultApprovalTTL = 24 * time.Hour
	defaultAuditScope  = "multisig"
)

// Config tunes an Engine.
type Config struct {
	// ApprovalTTL is the window during which an approval counts toward
	// quorum. Zero means defaultApprovalTTL; negative disables expiry.
	ApprovalTTL time.Duration

	// AuditScope is the audit log scope engine transitions are recorded in.
	AuditScope string

	// RatifierRole is the distinguished role allowed to bypass the
	// threshold via Ratify.
	RatifierRole string

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Engine is the multisig proposal state machine. All mutations go through
// the store's serialised Update, so concurrent calls on one proposal cannot
// race past the quorum check. Status is always recomputed from the current
// valid approvals before any decision; the terminal states are explicit
// one-way transitions.
//
// Every mutation audits inside its update: the append runs before the store
// commits, so a signing backend outage aborts the whole operation and no
// state change can land without its audit event.
type Engine struct {
	store    Store
	registry *signer.Registry
	audit    auditlog.Log
	ttl      time.Duration
	scope    string
	ratifier string
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates an Engine. registry verifies approver signatures; audit
// records every transition.
func NewEngine(store Store, registry *signer.Registry, audit auditlog.Log, cfg Config, logger *zap.Logger) *Engine {
	ttl := cfg.ApprovalTTL
	if ttl == 0 {
		ttl = defaultApprovalTTL
	}
	if ttl < 0 {
		ttl = 0 // no expiry
	}
	scope := cfg.AuditScope
	if scope == "" {
		scope = defaultAuditScope
	}
	ratifier := cfg.RatifierRole
	if ratifier == "" {
		ratifier = "ratifier"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		registry: registry,
		audit:    audit,
		ttl:      ttl,
		scope:    scope,
		ratifier: ratifier,
		now:      now,
		logger:   logger,
	}
}

// ProposeInput carries the parameters for a new proposal. SignerSet and
// Threshold are typically derived upstream from a threshold Policy.
type ProposeInput struct {
	Payload    any
	SignerSet  []string
	Threshold  int
	ProposerID string
}

// Propose validates the input and creates a proposal in the initial state.
func (e *Engine) Propose(ctx context.Context, in ProposeInput) (*Proposal, error) {
	set := dedupe(in.SignerSet)
	if len(set) == 0 {
		return nil, fmt.Errorf("signer set is empty")
	}
	if in.Threshold < 1 || in.Threshold > len(set) {
		return nil, fmt.Errorf("threshold %d out of range [1, %d]", in.Threshold, len(set))
	}
	if in.ProposerID == "" {
		return nil, fmt.Errorf("proposerId is required")
	}

	p := &Proposal{
		ID:         NewProposalID(),
		Payload:    in.Payload,
		SignerSet:  set,
		Threshold:  in.Threshold,
		Status:     StatusProposed,
		ProposerID: in.ProposerID,
		CreatedAt:  e.now().UTC(),
	}
	// The audit append precedes the store commit: with the signing backend
	// down the proposal is never created. A create failure after the append
	// leaves a recorded intent with no proposal, which verification
	// tolerates; committed state with no audit trail cannot be repaired.
	if _, err := e.audit.Append(ctx, e.scope, "multisig.proposed", map[string]any{
		"proposalId": p.ID,
		"proposerId": p.ProposerID,
		"threshold":  fmt.Sprint(p.Threshold),
		"signers":    fmt.Sprint(len(set)),
	}, auditlog.WithIdempotencyKey("multisig.propose:"+p.ID)); err != nil {
		return nil, fmt.Errorf("audit proposal: %w", err)
	}

	if err := e.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	e.logger.Info("proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("proposer", p.ProposerID),
		zap.Int("threshold", p.Threshold),
	)
	return p, nil
}

// Get returns the proposal with its status recomputed for the current time,
// so reads observe TTL decay without any mutation having happened.
func (e *Engine) Get(ctx context.Context, id string) (*Proposal, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.recompute(p)
	return p, nil
}

// List returns proposals newest first with statuses recomputed for the
// current time. The status filter is applied after recomputation so a
// quorum lost to TTL expiry is never reported as approved.
func (e *Engine) List(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	ps, err := e.store.List(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	var out []*Proposal
	for _, p := range ps {
		e.recompute(p)
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RatifierRole returns the role allowed to ratify.
func (e *Engine) RatifierRole() string {
	return e.ratifier
}

// ApproveInput carries one signer's approval.
type ApproveInput struct {
	ProposalID string
	SignerID   string
	Role       string
	Signature  []byte
}

// Approve records a signed approval and recomputes quorum. A duplicate
// approval by the same signer is an idempotent no-op surfaced as
// ErrDuplicateApproval; an invalid signature is rejected atomically with no
// state change.
func (e *Engine) Approve(ctx context.Context, in ApproveInput) (*Proposal, error) {
	var transitioned bool
	p, err := e.store.Update(ctx, in.ProposalID, func(p *Proposal) error {
		if p.Status.Terminal() {
			return fmt.Errorf("approve %s: %w", p.ID, ErrTerminal)
		}
		if !p.eligible(in.SignerID) {
			return fmt.Errorf("approve %s by %s: %w", p.ID, in.SignerID, ErrNotEligible)
		}

		now := e.now().UTC()
		for _, a := range p.validApprovals(now, e.ttl) {
			if a.SignerID == in.SignerID {
				return fmt.Errorf("approve %s by %s: %w", p.ID, in.SignerID, ErrDuplicateApproval)
			}
		}

		digest, err := p.Digest()
		if err != nil {
			return err
		}
		if err := e.registry.Verify(in.SignerID, digest, in.Signature); err != nil {
			return fmt.Errorf("approve %s by %s: %w", p.ID, in.SignerID, err)
		}

		// An expired approval by the same signer is superseded, not duplicated.
		p.Approvals = removeSigner(p.Approvals, in.SignerID)
		p.Approvals = append(p.Approvals, Approval{
			SignerID:   in.SignerID,
			Role:       in.Role,
			Signature:  base64.StdEncoding.EncodeToString(in.Signature),
			ApprovedAt: now,
		})

		before := p.Status
		e.recompute(p)
		transitioned = p.Status != before

		// Audited inside the serialised update: a failed append aborts the
		// approval entirely, so quorum can never advance unrecorded.
		if _, err := e.audit.Append(ctx, e.scope, "multisig.approved", map[string]any{
			"proposalId": p.ID,
			"signerId":   in.SignerID,
			"role":       in.Role,
			"status":     string(p.Status),
		}); err != nil {
			return fmt.Errorf("audit approval: %w", err)
		}
		return nil
	})
	if err != nil {
		return p, err
	}

	if transitioned && p.Status == StatusApproved {
		e.logger.Info("proposal reached quorum", zap.String("proposal_id", p.ID))
	}
	return p, nil
}

// Revoke withdraws a signer's approval and recomputes quorum. It may drop an
// Approved proposal back below threshold.
func (e *Engine) Revoke(ctx context.Context, proposalID, signerID string) (*Proposal, error) {
	p, err := e.store.Update(ctx, proposalID, func(p *Proposal) error {
		if p.Status.Terminal() {
			return fmt.Errorf("revoke %s: %w", p.ID, ErrTerminal)
		}
		if !hasSigner(p.Approvals, signerID) {
			return fmt.Errorf("revoke %s by %s: %w", p.ID, signerID, ErrNoApproval)
		}

		hadQuorum := p.Status == StatusApproved
		p.Approvals = removeSigner(p.Approvals, signerID)
		e.recompute(p)

		if hadQuorum && p.Status != StatusApproved {
			now := e.now().UTC()
			p.RevokedAt = &now
			if len(p.Approvals) == 0 {
				p.Status = StatusRevoked
			}
		}

		if _, err := e.audit.Append(ctx, e.scope, "multisig.revoked", map[string]any{
			"proposalId": p.ID,
			"signerId":   signerID,
			"status":     string(p.Status),
		}); err != nil {
			return fmt.Errorf("audit revocation: %w", err)
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	return p, nil
}

// Apply executes the governed effect for an Approved proposal exactly once
// and records the outcome in the audit log. A nil effect applies the
// proposal without side effects (the caller owns the real effect).
//
// On effect error the proposal transitions to the terminal Failed state and
// the audit event records the failure; a later Apply is rejected without
// re-running the effect.
func (e *Engine) Apply(ctx context.Context, proposalID string, effect func(ctx context.Context) error) (*Proposal, error) {
	var effectErr error
	p, err := e.store.Update(ctx, proposalID, func(p *Proposal) error {
		if p.Status.Terminal() {
			return fmt.Errorf("apply %s: %w", p.ID, ErrTerminal)
		}
		e.recompute(p)
		if p.Status != StatusApproved {
			return fmt.Errorf("apply %s in status %s: %w", p.ID, p.Status, ErrNotApproved)
		}

		now := e.now().UTC()
		if effect != nil {
			effectErr = effect(ctx)
		}

		if effectErr != nil {
			p.Status = StatusFailed
			p.FailureReason = effectErr.Error()
			_, auditErr := e.audit.Append(ctx, e.scope, "multisig.apply_failed", map[string]any{
				"proposalId": p.ID,
				"error":      effectErr.Error(),
			}, auditlog.WithIdempotencyKey("multisig.apply:"+p.ID))
			if auditErr != nil {
				return fmt.Errorf("audit failed apply: %w", auditErr)
			}
			return nil
		}

		p.Status = StatusApplied
		p.AppliedAt = &now
		_, auditErr := e.audit.Append(ctx, e.scope, "multisig.applied", map[string]any{
			"proposalId": p.ID,
			"proposerId": p.ProposerID,
			"approvals":  fmt.Sprint(len(p.validApprovals(now, e.ttl))),
		}, auditlog.WithIdempotencyKey("multisig.apply:"+p.ID))
		if auditErr != nil {
			return fmt.Errorf("audit apply: %w", auditErr)
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	if effectErr != nil {
		return p, fmt.Errorf("governed effect failed: %w", effectErr)
	}

	e.logger.Info("proposal applied", zap.String("proposal_id", p.ID))
	return p, nil
}

// Ratify is the emergency bypass: a distinguished role moves any
// non-terminal proposal directly to Ratified, skipping the threshold. The
// audit event carries the operator-supplied reason for forensic review.
func (e *Engine) Ratify(ctx context.Context, proposalID, ratifierRole, reason string) (*Proposal, error) {
	if ratifierRole != e.ratifier {
		return nil, fmt.Errorf("role %q may not ratify", ratifierRole)
	}
	if reason == "" {
		return nil, fmt.Errorf("ratify requires a reason")
	}

	p, err := e.store.Update(ctx, proposalID, func(p *Proposal) error {
		if p.Status.Terminal() {
			return fmt.Errorf("ratify %s: %w", p.ID, ErrTerminal)
		}
		now := e.now().UTC()
		p.Status = StatusRatified
		p.RatifiedAt = &now
		p.RatifiedBy = ratifierRole
		p.RatifyReason = reason

		// The bypass must never commit without its forensic record.
		if _, err := e.audit.Append(ctx, e.scope, "multisig.ratified", map[string]any{
			"proposalId": p.ID,
			"ratifiedBy": ratifierRole,
			"reason":     reason,
		}, auditlog.WithIdempotencyKey("multisig.ratify:"+p.ID)); err != nil {
			return fmt.Errorf("audit ratification: %w", err)
		}
		return nil
	})
	if err != nil {
		return p, err
	}

	e.logger.Warn("proposal ratified, threshold bypassed",
		zap.String("proposal_id", p.ID),
		zap.String("role", ratifierRole),
		zap.String("reason", reason),
	)
	return p, nil
}

// recompute derives the non-terminal status from the currently valid
// approvals. Terminal states are never recomputed away.
func (e *Engine) recompute(p *Proposal) {
	if p.Status.Terminal() {
		return
	}
	n := len(p.validApprovals(e.now().UTC(), e.ttl))
	switch {
	case n >= p.Threshold:
		p.Status = StatusApproved
	case len(p.Approvals) == 0 && p.RevokedAt == nil:
		p.Status = StatusProposed
	case len(p.Approvals) == 0 && p.RevokedAt != nil:
		p.Status = StatusRevoked
	default:
		p.Status = StatusAwaiting
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func hasSigner(approvals []Approval, signerID string) bool {
	for _, a := range approvals {
		if a.SignerID == signerID {
			return true
		}
	}
	return false
}

func removeSigner(approvals []Approval, signerID string) []Approval {
	out := approvals[:0]
	for _, a := range approvals {
		if a.SignerID != signerID {
			out = append(out, a)
		}
	}
	return out
}
