package multisig_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/auditlog"
	"github.com/ILLUVRSE/trustcore/internal/multisig"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

var ctx = context.Background()

// harness wires an engine against in-memory storage with five registered
// signers and a controllable clock.
type harness struct {
	engine    *multisig.Engine
	store     *multisig.MemoryStore
	audit     *auditlog.MemoryLog
	auditGate *gatedSigner
	signers   map[string]*signer.LocalSigner
	now       time.Time
	mu        sync.Mutex
}

// gatedSigner fails signing on demand, standing in for an unreachable
// signing backend.
type gatedSigner struct {
	inner *signer.LocalSigner
	mu    sync.Mutex
	down  bool
}

func (g *gatedSigner) setDown(down bool) {
	g.mu.Lock()
	g.down = down
	g.mu.Unlock()
}

func (g *gatedSigner) Sign(ctx context.Context, digest []byte) (signer.SignResult, error) {
	g.mu.Lock()
	down := g.down
	g.mu.Unlock()
	if down {
		return signer.SignResult{}, signer.ErrSigningUnavailable
	}
	return g.inner.Sign(ctx, digest)
}

func (g *gatedSigner) PublicKey() []byte { return g.inner.PublicKey() }

func (g *gatedSigner) Healthy(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return signer.ErrSigningUnavailable
	}
	return nil
}

func newHarness(t *testing.T, cfg multisig.Config) *harness {
	t.Helper()
	h := &harness{
		store:   multisig.NewMemoryStore(),
		signers: make(map[string]*signer.LocalSigner),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	reg := signer.NewRegistry()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("signer-%d", i)
		ls, err := signer.NewLocalSigner(id)
		if err != nil {
			t.Fatalf("local signer: %v", err)
		}
		h.signers[id] = ls
		reg.AddSigner(id, ls.PublicKey(), signer.AlgorithmEd25519)
	}

	auditSigner, err := signer.NewLocalSigner("audit-signer")
	if err != nil {
		t.Fatalf("audit signer: %v", err)
	}
	h.auditGate = &gatedSigner{inner: auditSigner}
	h.audit = auditlog.NewMemoryLog(h.auditGate)

	cfg.Clock = func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	h.engine = multisig.NewEngine(h.store, reg, h.audit, cfg, zap.NewNop())
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) propose(t *testing.T, threshold int) *multisig.Proposal {
	t.Helper()
	p, err := h.engine.Propose(ctx, multisig.ProposeInput{
		Payload:    map[string]any{"action": "rotate-root-key", "target": "cluster-a"},
		SignerSet:  []string{"signer-1", "signer-2", "signer-3", "signer-4", "signer-5"},
		Threshold:  threshold,
		ProposerID: "ops-bot",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return p
}

func (h *harness) approve(t *testing.T, proposalID, signerID string) (*multisig.Proposal, error) {
	t.Helper()
	p, err := h.engine.Get(ctx, proposalID)
	if err != nil {
		t.Fatalf("get before approve: %v", err)
	}
	digest, err := p.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	res, err := h.signers[signerID].Sign(ctx, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return h.engine.Approve(ctx, multisig.ApproveInput{
		ProposalID: proposalID,
		SignerID:   signerID,
		Role:       "operator",
		Signature:  res.Signature,
	})
}

func TestEngine_thresholdLifecycle(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 3)
	if p.Status != multisig.StatusProposed {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusProposed)
	}

	p, err := h.approve(t, p.ID, "signer-1")
	if err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if p.Status != multisig.StatusAwaiting {
		t.Fatalf("after 1 approval status = %s, want %s", p.Status, multisig.StatusAwaiting)
	}

	if p, err = h.approve(t, p.ID, "signer-2"); err != nil {
		t.Fatalf("approve 2: %v", err)
	}
	if p.Status != multisig.StatusAwaiting {
		t.Fatalf("after 2 approvals status = %s, want %s", p.Status, multisig.StatusAwaiting)
	}

	if p, err = h.approve(t, p.ID, "signer-3"); err != nil {
		t.Fatalf("approve 3: %v", err)
	}
	if p.Status != multisig.StatusApproved {
		t.Fatalf("after 3 approvals status = %s, want %s", p.Status, multisig.StatusApproved)
	}

	var calls int
	p, err = h.engine.Apply(ctx, p.ID, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Status != multisig.StatusApplied {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusApplied)
	}
	if calls != 1 {
		t.Fatalf("effect ran %d times, want 1", calls)
	}
	if p.AppliedAt == nil {
		t.Fatal("AppliedAt not set")
	}

	// Every transition landed in the audit scope, chained in order.
	events, err := h.audit.Range(ctx, "multisig", 1, 0)
	if err != nil {
		t.Fatalf("audit range: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{
		"multisig.proposed",
		"multisig.approved", "multisig.approved", "multisig.approved",
		"multisig.applied",
	}
	if len(types) != len(want) {
		t.Fatalf("audit events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("audit event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestEngine_applyTwiceRejected(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)
	h.mustApprove(t, p.ID, "signer-1", "signer-2")

	if _, err := h.engine.Apply(ctx, p.ID, nil); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	var calls int
	_, err := h.engine.Apply(ctx, p.ID, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, multisig.ErrTerminal) {
		t.Fatalf("second apply err = %v, want ErrTerminal", err)
	}
	if calls != 0 {
		t.Fatalf("effect ran on rejected apply")
	}
}

func TestEngine_applyBelowQuorumRejected(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 3)
	h.mustApprove(t, p.ID, "signer-1", "signer-2")

	_, err := h.engine.Apply(ctx, p.ID, nil)
	if !errors.Is(err, multisig.ErrNotApproved) {
		t.Fatalf("err = %v, want ErrNotApproved", err)
	}
}

func TestEngine_effectFailureIsTerminal(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 1)
	h.mustApprove(t, p.ID, "signer-1")

	boom := errors.New("downstream unavailable")
	_, err := h.engine.Apply(ctx, p.ID, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("apply err = %v, want wrapped effect error", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != multisig.StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusFailed)
	}
	if got.FailureReason == "" {
		t.Fatal("FailureReason empty")
	}
	if _, err := h.engine.Apply(ctx, p.ID, nil); !errors.Is(err, multisig.ErrTerminal) {
		t.Fatalf("retry err = %v, want ErrTerminal", err)
	}
}

func TestEngine_revokeDropsBelowQuorum(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)
	h.mustApprove(t, p.ID, "signer-1", "signer-2")

	p, err := h.engine.Revoke(ctx, p.ID, "signer-2")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if p.Status != multisig.StatusAwaiting {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusAwaiting)
	}
	if _, err := h.engine.Apply(ctx, p.ID, nil); !errors.Is(err, multisig.ErrNotApproved) {
		t.Fatalf("apply after revoke err = %v, want ErrNotApproved", err)
	}

	// Re-approval restores quorum.
	if p, err = h.approve(t, p.ID, "signer-3"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if p.Status != multisig.StatusApproved {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusApproved)
	}
}

func TestEngine_revokeAllAfterQuorum(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 1)
	h.mustApprove(t, p.ID, "signer-1")

	p, err := h.engine.Revoke(ctx, p.ID, "signer-1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if p.Status != multisig.StatusRevoked {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusRevoked)
	}
	if p.RevokedAt == nil {
		t.Fatal("RevokedAt not set")
	}
}

func TestEngine_revokeWithoutApproval(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)
	if _, err := h.engine.Revoke(ctx, p.ID, "signer-1"); !errors.Is(err, multisig.ErrNoApproval) {
		t.Fatalf("err = %v, want ErrNoApproval", err)
	}
}

func TestEngine_duplicateApproval(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 3)
	h.mustApprove(t, p.ID, "signer-1")

	_, err := h.approve(t, p.ID, "signer-1")
	if !errors.Is(err, multisig.ErrDuplicateApproval) {
		t.Fatalf("err = %v, want ErrDuplicateApproval", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(got.Approvals))
	}
}

func TestEngine_outsiderCannotApprove(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p, err := h.engine.Propose(ctx, multisig.ProposeInput{
		Payload:    map[string]any{"action": "noop"},
		SignerSet:  []string{"signer-1", "signer-2"},
		Threshold:  2,
		ProposerID: "ops-bot",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	_, err = h.approve(t, p.ID, "signer-3")
	if !errors.Is(err, multisig.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestEngine_wrongSignerSignatureRejected(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)

	digest, err := p.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	// signer-2's key signs, but the approval claims signer-1.
	res, err := h.signers["signer-2"].Sign(ctx, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = h.engine.Approve(ctx, multisig.ApproveInput{
		ProposalID: p.ID,
		SignerID:   "signer-1",
		Signature:  res.Signature,
	})
	if !errors.Is(err, signer.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Approvals) != 0 {
		t.Fatalf("approvals = %d after rejected signature, want 0", len(got.Approvals))
	}
}

func TestEngine_approvalExpiry(t *testing.T) {
	h := newHarness(t, multisig.Config{ApprovalTTL: time.Hour})
	p := h.propose(t, 2)
	h.mustApprove(t, p.ID, "signer-1")

	h.advance(2 * time.Hour)
	h.mustApprove(t, p.ID, "signer-2")

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// signer-1's approval expired before signer-2 signed.
	if got.Status != multisig.StatusAwaiting {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusAwaiting)
	}

	// The expired approval can be renewed; duplicate detection only counts
	// live approvals.
	if _, err := h.approve(t, p.ID, "signer-1"); err != nil {
		t.Fatalf("renew approval: %v", err)
	}
	got, err = h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != multisig.StatusApproved {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusApproved)
	}
}

func TestEngine_quorumDecaysOverTime(t *testing.T) {
	h := newHarness(t, multisig.Config{ApprovalTTL: time.Hour})
	p := h.propose(t, 2)
	h.mustApprove(t, p.ID, "signer-1", "signer-2")

	h.advance(90 * time.Minute)
	if _, err := h.engine.Apply(ctx, p.ID, nil); !errors.Is(err, multisig.ErrNotApproved) {
		t.Fatalf("apply after expiry err = %v, want ErrNotApproved", err)
	}
	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != multisig.StatusAwaiting {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusAwaiting)
	}
}

func TestEngine_ratify(t *testing.T) {
	h := newHarness(t, multisig.Config{RatifierRole: "security-council"})
	p := h.propose(t, 5)

	if _, err := h.engine.Ratify(ctx, p.ID, "operator", "ok"); err == nil {
		t.Fatal("expected rejection for non-ratifier role")
	}
	if _, err := h.engine.Ratify(ctx, p.ID, "security-council", ""); err == nil {
		t.Fatal("expected rejection for empty reason")
	}

	p, err := h.engine.Ratify(ctx, p.ID, "security-council", "incident 4471 rollback")
	if err != nil {
		t.Fatalf("ratify: %v", err)
	}
	if p.Status != multisig.StatusRatified {
		t.Fatalf("status = %s, want %s", p.Status, multisig.StatusRatified)
	}
	if p.RatifiedBy != "security-council" || p.RatifyReason == "" {
		t.Fatalf("ratification metadata not recorded: %+v", p)
	}

	if _, err := h.engine.Ratify(ctx, p.ID, "security-council", "again"); !errors.Is(err, multisig.ErrTerminal) {
		t.Fatalf("double ratify err = %v, want ErrTerminal", err)
	}
}

func TestEngine_proposeValidation(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	cases := []struct {
		name string
		in   multisig.ProposeInput
	}{
		{"empty signer set", multisig.ProposeInput{Threshold: 1, ProposerID: "p"}},
		{"threshold zero", multisig.ProposeInput{SignerSet: []string{"a"}, Threshold: 0, ProposerID: "p"}},
		{"threshold above set", multisig.ProposeInput{SignerSet: []string{"a", "b"}, Threshold: 3, ProposerID: "p"}},
		{"missing proposer", multisig.ProposeInput{SignerSet: []string{"a"}, Threshold: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.Propose(ctx, tc.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEngine_duplicateSignersInSetCollapse(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p, err := h.engine.Propose(ctx, multisig.ProposeInput{
		Payload:    map[string]any{"action": "noop"},
		SignerSet:  []string{"signer-1", "signer-1", "signer-2"},
		Threshold:  2,
		ProposerID: "ops-bot",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(p.SignerSet) != 2 {
		t.Fatalf("signer set = %v, want deduplicated pair", p.SignerSet)
	}
}

func TestEngine_concurrentApprovalsSingleQuorum(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 3)

	digest, err := p.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("signer-%d", i)
		res, err := h.signers[id].Sign(ctx, digest)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		wg.Add(1)
		go func(id string, sig []byte) {
			defer wg.Done()
			_, err := h.engine.Approve(ctx, multisig.ApproveInput{
				ProposalID: p.ID, SignerID: id, Signature: sig,
			})
			if err != nil {
				t.Errorf("approve %s: %v", id, err)
			}
		}(id, res.Signature)
	}
	wg.Wait()

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != multisig.StatusApproved {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusApproved)
	}
	if len(got.Approvals) != 5 {
		t.Fatalf("approvals = %d, want 5", len(got.Approvals))
	}
}

func (h *harness) mustApprove(t *testing.T, proposalID string, signerIDs ...string) {
	t.Helper()
	for _, id := range signerIDs {
		if _, err := h.approve(t, proposalID, id); err != nil {
			t.Fatalf("approve %s: %v", id, err)
		}
	}
}

func TestEngine_auditOutageBlocksPropose(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	h.auditGate.setDown(true)

	_, err := h.engine.Propose(ctx, multisig.ProposeInput{
		Payload:    map[string]any{"action": "rotate-root-key"},
		SignerSet:  []string{"signer-1", "signer-2"},
		Threshold:  2,
		ProposerID: "ops-bot",
	})
	if !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Fatalf("propose during outage: err = %v, want ErrSigningUnavailable", err)
	}

	ps, err := h.engine.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 0 {
		t.Fatalf("proposal committed despite failed audit append: %d proposals", len(ps))
	}
}

func TestEngine_auditOutageBlocksApprove(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)
	h.auditGate.setDown(true)

	if _, err := h.approve(t, p.ID, "signer-1"); !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Fatalf("approve during outage: err = %v, want ErrSigningUnavailable", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Approvals) != 0 {
		t.Fatalf("approval committed despite failed audit append: %d approvals", len(got.Approvals))
	}

	// After recovery the same signer approves cleanly. A duplicate
	// rejection here would prove the failed attempt persisted.
	h.auditGate.setDown(false)
	got, err = h.approve(t, p.ID, "signer-1")
	if err != nil {
		t.Fatalf("approve after recovery: %v", err)
	}
	if len(got.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(got.Approvals))
	}

	events, err := h.audit.Range(ctx, "multisig", 1, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	approved := 0
	for _, ev := range events {
		if ev.EventType == "multisig.approved" {
			approved++
		}
	}
	if approved != 1 {
		t.Fatalf("multisig.approved events = %d, want 1", approved)
	}
}

func TestEngine_auditOutageBlocksRevoke(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 2)
	h.mustApprove(t, p.ID, "signer-1", "signer-2")
	h.auditGate.setDown(true)

	if _, err := h.engine.Revoke(ctx, p.ID, "signer-2"); !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Fatalf("revoke during outage: err = %v, want ErrSigningUnavailable", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != multisig.StatusApproved || len(got.Approvals) != 2 {
		t.Fatalf("revocation committed despite failed audit append: status %s, %d approvals",
			got.Status, len(got.Approvals))
	}
}

func TestEngine_auditOutageBlocksRatify(t *testing.T) {
	h := newHarness(t, multisig.Config{})
	p := h.propose(t, 3)
	h.auditGate.setDown(true)

	if _, err := h.engine.Ratify(ctx, p.ID, "ratifier", "sev1 bypass"); !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Fatalf("ratify during outage: err = %v, want ErrSigningUnavailable", err)
	}

	got, err := h.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.Terminal() {
		t.Fatalf("proposal reached %s with no audit event", got.Status)
	}

	h.auditGate.setDown(false)
	got, err = h.engine.Ratify(ctx, p.ID, "ratifier", "sev1 bypass")
	if err != nil {
		t.Fatalf("ratify after recovery: %v", err)
	}
	if got.Status != multisig.StatusRatified {
		t.Fatalf("status = %s, want %s", got.Status, multisig.StatusRatified)
	}
}
