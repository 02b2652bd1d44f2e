package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/auditlog"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	mu   sync.Mutex
	errs map[string]error
}

func (s *stubVerifier) VerifyScope(_ context.Context, scope string, _ *signer.Registry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[scope]; err != nil {
		return "", err
	}
	return "head", nil
}

func (s *stubVerifier) set(scope string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[scope] = err
}

type dispatchRecorder struct {
	mu     sync.Mutex
	events []string
}

func (d *dispatchRecorder) dispatch(_ context.Context, eventType string, payload map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, eventType+":"+payload["scope"])
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func violation(scope string) *auditlog.IntegrityError {
	return &auditlog.IntegrityError{
		EventID: "ev-" + scope,
		Kind:    auditlog.ViolationHashMismatch,
		Detail:  "recomputed digest differs",
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_validChains(t *testing.T) {
	s, err := signer.NewLocalSigner("watchdog-signer")
	if err != nil {
		t.Fatal(err)
	}
	reg := signer.NewRegistry()
	reg.AddSigner("watchdog-signer", s.PublicKey(), signer.AlgorithmEd25519)

	log := auditlog.NewMemoryLog(s)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "deploys", "deploy.started", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := log.Append(ctx, "multisig", "multisig.proposed", map[string]any{"id": "p1"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	validCount, invalidCount := 0, 0
	rec := &dispatchRecorder{}

	checker := New(log, log, reg, Config{VerifyTimeout: 5 * time.Second}, zap.NewNop())
	checker.SetWebhookDispatch(rec.dispatch)
	checker.SetMetricsRecord(func(valid bool) {
		mu.Lock()
		defer mu.Unlock()
		if valid {
			validCount++
		} else {
			invalidCount++
		}
	})

	checker.CheckAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if validCount != 2 || invalidCount != 0 {
		t.Errorf("expected 2 valid / 0 invalid verifications, got %d / %d", validCount, invalidCount)
	}
	if rec.count() != 0 {
		t.Errorf("expected no dispatches for valid chains, got %d", rec.count())
	}
}

func TestCheckScope_violationDispatchesOnce(t *testing.T) {
	sv := &stubVerifier{errs: map[string]error{"deploys": violation("deploys")}}
	rec := &dispatchRecorder{}

	checker := New(sv, nil, signer.NewRegistry(), Config{Scopes: []string{"deploys"}}, zap.NewNop())
	checker.SetWebhookDispatch(rec.dispatch)

	ctx := context.Background()
	checker.CheckAll(ctx)
	if rec.count() != 1 {
		t.Fatalf("expected 1 dispatch after first violation, got %d", rec.count())
	}

	// Standing violation stays quiet on subsequent sweeps.
	checker.CheckAll(ctx)
	checker.CheckAll(ctx)
	if rec.count() != 1 {
		t.Errorf("expected no re-dispatch for standing violation, got %d", rec.count())
	}
}

func TestCheckScope_reAlertsAfterRecovery(t *testing.T) {
	sv := &stubVerifier{errs: map[string]error{}}
	rec := &dispatchRecorder{}

	checker := New(sv, nil, signer.NewRegistry(), Config{Scopes: []string{"deploys"}}, zap.NewNop())
	checker.SetWebhookDispatch(rec.dispatch)

	ctx := context.Background()
	sv.set("deploys", violation("deploys"))
	checker.CheckAll(ctx)

	sv.set("deploys", nil)
	checker.CheckAll(ctx)

	sv.set("deploys", violation("deploys"))
	checker.CheckAll(ctx)

	if rec.count() != 2 {
		t.Errorf("expected a fresh dispatch after recovery and re-violation, got %d", rec.count())
	}
}

func TestCheckScope_infraErrorLeavesStateAlone(t *testing.T) {
	sv := &stubVerifier{errs: map[string]error{"deploys": errors.New("connection refused")}}
	rec := &dispatchRecorder{}
	metricCalls := 0
	var mu sync.Mutex

	checker := New(sv, nil, signer.NewRegistry(), Config{Scopes: []string{"deploys"}}, zap.NewNop())
	checker.SetWebhookDispatch(rec.dispatch)
	checker.SetMetricsRecord(func(bool) {
		mu.Lock()
		metricCalls++
		mu.Unlock()
	})

	checker.CheckAll(context.Background())

	if rec.count() != 0 {
		t.Errorf("infrastructure error must not dispatch a violation, got %d dispatches", rec.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if metricCalls != 0 {
		t.Errorf("infrastructure error must not record a verification result, got %d", metricCalls)
	}
}
