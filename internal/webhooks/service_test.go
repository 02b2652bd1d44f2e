package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	subs       []*Subscription
	deliveries chan *Delivery
}

func (m *memStore) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	for _, sub := range m.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	var out []*Subscription
	for _, sub := range m.subs {
		if slices.Contains(sub.Events, eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (m *memStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	if m.deliveries != nil {
		m.deliveries <- d
	}
	return nil
}

func TestSignPayload_verifiable(t *testing.T) {
	secret := "0123456789abcdef"
	body := []byte(`{"type":"proposal.applied"}`)

	sig := signPayload(body, secret)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %q", sig)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature mismatch: got %q want %q", sig, want)
	}
}

func TestGenerateSecret_uniqueAndHex(t *testing.T) {
	a, err := generateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated secrets must differ")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("secret is not valid hex: %v", err)
	}
}

func TestSubscribe_rejectsUnknownEvent(t *testing.T) {
	svc := NewService(nil, zap.NewNop())

	_, err := svc.Subscribe(context.Background(), "ops", &CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{"proposal.applied", "bogus.event"},
	})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDoDelivery_sendsSignedBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Trustcore-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewService(nil, zap.NewNop())
	body := []byte(`{"type":"proposal.approved"}`)
	sig := signPayload(body, "topsecret")

	success, status, errMsg := svc.doDelivery(context.Background(), srv.URL, body, sig)
	if !success {
		t.Fatalf("expected delivery success, got status %d err %q", status, errMsg)
	}
	if gotSig != sig {
		t.Errorf("signature header mismatch: got %q want %q", gotSig, sig)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body mismatch: got %q", gotBody)
	}
}

func TestDispatch_outlivesCallerContext(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &memStore{deliveries: make(chan *Delivery, 1)}
	svc := NewService(store, zap.NewNop())

	if _, err := svc.Subscribe(context.Background(), "ops", &CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventProposalApplied},
	}); err != nil {
		t.Fatal(err)
	}

	// The request context is gone by the time the delivery goroutine runs,
	// as it is once the triggering HTTP handler has written its response.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Dispatch(ctx, EventProposalApplied, map[string]string{"proposalId": "p-1"})

	select {
	case body := <-received:
		if !strings.Contains(string(body), EventProposalApplied) {
			t.Errorf("delivered body missing event type: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never reached the endpoint")
	}

	select {
	case d := <-store.deliveries:
		if !d.Success {
			t.Errorf("expected first attempt to succeed, got status %d err %q", d.StatusCode, d.ErrorMessage)
		}
		if d.Attempt != 1 {
			t.Errorf("expected attempt 1, got %d", d.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery record never written")
	}
}

func TestDoDelivery_non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewService(nil, zap.NewNop())
	success, status, errMsg := svc.doDelivery(context.Background(), srv.URL, []byte("{}"), "sha256=00")
	if success {
		t.Fatal("expected delivery failure")
	}
	if status != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", status)
	}
	if errMsg != "HTTP 502" {
		t.Errorf("unexpected error message %q", errMsg)
	}
}
