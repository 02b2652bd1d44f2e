package signer_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/ILLUVRSE/trustcore/internal/signer"
)

var ctx = context.Background()

func digestOf(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestLocalSigner_signAndVerify(t *testing.T) {
	s, err := signer.NewLocalSigner("dev-signer-1")
	if err != nil {
		t.Fatal(err)
	}

	digest := digestOf("payload")
	res, err := s.Sign(ctx, digest)
	if err != nil {
		t.Fatal(err)
	}
	if res.SignerID != "dev-signer-1" {
		t.Errorf("signer id: got %q", res.SignerID)
	}

	reg := signer.NewRegistry()
	reg.AddSigner("dev-signer-1", s.PublicKey(), signer.AlgorithmEd25519)
	if err := reg.Verify("dev-signer-1", digest, res.Signature); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestRegistry_crossSignerRejected(t *testing.T) {
	a, _ := signer.NewLocalSigner("signer-a")
	b, _ := signer.NewLocalSigner("signer-b")

	reg := signer.NewRegistry()
	reg.AddSigner("signer-a", a.PublicKey(), signer.AlgorithmEd25519)
	reg.AddSigner("signer-b", b.PublicKey(), signer.AlgorithmEd25519)

	digest := digestOf("payload")
	res, err := a.Sign(ctx, digest)
	if err != nil {
		t.Fatal(err)
	}

	// A's signature must never be accepted under B's identity.
	err = reg.Verify("signer-b", digest, res.Signature)
	if !errors.Is(err, signer.ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestRegistry_unknownSigner(t *testing.T) {
	reg := signer.NewRegistry()
	err := reg.Verify("ghost", digestOf("x"), []byte("sig"))
	if !errors.Is(err, signer.ErrUnknownSigner) {
		t.Errorf("expected ErrUnknownSigner, got %v", err)
	}
}

func TestHMACSigner_deterministic(t *testing.T) {
	s1, err := signer.NewHMACSigner([]byte("shared-secret"), "hmac-1")
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := signer.NewHMACSigner([]byte("shared-secret"), "hmac-1")

	digest := digestOf("payload")
	r1, _ := s1.Sign(ctx, digest)
	r2, _ := s2.Sign(ctx, digest)
	if !bytes.Equal(r1.Signature, r2.Signature) {
		t.Error("same secret and signer id must produce identical MACs")
	}

	// A different signer id derives a different key.
	s3, _ := signer.NewHMACSigner([]byte("shared-secret"), "hmac-2")
	r3, _ := s3.Sign(ctx, digest)
	if bytes.Equal(r1.Signature, r3.Signature) {
		t.Error("distinct signer ids must not share MAC keys")
	}
}

func TestHMACSigner_registryVerify(t *testing.T) {
	s, err := signer.NewHMACSigner([]byte("shared-secret"), "hmac-1")
	if err != nil {
		t.Fatal(err)
	}

	reg := signer.NewRegistry()
	reg.AddSigner("hmac-1", s.MACKey(), signer.AlgorithmHMAC)

	digest := digestOf("payload")
	res, _ := s.Sign(ctx, digest)
	if err := reg.Verify("hmac-1", digest, res.Signature); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := reg.Verify("hmac-1", digestOf("other"), res.Signature); !errors.Is(err, signer.ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for wrong digest, got %v", err)
	}
}

func TestHMACSigner_emptySecret(t *testing.T) {
	if _, err := signer.NewHMACSigner(nil, "hmac-1"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestRegistryMaterial_selfRegistration(t *testing.T) {
	local, err := signer.NewLocalSigner("dev-signer-1")
	if err != nil {
		t.Fatal(err)
	}
	mac, err := signer.NewHMACSigner([]byte("shared-secret"), "hmac-1")
	if err != nil {
		t.Fatal(err)
	}

	backends := []struct {
		id      string
		s       signer.Signer
		wantAlg string
	}{
		{"dev-signer-1", local, signer.AlgorithmEd25519},
		{"hmac-1", mac, signer.AlgorithmHMAC},
	}

	reg := signer.NewRegistry()
	for _, b := range backends {
		sr, ok := b.s.(signer.SelfRegistering)
		if !ok {
			t.Fatalf("%s: backend does not expose registry material", b.id)
		}
		key, alg, ok := sr.RegistryMaterial()
		if !ok {
			t.Fatalf("%s: no registry material", b.id)
		}
		if alg != b.wantAlg {
			t.Errorf("%s: algorithm %q, want %q", b.id, alg, b.wantAlg)
		}
		reg.AddSigner(b.id, key, alg)
	}

	// Material registered through the capability must verify signatures
	// produced by the same backend.
	for _, b := range backends {
		digest := digestOf("payload")
		res, err := b.s.Sign(ctx, digest)
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Verify(b.id, digest, res.Signature); err != nil {
			t.Errorf("%s: verify: %v", b.id, err)
		}
	}
}

func TestNewRegistryFromEntries(t *testing.T) {
	s, _ := signer.NewLocalSigner("cfg-signer")
	entries := []signer.RegistryEntry{{
		SignerID:  "cfg-signer",
		PublicKey: base64.StdEncoding.EncodeToString(s.PublicKey()),
		Algorithm: signer.AlgorithmEd25519,
	}}
	reg, err := signer.NewRegistryFromEntries(entries)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.GetSigner("cfg-signer"); !ok {
		t.Error("cfg-signer not registered")
	}
}

func TestNewRegistryFromEntries_badKey(t *testing.T) {
	_, err := signer.NewRegistryFromEntries([]signer.RegistryEntry{{
		SignerID:  "bad",
		PublicKey: base64.StdEncoding.EncodeToString([]byte("short")),
		Algorithm: signer.AlgorithmEd25519,
	}})
	if err == nil {
		t.Error("expected error for undersized ed25519 key")
	}
}
