package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoPrefix domain-separates derived MAC keys from any other use of the
// shared secret. The signer id participates in derivation so distinct signer
// identities never share a key.
const hkdfInfoPrefix = "trustcore/hmac-signer/"

// HMACSigner is a deterministic shared-secret signer: HMAC-SHA256 over the
// digest using a key derived from the configured secret. It is the test/dev
// fallback when no asymmetric backend is available.
type HMACSigner struct {
	key      []byte
	signerID string
}

// NewHMACSigner derives the MAC key from secret via HKDF-SHA256 and returns
// a signer under the given id.
func NewHMACSigner(secret []byte, signerID string) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac signer: secret is empty")
	}
	key, err := DeriveMACKey(secret, signerID)
	if err != nil {
		return nil, err
	}
	return &HMACSigner{key: key, signerID: signerID}, nil
}

// DeriveMACKey returns the 32-byte HMAC key for signerID derived from secret.
// The registry uses the same derivation to verify MAC signatures.
func DeriveMACKey(secret []byte, signerID string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoPrefix+signerID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive hmac key: %w", err)
	}
	return key, nil
}

// Sign implements Signer.
func (h *HMACSigner) Sign(_ context.Context, digest []byte) (SignResult, error) {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(digest)
	return SignResult{Signature: mac.Sum(nil), SignerID: h.signerID}, nil
}

// PublicKey implements Signer. Symmetric backends have no public key.
func (h *HMACSigner) PublicKey() []byte {
	return nil
}

// Healthy implements Signer.
func (h *HMACSigner) Healthy(context.Context) error {
	return nil
}

// MACKey exposes the derived key so deployments can register it in the
// signer registry for verification.
func (h *HMACSigner) MACKey() []byte {
	out := make([]byte, len(h.key))
	copy(out, h.key)
	return out
}

// RegistryMaterial implements SelfRegistering.
func (h *HMACSigner) RegistryMaterial() (key []byte, algorithm string, ok bool) {
	return h.MACKey(), AlgorithmHMAC, true
}
