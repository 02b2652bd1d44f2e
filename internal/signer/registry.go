package signer

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownSigner is returned when a signer id has no registry entry.
var ErrUnknownSigner = errors.New("unknown signer")

// ErrBadSignature is returned when a signature fails verification against
// the registered key.
var ErrBadSignature = errors.New("signature verification failed")

// KeyInfo is the public metadata held for a registered signer.
type KeyInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey"` // base64-encoded key bytes
	CreatedAt time.Time `json:"createdAt"`
}

// RegistryEntry is the configuration shape for one signer, as loaded from
// config files or registration calls. PublicKey accepts raw base64 or PEM.
type RegistryEntry struct {
	SignerID  string `json:"signerId" mapstructure:"signer_id"`
	PublicKey string `json:"publicKey" mapstructure:"public_key"`
	Algorithm string `json:"algorithm" mapstructure:"algorithm"`
}

// Registry maps signer ids to verification keys. It is populated out-of-band
// (configuration or registration) and read-only to verifiers. Safe for
// concurrent use.
type Registry struct {
	mtx  sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]KeyInfo)}
}

// NewRegistryFromEntries builds a Registry from configuration entries,
// decoding and validating each key eagerly so bad configuration fails at
// startup, not at first verification.
func NewRegistryFromEntries(entries []RegistryEntry) (*Registry, error) {
	r := NewRegistry()
	for _, e := range entries {
		keyBytes, err := decodeKeyMaterial(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signer %q: %w", e.SignerID, err)
		}
		if err := validateKey(e.Algorithm, keyBytes); err != nil {
			return nil, fmt.Errorf("signer %q: %w", e.SignerID, err)
		}
		r.AddSigner(e.SignerID, keyBytes, e.Algorithm)
	}
	return r, nil
}

// AddSigner registers (or replaces) a signer with its key bytes and algorithm.
func (r *Registry) AddSigner(signerID string, key []byte, algorithm string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[signerID] = KeyInfo{
		SignerID:  signerID,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UTC(),
	}
}

// GetSigner returns a copy of the KeyInfo for signerID.
func (r *Registry) GetSigner(signerID string) (*KeyInfo, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ki, ok := r.keys[signerID]
	if !ok {
		return nil, false
	}
	c := ki
	return &c, true
}

// ListSigners returns all registered signer infos.
func (r *Registry) ListSigners() []KeyInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	return out
}

// Verify checks sig over digest against the key registered for signerID.
// Returns ErrUnknownSigner if the id is unregistered and ErrBadSignature if
// the signature does not verify. A signature produced by one signer never
// verifies under another signer's entry.
func (r *Registry) Verify(signerID string, digest, sig []byte) error {
	ki, ok := r.GetSigner(signerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signerID)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(ki.PublicKey)
	if err != nil {
		return fmt.Errorf("signer %s: invalid stored key: %w", signerID, err)
	}

	switch ki.Algorithm {
	case AlgorithmEd25519:
		if len(keyBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("signer %s: bad ed25519 key length %d", signerID, len(keyBytes))
		}
		if !ed25519.Verify(ed25519.PublicKey(keyBytes), digest, sig) {
			return fmt.Errorf("%w: signer %s", ErrBadSignature, signerID)
		}
	case AlgorithmRSAPSS:
		pub, err := parseRSAPublicKey(keyBytes)
		if err != nil {
			return fmt.Errorf("signer %s: %w", signerID, err)
		}
		hashed := sha256.Sum256(digest)
		if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, nil); err != nil {
			return fmt.Errorf("%w: signer %s", ErrBadSignature, signerID)
		}
	case AlgorithmHMAC:
		mac := hmac.New(sha256.New, keyBytes)
		mac.Write(digest)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return fmt.Errorf("%w: signer %s", ErrBadSignature, signerID)
		}
	default:
		return fmt.Errorf("signer %s: unsupported algorithm %q", signerID, ki.Algorithm)
	}
	return nil
}

// decodeKeyMaterial accepts PEM or raw standard base64 key material.
func decodeKeyMaterial(s string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(s)); block != nil {
		return block.Bytes, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is neither PEM nor base64: %w", err)
	}
	return b, nil
}

func validateKey(algorithm string, key []byte) error {
	switch algorithm {
	case AlgorithmEd25519:
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
		}
	case AlgorithmRSAPSS:
		if _, err := parseRSAPublicKey(key); err != nil {
			return err
		}
	case AlgorithmHMAC:
		if len(key) == 0 {
			return errors.New("hmac key is empty")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	return nil
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not *rsa.PublicKey", pub)
	}
	return rsaPub, nil
}
