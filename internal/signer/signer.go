// Package signer provides the pluggable signing backend used by the audit
// log and the multisig engine, plus the registry of signer public keys used
// during verification.
//
// Every backend variant implements the same Signer interface and is selected
// by configuration; callers never inspect the concrete type. All adapter
// failures (unreachable endpoint, timeout, malformed response) are reported
// as ErrSigningUnavailable so the enclosing unit of work can fail closed.
package signer

import (
	"context"
	"errors"
)

// Supported signature algorithms, as recorded in the signer registry.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmRSAPSS  = "rsa-pss-sha256"
	AlgorithmHMAC    = "hmac-sha256"
)

// ErrSigningUnavailable is returned (wrapped) whenever the configured signing
// backend is unreachable, misconfigured, timed out, or answered with a shape
// the adapter could not validate. In production mode callers must treat it as
// fatal for the enclosing operation, never substitute a weaker signer.
var ErrSigningUnavailable = errors.New("signing backend unavailable")

// SignResult is the single typed signing contract shared by all backends.
// Adapters validate their wire responses into this shape at the boundary.
type SignResult struct {
	// Signature is the raw signature bytes over the digest.
	Signature []byte

	// SignerID identifies the key that produced the signature. Managed-key
	// backends may return a service-assigned identifier here.
	SignerID string
}

// SelfRegistering is an optional capability for backends whose verification
// material lives in-process. The daemon uses it to seed the registry at
// startup so freshly appended events verify without extra configuration.
// Remote backends distribute their keys out of band and do not implement it.
type SelfRegistering interface {
	// RegistryMaterial returns the verification key and algorithm to record
	// in the registry. ok is false when no material is available.
	RegistryMaterial() (key []byte, algorithm string, ok bool)
}

// Signer is the capability set every signing backend implements.
type Signer interface {
	// Sign produces a signature over the given digest bytes.
	Sign(ctx context.Context, digest []byte) (SignResult, error)

	// PublicKey returns the verification key bytes, or nil when the backend
	// cannot expose one (symmetric MAC, remote services without the optional
	// publicKey operation).
	PublicKey() []byte

	// Healthy reports whether the backend can currently serve signatures.
	Healthy(ctx context.Context) error
}
