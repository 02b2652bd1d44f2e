package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// LocalSigner is an in-process Ed25519 signer that generates its key pair at
// construction time. The key never leaves memory and is lost on restart, so
// this backend is for development and tests only; the factory refuses it in
// production mode.
type LocalSigner struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocalSigner generates a fresh Ed25519 key pair under the given logical
// signer id.
func NewLocalSigner(signerID string) (*LocalSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{priv: priv, pub: pub, signerID: signerID}, nil
}

// Sign implements Signer.
func (l *LocalSigner) Sign(_ context.Context, digest []byte) (SignResult, error) {
	if l.priv == nil {
		return SignResult{}, errors.New("local signer: private key not initialised")
	}
	return SignResult{
		Signature: ed25519.Sign(l.priv, digest),
		SignerID:  l.signerID,
	}, nil
}

// PublicKey implements Signer.
func (l *LocalSigner) PublicKey() []byte {
	return l.pub
}

// Healthy implements Signer. A local signer is always available.
func (l *LocalSigner) Healthy(context.Context) error {
	return nil
}

// RegistryMaterial implements SelfRegistering.
func (l *LocalSigner) RegistryMaterial() (key []byte, algorithm string, ok bool) {
	return l.pub, AlgorithmEd25519, true
}
