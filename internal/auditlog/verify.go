package auditlog

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/trustcore/internal/canonical"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// Verifier replays a chain one event at a time, in insertion order, keeping
// only the expected previous hash between steps. It never mutates the log
// and can be fed from any source: a slice, a database cursor, a file.
type Verifier struct {
	reg      *signer.Registry
	expected string
	head     string
}

// NewVerifier verifies from the beginning of a scope: the first event must
// have an empty prevHash.
func NewVerifier(reg *signer.Registry) *Verifier {
	return &Verifier{reg: reg}
}

// NewVerifierAt verifies a chain segment anchored at a known predecessor
// hash, for range verification that does not start at the genesis event.
func NewVerifierAt(reg *signer.Registry, prevHash string) *Verifier {
	return &Verifier{reg: reg, expected: prevHash}
}

// Add checks one event and advances the expected hash. The first violation
// is returned as *IntegrityError carrying the offending event id.
func (v *Verifier) Add(ev *Event) error {
	if ev.PrevHash != v.expected {
		return &IntegrityError{
			EventID: ev.ID,
			Kind:    ViolationPrevHashMismatch,
			Detail:  fmt.Sprintf("prevHash %q, expected %q", ev.PrevHash, v.expected),
		}
	}

	computed, err := canonical.DigestHex(ev.Payload, ev.PrevHash)
	if err != nil {
		return &IntegrityError{
			EventID: ev.ID,
			Kind:    ViolationHashMismatch,
			Detail:  fmt.Sprintf("recompute digest: %v", err),
		}
	}
	if computed != ev.Hash {
		return &IntegrityError{
			EventID: ev.ID,
			Kind:    ViolationHashMismatch,
			Detail:  fmt.Sprintf("computed %s, stored %s", computed, ev.Hash),
		}
	}

	sig, err := base64.StdEncoding.DecodeString(ev.Signature)
	if err != nil {
		return &IntegrityError{
			EventID: ev.ID,
			Kind:    ViolationSignatureInvalid,
			Detail:  fmt.Sprintf("signature is not base64: %v", err),
		}
	}
	digest, err := canonical.Digest(ev.Payload, ev.PrevHash)
	if err != nil {
		return &IntegrityError{
			EventID: ev.ID,
			Kind:    ViolationHashMismatch,
			Detail:  fmt.Sprintf("recompute digest bytes: %v", err),
		}
	}
	if err := v.reg.Verify(ev.SignerID, digest, sig); err != nil {
		kind := ViolationSignatureInvalid
		if errors.Is(err, signer.ErrUnknownSigner) {
			kind = ViolationUnknownSigner
		}
		return &IntegrityError{EventID: ev.ID, Kind: kind, Detail: err.Error()}
	}

	v.expected = ev.Hash
	v.head = ev.Hash
	return nil
}

// Head returns the hash of the last verified event, or the anchor hash when
// no event has been added.
func (v *Verifier) Head() string {
	if v.head != "" {
		return v.head
	}
	return v.expected
}

// VerifyEvents replays events (ordered by insertion) from the beginning of a
// scope and returns the resulting head hash, or the first violation.
func VerifyEvents(events []*Event, reg *signer.Registry) (string, error) {
	v := NewVerifier(reg)
	for _, ev := range events {
		if err := v.Add(ev); err != nil {
			return "", err
		}
	}
	return v.Head(), nil
}
