package auditlog

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested audit event does not exist.
var ErrNotFound = errors.New("audit event not found")

// ViolationKind classifies a chain integrity finding.
type ViolationKind string

const (
	ViolationPrevHashMismatch ViolationKind = "prev_hash_mismatch"
	ViolationHashMismatch     ViolationKind = "hash_mismatch"
	ViolationUnknownSigner    ViolationKind = "unknown_signer"
	ViolationSignatureInvalid ViolationKind = "signature_invalid"
)

// IntegrityError reports the first violation found while verifying a chain.
// It always carries the offending event id; verification findings must
// propagate to the operator, never be swallowed.
type IntegrityError struct {
	EventID string
	Kind    ViolationKind
	Detail  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation %s at event %s: %s", e.Kind, e.EventID, e.Detail)
}

// IdempotencyConflictError is returned when an append replays a known
// idempotency key with a different payload. It is distinct from generic
// validation failure so clients know the key is burned and must not retry
// blindly.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with a different payload", e.Key)
}
