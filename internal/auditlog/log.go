package auditlog

import (
	"context"
	"fmt"

	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// Log is the digest-chain contract consumed by the rest of the platform.
// MemoryLog and PostgresLog implement it.
type Log interface {
	// Append canonicalizes payload, chains it to the current head of scope,
	// obtains a signature from the signing backend, and commits the event.
	// Appends to one scope are strictly serialized; appends to different
	// scopes proceed in parallel. If signing fails nothing is committed and
	// the error wraps signer.ErrSigningUnavailable.
	Append(ctx context.Context, scope, eventType string, payload any, opts ...AppendOption) (*Event, error)

	// Get returns one event by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Event, error)

	// Head returns the hash of the most recent event in scope, or "" for an
	// empty scope.
	Head(ctx context.Context, scope string) (string, error)

	// Range returns committed events of a scope in insertion order. from and
	// to are 1-based sequence positions; to <= 0 means "through the end".
	Range(ctx context.Context, scope string, from, to int) ([]*Event, error)

	// VerifyScope replays the scope's chain through the verifier and returns
	// the head hash. It is read-only and safe to run concurrently with
	// ongoing appends.
	VerifyScope(ctx context.Context, scope string, reg *signer.Registry) (string, error)

	// VerifyRange verifies positions [from, to] of a scope, anchored at the
	// hash of the event preceding from. Returns the hash of the last
	// verified event.
	VerifyRange(ctx context.Context, scope string, from, to int, reg *signer.Registry) (string, error)
}

type appendOptions struct {
	idempotencyKey string
}

// AppendOption customises a single Append call.
type AppendOption func(*appendOptions)

// WithIdempotencyKey makes the append idempotent: replaying the same key with
// an identical payload returns the previously committed event; replaying it
// with a different payload fails with IdempotencyConflictError.
func WithIdempotencyKey(key string) AppendOption {
	return func(o *appendOptions) { o.idempotencyKey = key }
}

func buildAppendOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateAppend(scope, eventType string) error {
	if scope == "" {
		return fmt.Errorf("scope is required")
	}
	if eventType == "" {
		return fmt.Errorf("eventType is required")
	}
	return nil
}
