package auditlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/canonical"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// PostgresLog persists the digest chain to PostgreSQL. Appends to one scope
// are serialised with a per-scope transaction-level advisory lock, so two
// concurrent writers can never compute digests from the same head; appends
// to different scopes take different locks and proceed in parallel.
type PostgresLog struct {
	pool   *pgxpool.Pool
	signer signer.Signer
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given pool and signer.
func NewPostgresLog(pool *pgxpool.Pool, s signer.Signer, logger *zap.Logger) *PostgresLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLog{pool: pool, signer: s, logger: logger}
}

// scopeLockKey derives a stable advisory lock key for a scope. Keys are
// namespaced under a fixed prefix so they cannot collide with other advisory
// lock users in the same database.
func scopeLockKey(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte("trustcore/audit/"))
	h.Write([]byte(scope))
	return int64(h.Sum64())
}

// Append implements Log. The head read, digest computation, signing call and
// insert all happen inside one transaction holding the scope's advisory
// lock; a signing failure rolls everything back so no partial row is ever
// committed.
func (l *PostgresLog) Append(ctx context.Context, scope, eventType string, payload any, opts ...AppendOption) (*Event, error) {
	if err := validateAppend(scope, eventType); err != nil {
		return nil, err
	}
	o := buildAppendOptions(opts)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	payloadHash := ""
	if o.idempotencyKey != "" {
		payloadHash, err = canonical.DigestHex(payload, "")
		if err != nil {
			return nil, fmt.Errorf("hash payload: %w", err)
		}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", scopeLockKey(scope)); err != nil {
		return nil, fmt.Errorf("acquire scope lock: %w", err)
	}

	if o.idempotencyKey != "" {
		var storedHash, eventID string
		err := tx.QueryRow(ctx,
			"SELECT payload_hash, event_id FROM audit_idempotency WHERE key = $1",
			o.idempotencyKey,
		).Scan(&storedHash, &eventID)
		switch {
		case err == nil:
			if storedHash != payloadHash {
				return nil, &IdempotencyConflictError{Key: o.idempotencyKey}
			}
			return l.getTx(ctx, tx, eventID)
		case errors.Is(err, pgx.ErrNoRows):
			// first use of this key
		default:
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	prevHash := ""
	err = tx.QueryRow(ctx,
		"SELECT hash FROM audit_events WHERE scope = $1 ORDER BY seq DESC LIMIT 1",
		scope,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read scope head: %w", err)
	}

	digest, err := canonical.Digest(payload, prevHash)
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	res, err := l.signer.Sign(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("sign audit digest: %w", err)
	}

	ev := &Event{
		ID:        NewEventID(),
		Scope:     scope,
		EventType: eventType,
		Payload:   payload,
		PrevHash:  prevHash,
		Hash:      hex.EncodeToString(digest),
		Signature: base64.StdEncoding.EncodeToString(res.Signature),
		SignerID:  res.SignerID,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_events (id, scope, event_type, payload, prev_hash, hash, signature, signer_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.Scope, ev.EventType, payloadJSON,
		ev.PrevHash, ev.Hash, ev.Signature, ev.SignerID, ev.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	if o.idempotencyKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_idempotency (key, scope, payload_hash, event_id, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.idempotencyKey, scope, payloadHash, ev.ID, ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("record idempotency key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit event: %w", err)
	}

	l.logger.Debug("audit event appended",
		zap.String("scope", ev.Scope),
		zap.String("event_type", ev.EventType),
		zap.String("id", ev.ID),
	)
	return ev, nil
}

const eventColumns = "id, scope, event_type, payload, prev_hash, hash, signature, signer_id, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payloadJSON []byte
	if err := row.Scan(
		&ev.ID, &ev.Scope, &ev.EventType, &payloadJSON,
		&ev.PrevHash, &ev.Hash, &ev.Signature, &ev.SignerID, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		// Decode with UseNumber so the payload's digest is byte-stable
		// across a round trip through the database.
		dec := json.NewDecoder(bytes.NewReader(payloadJSON))
		dec.UseNumber()
		if err := dec.Decode(&ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for event %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func (l *PostgresLog) getTx(ctx context.Context, tx pgx.Tx, id string) (*Event, error) {
	row := tx.QueryRow(ctx, "SELECT "+eventColumns+" FROM audit_events WHERE id = $1", id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, id string) (*Event, error) {
	row := l.pool.QueryRow(ctx, "SELECT "+eventColumns+" FROM audit_events WHERE id = $1", id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// Head implements Log.
func (l *PostgresLog) Head(ctx context.Context, scope string) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_events WHERE scope = $1 ORDER BY seq DESC LIMIT 1",
		scope,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read scope head: %w", err)
	}
	return hash, nil
}

// Range implements Log.
func (l *PostgresLog) Range(ctx context.Context, scope string, from, to int) ([]*Event, error) {
	if from < 1 {
		from = 1
	}
	limit := -1
	if to > 0 {
		if from > to {
			return nil, nil
		}
		limit = to - from + 1
	}

	q := "SELECT " + eventColumns + " FROM audit_events WHERE scope = $1 ORDER BY seq ASC OFFSET $2"
	args := []any{scope, from - 1}
	if limit >= 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListScopes returns the names of all scopes that hold at least one event.
func (l *PostgresLog) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, "SELECT DISTINCT scope FROM audit_events ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		names = append(names, s)
	}
	return names, rows.Err()
}

// VerifyScope implements Log. Events are streamed in insertion order and fed
// through the verifier one at a time; memory use is constant in chain length.
func (l *PostgresLog) VerifyScope(ctx context.Context, scope string, reg *signer.Registry) (string, error) {
	return l.verify(ctx, scope, 1, 0, reg)
}

// VerifyRange implements Log.
func (l *PostgresLog) VerifyRange(ctx context.Context, scope string, from, to int, reg *signer.Registry) (string, error) {
	return l.verify(ctx, scope, from, to, reg)
}

func (l *PostgresLog) verify(ctx context.Context, scope string, from, to int, reg *signer.Registry) (string, error) {
	if from < 1 {
		from = 1
	}

	anchor := ""
	if from > 1 {
		err := l.pool.QueryRow(ctx,
			"SELECT hash FROM audit_events WHERE scope = $1 ORDER BY seq ASC OFFSET $2 LIMIT 1",
			scope, from-2,
		).Scan(&anchor)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("range start %d beyond scope length", from)
		}
		if err != nil {
			return "", fmt.Errorf("read range anchor: %w", err)
		}
	}

	q := "SELECT " + eventColumns + " FROM audit_events WHERE scope = $1 ORDER BY seq ASC OFFSET $2"
	args := []any{scope, from - 1}
	if to > 0 && to >= from {
		q += " LIMIT $3"
		args = append(args, to-from+1)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return "", fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	v := NewVerifierAt(reg, anchor)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return "", fmt.Errorf("scan event: %w", err)
		}
		if err := v.Add(ev); err != nil {
			return "", err
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate events: %w", err)
	}
	return v.Head(), nil
}

// Ping verifies database connectivity.
func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}
