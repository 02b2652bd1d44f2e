package multisig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists proposals to PostgreSQL. Update serialises
// concurrent mutations of one proposal with a transaction-level advisory
// lock keyed on the proposal id, matching the closure contract: the callback
// sees the committed row, and its changes are written back before the lock
// is released.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func proposalLockKey(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte("trustcore/multisig/"))
	h.Write([]byte(id))
	return int64(h.Sum64())
}

const proposalColumns = `id, payload, signer_set, threshold, approvals, status, proposer_id,
	created_at, applied_at, revoked_at, ratified_at, ratified_by, ratify_reason, failure_reason`

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, p *Proposal) error {
	payloadJSON, approvalsJSON, err := encodeProposal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO multisig_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, payloadJSON, p.SignerSet, p.Threshold, approvalsJSON, string(p.Status),
		p.ProposerID, p.CreatedAt, p.AppliedAt, p.RevokedAt, p.RatifiedAt,
		p.RatifiedBy, p.RatifyReason, p.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+proposalColumns+" FROM multisig_proposals WHERE id = $1", id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

// Update implements Store. The callback runs inside a transaction holding
// the proposal's advisory lock; a callback error rolls back with no state
// change.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(p *Proposal) error) (*Proposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", proposalLockKey(id)); err != nil {
		return nil, fmt.Errorf("acquire proposal lock: %w", err)
	}

	row := tx.QueryRow(ctx,
		"SELECT "+proposalColumns+" FROM multisig_proposals WHERE id = $1", id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	_, approvalsJSON, err := encodeProposal(p)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE multisig_proposals
		SET approvals = $2, status = $3, applied_at = $4, revoked_at = $5,
			ratified_at = $6, ratified_by = $7, ratify_reason = $8, failure_reason = $9
		WHERE id = $1`,
		p.ID, approvalsJSON, string(p.Status), p.AppliedAt, p.RevokedAt,
		p.RatifiedAt, p.RatifiedBy, p.RatifyReason,
	); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// List returns proposals ordered newest first, optionally filtered by status.
func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			"SELECT "+proposalColumns+" FROM multisig_proposals ORDER BY created_at DESC LIMIT $1", limit)
	} else {
		rows, err = s.pool.Query(ctx,
			"SELECT "+proposalColumns+" FROM multisig_proposals WHERE status = $1 ORDER BY created_at DESC LIMIT $2",
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeProposal(p *Proposal) (payloadJSON, approvalsJSON []byte, err error) {
	payloadJSON, err = json.Marshal(p.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	approvalsJSON, err = json.Marshal(p.Approvals)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal approvals: %w", err)
	}
	return payloadJSON, approvalsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p             Proposal
		payloadJSON   []byte
		approvalsJSON []byte
		status        string
		createdAt     time.Time
	)
	err := row.Scan(&p.ID, &payloadJSON, &p.SignerSet, &p.Threshold, &approvalsJSON,
		&status, &p.ProposerID, &createdAt, &p.AppliedAt, &p.RevokedAt,
		&p.RatifiedAt, &p.RatifiedBy, &p.RatifyReason, &p.FailureReason)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.CreatedAt = createdAt.UTC()

	// Decode with UseNumber so the payload's digest is byte-stable across a
	// round trip through the database.
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	if err := dec.Decode(&p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(approvalsJSON) > 0 {
		if err := json.Unmarshal(approvalsJSON, &p.Approvals); err != nil {
			return nil, fmt.Errorf("decode approvals: %w", err)
		}
	}
	return &p, nil
}
