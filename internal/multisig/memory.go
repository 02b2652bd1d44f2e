package multisig

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store. Each proposal carries its
// own lock so updates to different proposals never contend.
type MemoryStore struct {
	mu        sync.Mutex
	proposals map[string]*lockedProposal
}

type lockedProposal struct {
	mu sync.Mutex
	p  *Proposal
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*lockedProposal)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = &lockedProposal{p: cloneProposal(p)}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	lp, ok := s.proposals[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return cloneProposal(lp.p), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(p *Proposal) error) (*Proposal, error) {
	s.mu.Lock()
	lp, ok := s.proposals[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	// fn mutates a working copy; the stored proposal changes only on success.
	working := cloneProposal(lp.p)
	if err := fn(working); err != nil {
		return nil, err
	}
	lp.p = working
	return cloneProposal(working), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	all := make([]*lockedProposal, 0, len(s.proposals))
	for _, lp := range s.proposals {
		all = append(all, lp)
	}
	s.mu.Unlock()

	var out []*Proposal
	for _, lp := range all {
		lp.mu.Lock()
		p := cloneProposal(lp.p)
		lp.mu.Unlock()
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneProposal(p *Proposal) *Proposal {
	c := *p
	c.SignerSet = append([]string(nil), p.SignerSet...)
	c.Approvals = append([]Approval(nil), p.Approvals...)
	c.AppliedAt = cloneTime(p.AppliedAt)
	c.RevokedAt = cloneTime(p.RevokedAt)
	c.RatifiedAt = cloneTime(p.RatifiedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
