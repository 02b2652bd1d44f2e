package auditlog

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/trustcore/internal/canonical"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// MemoryLog is an in-memory, thread-safe Log implementation. It is primarily
// useful for tests and single-process deployments without durability needs.
// Each scope has its own head lock so appends to different scopes never
// contend.
type MemoryLog struct {
	signer signer.Signer

	mu     sync.Mutex // guards the maps, not the per-scope chains
	scopes map[string]*memScope
	byID   map[string]*Event
	idem   map[string]idemRecord
}

type memScope struct {
	mu     sync.Mutex
	events []*Event
}

type idemRecord struct {
	payloadHash string
	eventID     string
}

// NewMemoryLog creates an empty MemoryLog backed by the given signer.
func NewMemoryLog(s signer.Signer) *MemoryLog {
	return &MemoryLog{
		signer: s,
		scopes: make(map[string]*memScope),
		byID:   make(map[string]*Event),
		idem:   make(map[string]idemRecord),
	}
}

func (l *MemoryLog) scope(name string) *memScope {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc, ok := l.scopes[name]
	if !ok {
		sc = &memScope{}
		l.scopes[name] = sc
	}
	return sc
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, scope, eventType string, payload any, opts ...AppendOption) (*Event, error) {
	if err := validateAppend(scope, eventType); err != nil {
		return nil, err
	}
	o := buildAppendOptions(opts)

	payloadHash := ""
	if o.idempotencyKey != "" {
		var err error
		payloadHash, err = canonical.DigestHex(payload, "")
		if err != nil {
			return nil, fmt.Errorf("hash payload: %w", err)
		}
	}

	sc := l.scope(scope)

	// Exclusive head lock: no concurrent writer in this scope can observe
	// the same prevHash. Held across signing so a failed sign commits nothing.
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if o.idempotencyKey != "" {
		l.mu.Lock()
		rec, ok := l.idem[o.idempotencyKey]
		l.mu.Unlock()
		if ok {
			if rec.payloadHash != payloadHash {
				return nil, &IdempotencyConflictError{Key: o.idempotencyKey}
			}
			return l.byID[rec.eventID], nil
		}
	}

	prevHash := ""
	if n := len(sc.events); n > 0 {
		prevHash = sc.events[n-1].Hash
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
		Hash:      fmt.Sprintf("%x", digest),
		Signature: base64.StdEncoding.EncodeToString(res.Signature),
		SignerID:  res.SignerID,
		CreatedAt: time.Now().UTC(),
	}
	sc.events = append(sc.events, ev)

	l.mu.Lock()
	l.byID[ev.ID] = ev
	if o.idempotencyKey != "" {
		l.idem[o.idempotencyKey] = idemRecord{payloadHash: payloadHash, eventID: ev.ID}
	}
	l.mu.Unlock()

	return ev, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, id string) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

// Head implements Log.
func (l *MemoryLog) Head(_ context.Context, scope string) (string, error) {
	sc := l.scope(scope)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.events) == 0 {
		return "", nil
	}
	return sc.events[len(sc.events)-1].Hash, nil
}

// Range implements Log. from and to are 1-based inclusive positions.
func (l *MemoryLog) Range(_ context.Context, scope string, from, to int) ([]*Event, error) {
	sc := l.scope(scope)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	n := len(sc.events)
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > n {
		to = n
	}
	if from > to {
		return nil, nil
	}
	out := make([]*Event, to-from+1)
	copy(out, sc.events[from-1:to])
	return out, nil
}

// ListScopes returns the names of all scopes that hold at least one event,
// sorted for stable output.
func (l *MemoryLog) ListScopes(_ context.Context) ([]string, error) {
	l.mu.Lock()
	names := make([]string, 0, len(l.scopes))
	for name, sc := range l.scopes {
		sc.mu.Lock()
		n := len(sc.events)
		sc.mu.Unlock()
		if n > 0 {
			names = append(names, name)
		}
	}
	l.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

// VerifyScope implements Log.
func (l *MemoryLog) VerifyScope(_ context.Context, scope string, reg *signer.Registry) (string, error) {
	sc := l.scope(scope)
	sc.mu.Lock()
	events := make([]*Event, len(sc.events))
	copy(events, sc.events)
	sc.mu.Unlock()

	return VerifyEvents(events, reg)
}

// VerifyRange implements Log.
func (l *MemoryLog) VerifyRange(_ context.Context, scope string, from, to int, reg *signer.Registry) (string, error) {
	sc := l.scope(scope)
	sc.mu.Lock()
	events := make([]*Event, len(sc.events))
	copy(events, sc.events)
	sc.mu.Unlock()

	if from < 1 {
		from = 1
	}
	if to <= 0 || to > len(events) {
		to = len(events)
	}
	anchor := ""
	if from > 1 {
		if from-2 >= len(events) {
			return "", fmt.Errorf("range start %d beyond scope length %d", from, len(events))
		}
		anchor = events[from-2].Hash
	}

	v := NewVerifierAt(reg, anchor)
	for i := from - 1; i < to; i++ {
		if err := v.Add(events[i]); err != nil {
			return "", err
		}
	}
	return v.Head(), nil
}
