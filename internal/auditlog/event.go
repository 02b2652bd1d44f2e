// Package auditlog implements the hash-chained, signed, append-only audit
// log. Events within one scope form a digest chain: each event's hash commits
// to its canonicalized payload plus the previous event's hash, and every
// event carries a signature from the configured signing backend produced
// before the event is committed.
package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single immutable audit record. Once committed it is never
// mutated or deleted; it can only be superseded by later events.
type Event struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	EventType string    `json:"eventType"`
	Payload   any       `json:"payload"`
	PrevHash  string    `json:"prevHash,omitempty"` // hex; empty for the first event in a scope
	Hash      string    `json:"hash"`               // hex SHA-256 over canonical(payload) || prevHashBytes
	Signature string    `json:"signature"`          // base64
	SignerID  string    `json:"signerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return uuid.New().String()
}
