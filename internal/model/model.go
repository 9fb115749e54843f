// Package model defines the persistence envelopes shared by the store, the
// outbox and the service. Engine state travels inside them as JSON; amounts
// inside that JSON are decimal strings, never floats.
package model

import (
	"encoding/json"
	"time"
)

// Kind names the engine entity held by a snapshot.
type Kind string

const (
	KindPool          Kind = "pool"
	KindCurve         Kind = "curve"
	KindPosition      Kind = "position"
	KindSchedule      Kind = "schedule"
	KindStake         Kind = "stake"
	KindEscrow        Kind = "escrow"
	KindDispute       Kind = "dispute"
	KindNonceRegistry Kind = "nonce_registry"
	KindRateLimiter   Kind = "rate_limiter"
	KindPrice         Kind = "price"
)

// Kinds lists every entity kind the service persists.
var Kinds = []Kind{
	KindPool, KindCurve, KindPosition, KindSchedule, KindStake,
	KindEscrow, KindDispute, KindNonceRegistry, KindRateLimiter, KindPrice,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Snapshot is the latest persisted state of one entity. Version starts at 1
// and increases by one on every successful update.
type Snapshot struct {
	Kind      Kind            `json:"kind" db:"kind"`
	ID        string          `json:"id" db:"id"`
	Version   int64           `json:"version" db:"version"`
	State     json.RawMessage `json:"state" db:"state"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of one successful engine operation.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	Kind       Kind            `json:"kind" db:"kind"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Operation  string          `json:"operation" db:"operation"`
	Actor      string          `json:"actor,omitempty" db:"actor"`
	Version    int64           `json:"version" db:"version"` // snapshot version produced
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	OccurredAt uint64          `json:"occurred_at" db:"occurred_at"` // engine time, ms
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}
