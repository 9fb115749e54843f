// Package outbox hands settlement intents to the external transaction
// layer. Intents are published only after the snapshot that produced them
// has been persisted.
package outbox

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/model"
)

// Intent instructs the transaction layer to move Amount of Token to
// Recipient, e.g. "pay swap output to trader" or "release escrow to seller".
type Intent struct {
	ID        string         `json:"id"`
	Kind      model.Kind     `json:"kind"`
	EntityID  string         `json:"entity_id"`
	Operation string         `json:"operation"`
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    uint256.Int    `json:"amount"`
	CreatedAt uint64         `json:"created_at"`
}

// Publisher delivers intents downstream.
type Publisher interface {
	Publish(ctx context.Context, intent *Intent) error
}

// NopPublisher drops every intent. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Intent) error { return nil }

// MemoryPublisher records intents in order. Used for testing.
type MemoryPublisher struct {
	mu      sync.Mutex
	intents []Intent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, intent *Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = append(p.intents, *intent)
	return nil
}

// Intents returns a copy of everything published so far.
func (p *MemoryPublisher) Intents() []Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Intent(nil), p.intents...)
}
