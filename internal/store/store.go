// Package store defines the persistence interface for engine snapshots.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/ledger-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrVersionConflict = errors.New("store: version conflict")
)

// Write is one snapshot write in a batch. ExpectedVersion 0 creates the
// snapshot; any other value updates it from that version.
type Write struct {
	Snapshot        *model.Snapshot
	ExpectedVersion int64
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Snapshots ---

	// CreateSnapshot persists a new entity at version 1.
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error

	// GetSnapshot retrieves the latest snapshot of an entity.
	GetSnapshot(ctx context.Context, kind model.Kind, id string) (*model.Snapshot, error)

	// UpdateSnapshot replaces the state of an entity if its stored version
	// still equals expectedVersion, and bumps the version. snap.Version is
	// set to the new version on success.
	UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error

	// WriteSnapshots applies every write or none of them. Each snapshot's
	// Version is set to its new version on success.
	WriteSnapshots(ctx context.Context, writes []Write) error

	// ListSnapshots returns every snapshot of a kind.
	ListSnapshots(ctx context.Context, kind model.Kind) ([]model.Snapshot, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable operation record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntries returns the history of one entity, oldest first.
	GetLedgerEntries(ctx context.Context, kind model.Kind, entityID string) ([]model.LedgerEntry, error)
}
