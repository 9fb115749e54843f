package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

type snapshotKey struct {
	kind model.Kind
	id   string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]*model.Snapshot
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[snapshotKey]*model.Snapshot),
	}
}

// cloneSnapshot copies a snapshot including its state bytes, so callers
// can never mutate what the store holds.
func cloneSnapshot(s *model.Snapshot) model.Snapshot {
	c := *s
	c.State = append([]byte(nil), s.State...)
	return c
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.Kind, snap.ID}
	if _, ok := s.snapshots[key]; ok {
		return fmt.Errorf("%s %s: %w", snap.Kind, snap.ID, ErrAlreadyExists)
	}

	snap.Version = 1
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	stored := cloneSnapshot(snap)
	s.snapshots[key] = &stored
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, kind model.Kind, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[snapshotKey{kind, id}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	c := cloneSnapshot(snap)
	return &c, nil
}

func (s *MemoryStore) UpdateSnapshot(_ context.Context, snap *model.Snapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.Kind, snap.ID}
	current, ok := s.snapshots[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", snap.Kind, snap.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%s %s at version %d, expected %d: %w",
			snap.Kind, snap.ID, current.Version, expectedVersion, ErrVersionConflict)
	}

	snap.Version = expectedVersion + 1
	snap.UpdatedAt = time.Now().UTC()
	stored := cloneSnapshot(snap)
	s.snapshots[key] = &stored
	return nil
}

func (s *MemoryStore) WriteSnapshots(_ context.Context, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[snapshotKey]bool, len(writes))
	for _, w := range writes {
		key := snapshotKey{w.Snapshot.Kind, w.Snapshot.ID}
		if seen[key] {
			return fmt.Errorf("%s %s written twice in one batch: %w", key.kind, key.id, ErrVersionConflict)
		}
		seen[key] = true

		current, ok := s.snapshots[key]
		switch {
		case w.ExpectedVersion == 0 && ok:
			return fmt.Errorf("%s %s: %w", key.kind, key.id, ErrAlreadyExists)
		case w.ExpectedVersion != 0 && !ok:
			return fmt.Errorf("%s %s: %w", key.kind, key.id, ErrNotFound)
		case w.ExpectedVersion != 0 && current.Version != w.ExpectedVersion:
			return fmt.Errorf("%s %s at version %d, expected %d: %w",
				key.kind, key.id, current.Version, w.ExpectedVersion, ErrVersionConflict)
		}
	}

	now := time.Now().UTC()
	for _, w := range writes {
		w.Snapshot.Version = w.ExpectedVersion + 1
		w.Snapshot.UpdatedAt = now
		stored := cloneSnapshot(w.Snapshot)
		s.snapshots[snapshotKey{w.Snapshot.Kind, w.Snapshot.ID}] = &stored
	}
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, kind model.Kind) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]model.Snapshot, 0)
	for key, snap := range s.snapshots {
		if key.kind == kind {
			snaps = append(snaps, cloneSnapshot(snap))
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s: %w", entry.ID, ErrAlreadyExists)
		}
	}
	stored := *entry
	stored.Result = append([]byte(nil), entry.Result...)
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	s.ledger = append(s.ledger, stored)
	return nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, kind model.Kind, entityID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.LedgerEntry, 0)
	for _, e := range s.ledger {
		if e.Kind == kind && e.EntityID == entityID {
			result = append(result, e)
		}
	}
	return result, nil
}
