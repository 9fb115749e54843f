package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then to the cache; reads check
// Redis first then fall back to the primary. A cached snapshot is only ever
// replaced by a higher version, so a slow refill cannot overwrite a newer
// write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cacheRetries bounds the optimistic retries of one cache write.
const cacheRetries = 3

// --- Write-through (write to primary, then cache) ---

func (s *CachedStore) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.CreateSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error {
	if err := s.primary.UpdateSnapshot(ctx, snap, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.refresh(ctx, snap.Kind, snap.ID)
		}
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) WriteSnapshots(ctx context.Context, writes []Write) error {
	if err := s.primary.WriteSnapshots(ctx, writes); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			for _, w := range writes {
				s.refresh(ctx, w.Snapshot.Kind, w.Snapshot.ID)
			}
		}
		return err
	}
	for _, w := range writes {
		s.cacheSnapshot(ctx, w.Snapshot)
	}
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyCacheKey(entry.Kind, entry.EntityID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSnapshot(ctx context.Context, kind model.Kind, id string) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotCacheKey(kind, id)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetSnapshot(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) GetLedgerEntries(ctx context.Context, kind model.Kind, entityID string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, historyCacheKey(kind, entityID)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetLedgerEntries(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, historyCacheKey(kind, entityID), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSnapshots(ctx context.Context, kind model.Kind) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, kind)
}

// --- Cache helpers ---

// cacheSnapshot stores snap unless the cache already holds the same or a
// later version. The read and the write run in a WATCH transaction and are
// retried when another client touches the key in between.
func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := snapshotCacheKey(snap.Kind, snap.ID)

	for i := 0; i < cacheRetries; i++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cached, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if !replacesCached(cached, snap.Version) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		// A cache that cannot be written safely must not serve the old copy.
		s.rdb.Del(ctx, key)
	}
}

// refresh re-reads a snapshot from the primary after a lost race and caches
// it, so the next read does not start from the copy that lost.
func (s *CachedStore) refresh(ctx context.Context, kind model.Kind, id string) {
	snap, err := s.primary.GetSnapshot(ctx, kind, id)
	if err != nil {
		s.rdb.Del(ctx, snapshotCacheKey(kind, id))
		return
	}
	s.cacheSnapshot(ctx, snap)
}

// replacesCached reports whether a snapshot at version should replace the
// cached bytes. Unreadable cache entries are always replaced.
func replacesCached(cached []byte, version int64) bool {
	if len(cached) == 0 {
		return true
	}
	var head struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(cached, &head); err != nil {
		return true
	}
	return version > head.Version
}

func snapshotCacheKey(kind model.Kind, id string) string {
	return fmt.Sprintf("snapshot:%s:%s", kind, id)
}

func historyCacheKey(kind model.Kind, id string) string {
	return fmt.Sprintf("history:%s:%s", kind, id)
}
