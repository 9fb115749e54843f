package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/ledger-engine/internal/model"
)

// Schema is applied by Migrate. Engine state is JSONB; amounts inside it are
// decimal strings so NUMERIC casts remain possible for ad-hoc queries.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	state      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT        PRIMARY KEY,
	kind        TEXT        NOT NULL,
	entity_id   TEXT        NOT NULL,
	operation   TEXT        NOT NULL,
	actor       TEXT        NOT NULL DEFAULT '',
	version     BIGINT      NOT NULL,
	result      JSONB,
	occurred_at BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ledger_entries_entity_idx
	ON ledger_entries (kind, entity_id, recorded_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Updates are optimistic compare-and-swap on the version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return createSnapshot(ctx, s.pool, snap)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, kind model.Kind, id string) (*model.Snapshot, error) {
	return getSnapshot(ctx, s.pool, kind, id)
}

func (s *PostgresStore) UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error {
	return updateSnapshot(ctx, s.pool, snap, expectedVersion)
}

// WriteSnapshots runs the batch in one transaction; any failure rolls back
// every write.
func (s *PostgresStore) WriteSnapshots(ctx context.Context, writes []Write) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	versions := make([]int64, len(writes))
	for i, w := range writes {
		versions[i] = w.Snapshot.Version
		if w.ExpectedVersion == 0 {
			err = createSnapshot(ctx, tx, w.Snapshot)
		} else {
			err = updateSnapshot(ctx, tx, w.Snapshot, w.ExpectedVersion)
		}
		if err != nil {
			restoreVersions(writes[:i], versions)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		restoreVersions(writes, versions)
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// restoreVersions undoes the in-memory version bumps of a rolled back batch.
func restoreVersions(writes []Write, versions []int64) {
	for i, w := range writes {
		w.Snapshot.Version = versions[i]
	}
}

func createSnapshot(ctx context.Context, q querier, snap *model.Snapshot) error {
	err := q.QueryRow(ctx,
		`INSERT INTO snapshots (kind, id, version, state, updated_at)
		 VALUES ($1, $2, 1, $3::JSONB, now())
		 ON CONFLICT (kind, id) DO NOTHING
		 RETURNING updated_at`,
		string(snap.Kind), snap.ID, string(snap.State)).
		Scan(&snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", snap.Kind, snap.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create snapshot %s %s: %w", snap.Kind, snap.ID, err)
	}
	snap.Version = 1
	return nil
}

func getSnapshot(ctx context.Context, q querier, kind model.Kind, id string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var k, state string

	err := q.QueryRow(ctx,
		`SELECT kind, id, version, state::TEXT, updated_at
		 FROM snapshots WHERE kind = $1 AND id = $2`, string(kind), id).
		Scan(&k, &snap.ID, &snap.Version, &state, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s %s: %w", kind, id, err)
	}
	snap.Kind = model.Kind(k)
	snap.State = []byte(state)
	return &snap, nil
}

func updateSnapshot(ctx context.Context, q querier, snap *model.Snapshot, expectedVersion int64) error {
	var version int64
	err := q.QueryRow(ctx,
		`UPDATE snapshots
		 SET state = $3::JSONB, version = version + 1, updated_at = now()
		 WHERE kind = $1 AND id = $2 AND version = $4
		 RETURNING version, updated_at`,
		string(snap.Kind), snap.ID, string(snap.State), expectedVersion).
		Scan(&version, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or someone else won the race.
		if _, getErr := getSnapshot(ctx, q, snap.Kind, snap.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%s %s expected version %d: %w", snap.Kind, snap.ID, expectedVersion, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("update snapshot %s %s: %w", snap.Kind, snap.ID, err)
	}
	snap.Version = version
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, kind model.Kind) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, id, version, state::TEXT, updated_at
		 FROM snapshots WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := make([]model.Snapshot, 0)
	for rows.Next() {
		var snap model.Snapshot
		var k, state string
		if err := rows.Scan(&k, &snap.ID, &snap.Version, &state, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Kind = model.Kind(k)
		snap.State = []byte(state)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	var result *string
	if len(e.Result) > 0 {
		r := string(e.Result)
		result = &r
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, kind, entity_id, operation, actor, version, result, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8, now())
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Kind), e.EntityID, e.Operation, e.Actor, e.Version, result, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger entry %s: %w", e.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, kind model.Kind, entityID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, entity_id, operation, actor, version,
		        COALESCE(result::TEXT, ''), occurred_at, recorded_at
		 FROM ledger_entries WHERE kind = $1 AND entity_id = $2
		 ORDER BY recorded_at, version`, string(kind), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// pgxRows is the subset of pgx.Rows used by scanLedgerEntries.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	entries := make([]model.LedgerEntry, 0)
	for rows.Next() {
		var e model.LedgerEntry
		var kind, result string

		if err := rows.Scan(&e.ID, &kind, &e.EntityID, &e.Operation, &e.Actor, &e.Version,
			&result, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, err
		}

		e.Kind = model.Kind(kind)
		if result != "" {
			e.Result = []byte(result)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
