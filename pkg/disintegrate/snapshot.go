package disintegrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotStore persists serialized state views keyed by the fingerprint of
// the query they were folded from. Writes are best-effort: losing a race to
// a concurrent hydration is harmless, the upsert keeps whichever snapshot
// has the higher version regardless of write order.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a snapshot cache over the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load returns the freshest snapshot for the query fingerprint. ok is false
// when none exists; callers must also treat undecodable payloads as a miss.
func (ss *SnapshotStore) Load(ctx context.Context, fingerprint string) (payload []byte, version int64, ok bool, err error) {
	var text string
	err = ss.pool.QueryRow(ctx, `
		SELECT payload, version FROM snapshot
		WHERE query = $1
		ORDER BY version DESC
		LIMIT 1
	`, fingerprint).Scan(&text, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, storageErr("snapshot_load", err)
	}
	return []byte(text), version, true, nil
}

// Store upserts a snapshot. The row id derives from the advisory name and
// the fingerprint, so a view snapshotted under the same name replaces its
// previous row in place when the new version is higher; a write at an equal
// or lower version leaves the stored row unchanged.
func (ss *SnapshotStore) Store(ctx context.Context, fingerprint, name string, payload []byte, version int64) error {
	_, err := ss.pool.Exec(ctx, `
		INSERT INTO snapshot (id, name, query, version, payload, inserted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    payload = EXCLUDED.payload,
		    inserted_at = EXCLUDED.inserted_at
		WHERE snapshot.version < EXCLUDED.version
	`, snapshotID(name, fingerprint).String(), name, fingerprint, version, string(payload))
	if err != nil {
		return storageErr("snapshot_store", fmt.Errorf("failed to store snapshot %s: %w", name, err))
	}
	return nil
}

// Purge removes every snapshot for the query fingerprint. Administrative;
// hydration already treats an undecodable snapshot as a miss on load, but
// does not delete its row.
func (ss *SnapshotStore) Purge(ctx context.Context, fingerprint string) error {
	if _, err := ss.pool.Exec(ctx, `DELETE FROM snapshot WHERE query = $1`, fingerprint); err != nil {
		return storageErr("snapshot_purge", err)
	}
	return nil
}
