package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
)

type snapshotReader struct {
	db      *DB
	listSQL string
	getSQL  string
}

func newSnapshotReader(db *DB, table string) snapshotReader {
	return snapshotReader{
		db: db,
		listSQL: fmt.Sprintf(`
SELECT key, payload, updated_at
FROM %s
WHERE key ~ $1
ORDER BY updated_at DESC
LIMIT $2`, table),
		getSQL: fmt.Sprintf(`SELECT key, payload, updated_at FROM %s WHERE key=$1`, table),
	}
}

// ListRecent returns records whose key matches keyPattern, newest first.
func (r snapshotReader) ListRecent(ctx context.Context, keyPattern string, limit int) ([]model.SnapshotRecord, error) {
	rows, err := r.db.Pool.Query(ctx, r.listSQL, keyPattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SnapshotRecord
	for rows.Next() {
		var (
			key     string
			payload []byte
			ts      time.Time
		)
		if err = rows.Scan(&key, &payload, &ts); err != nil {
			return nil, err
		}
		out = append(out, model.SnapshotRecord{Key: key, Payload: payload, UpdatedAt: ts})
	}
	return out, rows.Err()
}

// Get returns the record with the exact key.
func (r snapshotReader) Get(ctx context.Context, key string) (*model.SnapshotRecord, error) {
	var rec model.SnapshotRecord
	err := r.db.Pool.QueryRow(ctx, r.getSQL, key).Scan(&rec.Key, &rec.Payload, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SnapshotRepo implements SnapshotRepository over the snapshots table.
type SnapshotRepo struct{ snapshotReader }

// NewSnapshotRepo constructs the current snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{snapshotReader: newSnapshotReader(db, "snapshots")}
}

var _ repository.SnapshotRepository = (*SnapshotRepo)(nil)

// Upsert writes rec keyed by rec.Key.
func (r *SnapshotRepo) Upsert(ctx context.Context, rec model.SnapshotRecord) error {
	const q = `
INSERT INTO snapshots (key, payload, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`
	_, err := r.db.Pool.Exec(ctx, q, rec.Key, rec.Payload, rec.UpdatedAt)
	return err
}

// Delete removes the record with key.
func (r *SnapshotRepo) Delete(ctx context.Context, key string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM snapshots WHERE key=$1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// LegacySnapshotRepo reads the title_snapshots table. It is never written.
type LegacySnapshotRepo struct{ snapshotReader }

// NewLegacySnapshotRepo constructs the legacy snapshot reader.
func NewLegacySnapshotRepo(db *DB) *LegacySnapshotRepo {
	return &LegacySnapshotRepo{snapshotReader: newSnapshotReader(db, "title_snapshots")}
}

var _ repository.SnapshotReader = (*LegacySnapshotRepo)(nil)
