package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
)

// itemColumns is the insert layout used by CopyFrom.
var itemColumns = []string{"id", "text", "main_category", "content_type", "scene_tags", "usage_count", "created_at"}

const itemSelect = `SELECT id, text, COALESCE(main_category,''), COALESCE(content_type,''), scene_tags, usage_count, created_at`

type itemQueries struct {
	listAsc, listDesc     string
	taggedAsc, taggedDesc string
	countAll, countTagged string
	deleteAll, deleteIDs  string
	updateText            string
}

var itemSQL = map[model.Collection]itemQueries{
	model.Titles:   buildItemQueries("titles"),
	model.Contents: buildItemQueries("contents"),
}

func buildItemQueries(table string) itemQueries {
	return itemQueries{
		listAsc:     fmt.Sprintf("%s FROM %s ORDER BY created_at ASC, id ASC", itemSelect, table),
		listDesc:    fmt.Sprintf("%s FROM %s ORDER BY created_at DESC, id DESC", itemSelect, table),
		taggedAsc:   fmt.Sprintf("%s FROM %s WHERE scene_tags @> ARRAY[$1]::text[] ORDER BY created_at ASC, id ASC", itemSelect, table),
		taggedDesc:  fmt.Sprintf("%s FROM %s WHERE scene_tags @> ARRAY[$1]::text[] ORDER BY created_at DESC, id DESC", itemSelect, table),
		countAll:    fmt.Sprintf("SELECT count(*) FROM %s", table),
		countTagged: fmt.Sprintf("SELECT count(*) FROM %s WHERE scene_tags @> ARRAY[$1]::text[]", table),
		deleteAll:   fmt.Sprintf("DELETE FROM %s", table),
		deleteIDs:   fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table),
		updateText:  fmt.Sprintf("UPDATE %s SET text=$2 WHERE id=$1", table),
	}
}

func queriesFor(coll model.Collection) (itemQueries, error) {
	q, ok := itemSQL[coll]
	if !ok {
		return itemQueries{}, fmt.Errorf("unknown collection %q", coll)
	}
	return q, nil
}

// ItemRepo implements ItemRepository using PostgreSQL.
type ItemRepo struct {
	db  *DB
	now func() time.Time
}

// NewItemRepo constructs an item repository.
func NewItemRepo(db *DB) *ItemRepo { return &ItemRepo{db: db, now: time.Now} }

var _ repository.ItemRepository = (*ItemRepo)(nil)

// ListAll returns every row of coll.
func (r *ItemRepo) ListAll(ctx context.Context, coll model.Collection, order model.SortOrder) ([]model.Item, error) {
	q, err := queriesFor(coll)
	if err != nil {
		return nil, err
	}
	sql := q.listAsc
	if order == model.Descending {
		sql = q.listDesc
	}
	return r.query(ctx, sql)
}

// ListTagged returns the rows whose scene_tags contain tag.
func (r *ItemRepo) ListTagged(ctx context.Context, coll model.Collection, tag string, order model.SortOrder) ([]model.Item, error) {
	q, err := queriesFor(coll)
	if err != nil {
		return nil, err
	}
	sql := q.taggedAsc
	if order == model.Descending {
		sql = q.taggedDesc
	}
	return r.query(ctx, sql, tag)
}

func (r *ItemRepo) query(ctx context.Context, sql string, args ...any) ([]model.Item, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Item{}
	for rows.Next() {
		var (
			it   model.Item
			id   string
			tags []string
		)
		if err = rows.Scan(&id, &it.Text, &it.MainCategory, &it.ContentType, &tags, &it.UsageCount, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.ID = model.ItemID(id)
		it.SceneTags = tags
		if it.SceneTags == nil {
			it.SceneTags = []string{}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountTagged counts rows carrying tag; empty tag counts all rows.
func (r *ItemRepo) CountTagged(ctx context.Context, coll model.Collection, tag string) (int, error) {
	q, err := queriesFor(coll)
	if err != nil {
		return 0, err
	}
	var row pgx.Row
	if tag == "" {
		row = r.db.Pool.QueryRow(ctx, q.countAll)
	} else {
		row = r.db.Pool.QueryRow(ctx, q.countTagged, tag)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReplacePartition deletes the selected rows and bulk-inserts rows in one transaction.
// Inserted rows get fresh ids; rows without created_at are stamped in list order.
func (r *ItemRepo) ReplacePartition(
	ctx context.Context, coll model.Collection, del repository.DeleteSet, rows []model.Item,
) (n int, err error) {
	q, err := queriesFor(coll)
	if err != nil {
		return 0, err
	}
	src, err := r.copyRows(rows)
	if err != nil {
		return 0, err
	}
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		switch {
		case del.All:
			if _, err := tx.Exec(ctx, q.deleteAll); err != nil {
				return err
			}
		case len(del.IDs) > 0:
			if _, err := tx.Exec(ctx, q.deleteIDs, idStrings(del.IDs)); err != nil {
				return err
			}
		}
		if len(src) == 0 {
			return nil
		}
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{string(coll)}, itemColumns, pgx.CopyFromRows(src))
		if err != nil {
			return err
		}
		n = int(copied)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *ItemRepo) copyRows(items []model.Item) ([][]any, error) {
	base := r.now().UTC()
	out := make([][]any, 0, len(items))
	for i, it := range items {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		created := it.CreatedAt
		if created.IsZero() {
			created = base.Add(time.Duration(i) * time.Microsecond)
		}
		tags := it.SceneTags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, []any{
			id.String(), it.Text, nullIfEmpty(it.MainCategory), nullIfEmpty(it.ContentType),
			tags, it.UsageCount, created,
		})
	}
	return out, nil
}

// DeleteByIDs removes the listed rows.
func (r *ItemRepo) DeleteByIDs(ctx context.Context, coll model.Collection, ids []model.ItemID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, err := queriesFor(coll)
	if err != nil {
		return 0, err
	}
	tag, err := r.db.Pool.Exec(ctx, q.deleteIDs, idStrings(ids))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdateText rewrites the text of one row.
func (r *ItemRepo) UpdateText(ctx context.Context, coll model.Collection, id model.ItemID, text string) error {
	q, err := queriesFor(coll)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, q.updateText, string(id), text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func idStrings(ids []model.ItemID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
