package service

import (
	"bytes"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/export"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
	"github.com/and161185/copydeck/internal/repository"
)

// CategoryAdmin maintains the per-user category lists.
type CategoryAdmin interface {
	CopyCategories(ctx context.Context, username string, from, to model.Collection) error
	ResetCategories(ctx context.Context, username string) error
}

// ExportResult describes an uploaded export.
type ExportResult struct {
	Key  string
	URL  string
	Rows int
}

// CatalogService runs maintenance over the caller's partition of the item collections.
type CatalogService struct {
	items   repository.ItemRepository
	cats    CategoryAdmin
	objects export.ObjectStore
	order   model.SortOrder
	now     func() time.Time
	log     *zap.Logger
}

// NewCatalogService constructs CatalogService. A nil objects store disables exports.
func NewCatalogService(items repository.ItemRepository, cats CategoryAdmin, objects export.ObjectStore, order model.SortOrder, log *zap.Logger) *CatalogService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CatalogService{items: items, cats: cats, objects: objects, order: order, now: time.Now, log: log}
}

func (s *CatalogService) rows(ctx context.Context, username string, coll model.Collection) ([]model.Item, error) {
	if !coll.Valid() {
		return nil, errs.Validation("unknown collection %q", coll)
	}
	items, err := ownership.FetchAllForUser(ctx, s.items, coll, username, s.order)
	if err != nil {
		return nil, errs.Store(string(coll)+".list", "", err)
	}
	return items, nil
}

// Export encodes the caller's rows of coll and uploads them to object storage.
func (s *CatalogService) Export(ctx context.Context, username string, coll model.Collection, f export.Format) (ExportResult, error) {
	if s.objects == nil {
		return ExportResult{}, errs.Validation("export storage is not configured")
	}
	items, err := s.rows(ctx, username, coll)
	if err != nil {
		return ExportResult{}, err
	}
	var buf bytes.Buffer
	if err := export.Encode(&buf, f, items); err != nil {
		return ExportResult{}, errs.Validation("%v", err)
	}
	key := export.ObjectKey(username, coll, f, s.now())
	url, err := s.objects.Put(ctx, key, buf.Bytes(), f.ContentType())
	if err != nil {
		return ExportResult{}, errs.Store("export.put", key, err)
	}
	s.log.Info("collection exported",
		zap.String("user", username), zap.String("collection", string(coll)),
		zap.String("key", key), zap.Int("rows", len(items)))
	return ExportResult{Key: key, URL: url, Rows: len(items)}, nil
}

// NormalizeText collapses whitespace runs to one space and trims.
func NormalizeText(s string) string { return strings.Join(strings.Fields(s), " ") }

// Dedup deletes rows whose normalized, case-folded text repeats, keeping the oldest.
func (s *CatalogService) Dedup(ctx context.Context, username string, coll model.Collection) (int, error) {
	items, err := s.rows(ctx, username, coll)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]model.Item, len(items))
	var drop []model.ItemID
	for _, it := range items {
		k := strings.ToLower(NormalizeText(it.Text))
		if k == "" {
			continue
		}
		cur, seen := keep[k]
		switch {
		case !seen:
			keep[k] = it
		case it.CreatedAt.Before(cur.CreatedAt):
			drop = append(drop, cur.ID)
			keep[k] = it
		default:
			drop = append(drop, it.ID)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	n, err := s.items.DeleteByIDs(ctx, coll, drop)
	if err != nil {
		return 0, errs.Store(string(coll)+".delete", "", err)
	}
	s.log.Info("duplicates removed",
		zap.String("user", username), zap.String("collection", string(coll)), zap.Int64("rows", n))
	return int(n), nil
}

// Normalize rewrites texts with irregular whitespace and returns the number changed.
func (s *CatalogService) Normalize(ctx context.Context, username string, coll model.Collection) (int, error) {
	items, err := s.rows(ctx, username, coll)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, it := range items {
		t := NormalizeText(it.Text)
		if t == it.Text || t == "" {
			continue
		}
		if err := s.items.UpdateText(ctx, coll, it.ID, t); err != nil {
			return changed, errs.Store(string(coll)+".update", string(it.ID), err)
		}
		changed++
	}
	s.log.Info("texts normalized",
		zap.String("user", username), zap.String("collection", string(coll)), zap.Int("rows", changed))
	return changed, nil
}

// CopyCategories overwrites the category list of to with the list of from.
func (s *CatalogService) CopyCategories(ctx context.Context, username string, from, to model.Collection) error {
	if !from.Valid() || !to.Valid() || from == to {
		return errs.Validation("cannot copy categories from %q to %q", from, to)
	}
	return s.cats.CopyCategories(ctx, username, from, to)
}

// ResetCategories restores the default category lists.
func (s *CatalogService) ResetCategories(ctx context.Context, username string) error {
	return s.cats.ResetCategories(ctx, username)
}
