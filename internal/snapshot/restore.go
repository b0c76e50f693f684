package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
	"github.com/and161185/copydeck/internal/repository"
)

// Restorer rewrites a user's partition of the live collections from a payload.
type Restorer struct {
	items  repository.ItemRepository
	cfg    ConfigWriter
	order  model.SortOrder
	format func(time.Time) string
	now    func() time.Time
}

// NewRestorer constructs a Restorer. format renders the returned UpdatedText.
func NewRestorer(items repository.ItemRepository, cfg ConfigWriter, order model.SortOrder, format func(time.Time) string) *Restorer {
	if format == nil {
		format = func(t time.Time) string { return t.UTC().Format(TimeLayout) }
	}
	return &Restorer{items: items, cfg: cfg, order: order, format: format, now: time.Now}
}

// Restore replaces the rows of username in every collection covered by scope
// with the payload rows, then writes back non-empty configuration.
//
// Each collection is replaced atomically. When the payload does not carry
// contents (legacy documents) the contents collection is left untouched.
// With an empty username the whole collection is replaced.
func (r *Restorer) Restore(ctx context.Context, p model.Payload, scope model.Scope, username string) (model.SnapshotMeta, error) {
	if scope == "" {
		scope = model.ScopeBoth
	}
	meta := model.SnapshotMeta{Label: p.Label, Source: p.Provenance}

	if scope.Includes(model.Titles) {
		n, err := r.replace(ctx, model.Titles, p.Titles, username)
		if err != nil {
			return model.SnapshotMeta{}, err
		}
		meta.TitleCount = n
	}
	if scope.Includes(model.Contents) && p.CarriesContents() {
		n, err := r.replace(ctx, model.Contents, p.Contents, username)
		if err != nil {
			return model.SnapshotMeta{}, err
		}
		meta.ContentCount = n
	}

	if err := r.writeConfig(ctx, p, username); err != nil {
		return model.SnapshotMeta{}, err
	}

	meta.UpdatedAt = r.now().UTC()
	meta.UpdatedText = r.format(meta.UpdatedAt)
	return meta, nil
}

func (r *Restorer) replace(ctx context.Context, coll model.Collection, rows []model.Item, username string) (int, error) {
	rows = ownership.Retag(rows, username)

	del := repository.DeleteSet{All: username == ""}
	if !del.All {
		live, err := ownership.FetchAllForUser(ctx, r.items, coll, username, r.order)
		if err != nil {
			return 0, errs.Store(string(coll)+".list", "", err)
		}
		del.IDs = make([]model.ItemID, 0, len(live))
		for _, it := range live {
			del.IDs = append(del.IDs, it.ID)
		}
	}

	n, err := r.items.ReplacePartition(ctx, coll, del, rows)
	if err != nil {
		return 0, errs.Store(string(coll)+".replace", "", err)
	}
	return n, nil
}

// writeConfig never overwrites stored configuration with empty values.
func (r *Restorer) writeConfig(ctx context.Context, p model.Payload, username string) error {
	if len(p.Categories.Title) > 0 {
		if err := r.cfg.SaveCategoryList(ctx, username, model.Titles, p.Categories.Title); err != nil {
			return err
		}
	}
	if len(p.Categories.Content) > 0 {
		if err := r.cfg.SaveCategoryList(ctx, username, model.Contents, p.Categories.Content); err != nil {
			return err
		}
	}
	if p.ViewSettings == nil || p.ViewSettings.IsZero() {
		return nil
	}
	err := r.cfg.SaveDisplaySettings(ctx, username, *p.ViewSettings)
	// A theme the current validator rejects is treated like a missing one.
	if errors.Is(err, errs.ErrValidation) {
		return nil
	}
	return err
}
