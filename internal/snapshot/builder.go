// Package snapshot captures, stores and restores a user's whole working set:
// titles, contents, category lists and display settings.
package snapshot

import (
	"context"
	"strings"
	"time"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
)

// ConfigReader reads the per-user configuration carried in payloads.
type ConfigReader interface {
	Categories(ctx context.Context, username string) (model.CategoryLists, error)
	DisplaySettings(ctx context.Context, username string) (model.DisplaySettings, error)
}

// ConfigWriter writes configuration back on restore.
type ConfigWriter interface {
	SaveCategoryList(ctx context.Context, username string, coll model.Collection, list []string) error
	SaveDisplaySettings(ctx context.Context, username string, ds model.DisplaySettings) error
}

// BuildRequest describes one payload to assemble.
type BuildRequest struct {
	Username string
	Label    string
	// AllowEmptyLabel permits an unlabeled payload; only explicit callers set it.
	AllowEmptyLabel bool
	Source          model.Source
	// Titles and Contents are used when Source is model.SourceProvided.
	Titles   []model.Item
	Contents []model.Item
}

// Builder assembles payloads from the live collections or caller state.
type Builder struct {
	items ownership.Lister
	cfg   ConfigReader
	order model.SortOrder
	now   func() time.Time
}

// NewBuilder constructs a Builder reading rows in the given order.
func NewBuilder(items ownership.Lister, cfg ConfigReader, order model.SortOrder) *Builder {
	return &Builder{items: items, cfg: cfg, order: order, now: time.Now}
}

// Build returns a versioned payload for req.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (model.Payload, error) {
	label := strings.TrimSpace(req.Label)
	if label == "" && !req.AllowEmptyLabel {
		return model.Payload{}, errs.Validation("snapshot label is empty")
	}

	var titles, contents []model.Item
	switch req.Source {
	case model.SourceLive, "":
		var err error
		if titles, err = b.fetch(ctx, model.Titles, req.Username); err != nil {
			return model.Payload{}, err
		}
		if contents, err = b.fetch(ctx, model.Contents, req.Username); err != nil {
			return model.Payload{}, err
		}
	case model.SourceProvided:
		titles, contents = req.Titles, req.Contents
	default:
		return model.Payload{}, errs.Validation("unknown source %q", req.Source)
	}

	cats, err := b.cfg.Categories(ctx, req.Username)
	if err != nil {
		return model.Payload{}, err
	}
	view, err := b.cfg.DisplaySettings(ctx, req.Username)
	if err != nil {
		return model.Payload{}, err
	}

	return model.Payload{
		Version:      model.PayloadVersion,
		Label:        label,
		UpdatedAt:    b.now().UTC(),
		Titles:       nonNil(titles),
		Contents:     nonNil(contents),
		Categories:   cats,
		ViewSettings: &view,
	}, nil
}

func (b *Builder) fetch(ctx context.Context, coll model.Collection, username string) ([]model.Item, error) {
	items, err := ownership.FetchAllForUser(ctx, b.items, coll, username, b.order)
	if err != nil {
		return nil, errs.Store(string(coll)+".list", "", err)
	}
	return items, nil
}

func nonNil(items []model.Item) []model.Item {
	if items == nil {
		return []model.Item{}
	}
	return items
}
