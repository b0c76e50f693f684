package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
	"github.com/and161185/copydeck/internal/snapshot"
)

const (
	// DefaultListLimit is used when a caller asks for a non-positive number of snapshots.
	DefaultListLimit = 5
	// SearchWindow is how many recent snapshots a label search scans.
	SearchWindow = 100
	// DefaultPageSize is the search page size when none is given.
	DefaultPageSize = 10
)

// PayloadBuilder assembles snapshot payloads.
type PayloadBuilder interface {
	Build(ctx context.Context, req snapshot.BuildRequest) (model.Payload, error)
}

// SnapshotStore persists and reads snapshot payloads.
type SnapshotStore interface {
	Save(ctx context.Context, p model.Payload, username string) (model.SnapshotMeta, error)
	List(ctx context.Context, limit int, username string) ([]model.SnapshotMeta, error)
	Fetch(ctx context.Context, key, username string) (model.Payload, error)
	Delete(ctx context.Context, key, username string) error
}

// PartitionRestorer rewrites live collections from a payload.
type PartitionRestorer interface {
	Restore(ctx context.Context, p model.Payload, scope model.Scope, username string) (model.SnapshotMeta, error)
}

// ItemCounter counts rows carrying an ownership tag.
type ItemCounter interface {
	CountTagged(ctx context.Context, coll model.Collection, tag string) (int, error)
}

// SearchResult is one page of a label search.
type SearchResult struct {
	Items []model.SnapshotMeta
	Total int
	Page  int
	Pages int
}

// Overview summarizes a user's partition.
type Overview struct {
	Titles   int
	Contents int
	Latest   *model.SnapshotMeta
}

// SnapshotService exposes the snapshot operations to the transport.
type SnapshotService struct {
	builder  PayloadBuilder
	store    SnapshotStore
	restorer PartitionRestorer
	counter  ItemCounter
	log      *zap.Logger
}

// NewSnapshotService constructs SnapshotService.
func NewSnapshotService(b PayloadBuilder, st SnapshotStore, r PartitionRestorer, c ItemCounter, log *zap.Logger) *SnapshotService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotService{builder: b, store: st, restorer: r, counter: c, log: log}
}

// SaveSnapshot captures the live partition of username. An empty label is rejected.
func (s *SnapshotService) SaveSnapshot(ctx context.Context, username, label string) (model.SnapshotMeta, error) {
	return s.save(ctx, snapshot.BuildRequest{Username: username, Label: label, Source: model.SourceLive})
}

// SaveSnapshotFromState captures caller-held rows, keeping fields the store does not persist.
func (s *SnapshotService) SaveSnapshotFromState(ctx context.Context, username, label string, titles, contents []model.Item) (model.SnapshotMeta, error) {
	return s.save(ctx, snapshot.BuildRequest{
		Username: username,
		Label:    label,
		Source:   model.SourceProvided,
		Titles:   titles,
		Contents: contents,
	})
}

func (s *SnapshotService) save(ctx context.Context, req snapshot.BuildRequest) (model.SnapshotMeta, error) {
	p, err := s.builder.Build(ctx, req)
	if err != nil {
		return model.SnapshotMeta{}, err
	}
	meta, err := s.store.Save(ctx, p, req.Username)
	if err != nil {
		s.log.Warn("snapshot save failed", zap.String("user", req.Username), zap.Error(err))
		return model.SnapshotMeta{}, err
	}
	s.log.Info("snapshot saved",
		zap.String("user", req.Username),
		zap.String("key", meta.Key),
		zap.String("source", string(req.Source)),
		zap.Int("titles", meta.TitleCount),
		zap.Int("contents", meta.ContentCount),
	)
	return meta, nil
}

// ListSnapshots returns up to limit recent snapshots; limit <= 0 means DefaultListLimit
// and larger values are capped at SearchWindow.
func (s *SnapshotService) ListSnapshots(ctx context.Context, username string, limit int) ([]model.SnapshotMeta, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.List(ctx, min(limit, SearchWindow), username)
}

// LoadSnapshot restores the snapshot under key into the live partition of username.
func (s *SnapshotService) LoadSnapshot(ctx context.Context, username, key string, scope model.Scope) (model.SnapshotMeta, error) {
	p, err := s.store.Fetch(ctx, key, username)
	if err != nil {
		return model.SnapshotMeta{}, err
	}
	meta, err := s.restorer.Restore(ctx, p, scope, username)
	if err != nil {
		s.log.Error("snapshot restore failed",
			zap.String("user", username), zap.String("key", key), zap.String("scope", string(scope)), zap.Error(err))
		return model.SnapshotMeta{}, err
	}
	meta.Key = key
	s.log.Info("snapshot restored",
		zap.String("user", username),
		zap.String("key", key),
		zap.String("scope", string(scope)),
		zap.String("provenance", string(p.Provenance)),
		zap.Int("titles", meta.TitleCount),
		zap.Int("contents", meta.ContentCount),
	)
	return meta, nil
}

// SearchSnapshots filters the SearchWindow most recent snapshots by label substring
// and returns one page. Out-of-range pages are clamped.
func (s *SnapshotService) SearchSnapshots(ctx context.Context, username, query string, page, pageSize int) (SearchResult, error) {
	list, err := s.store.List(ctx, SearchWindow, username)
	if err != nil {
		return SearchResult{}, err
	}
	query = strings.TrimSpace(query)
	matched := list
	if query != "" {
		matched = make([]model.SnapshotMeta, 0, len(list))
		for _, m := range list {
			if strings.Contains(m.Label, query) {
				matched = append(matched, m)
			}
		}
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := max(1, (len(matched)+pageSize-1)/pageSize)
	page = min(max(page, 1), pages)
	lo := (page - 1) * pageSize
	hi := min(lo+pageSize, len(matched))

	return SearchResult{Items: matched[lo:hi], Total: len(matched), Page: page, Pages: pages}, nil
}

// DeleteSnapshot removes one of the caller's snapshots.
func (s *SnapshotService) DeleteSnapshot(ctx context.Context, username, key string) error {
	if err := s.store.Delete(ctx, key, username); err != nil {
		return err
	}
	s.log.Info("snapshot deleted", zap.String("user", username), zap.String("key", key))
	return nil
}

// Overview returns row counts of the caller's partition and the newest snapshot.
func (s *SnapshotService) Overview(ctx context.Context, username string) (Overview, error) {
	tag := ""
	if username != "" {
		tag = ownership.TagFor(username)
	}
	var ov Overview
	var err error
	if ov.Titles, err = s.counter.CountTagged(ctx, model.Titles, tag); err != nil {
		return Overview{}, errs.Store("titles.count", "", err)
	}
	if ov.Contents, err = s.counter.CountTagged(ctx, model.Contents, tag); err != nil {
		return Overview{}, errs.Store("contents.count", "", err)
	}
	latest, err := s.store.List(ctx, 1, username)
	if err != nil {
		return Overview{}, err
	}
	if len(latest) > 0 {
		ov.Latest = &latest[0]
	}
	return ov, nil
}
