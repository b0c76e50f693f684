package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
)

// TimeLayout formats SnapshotMeta.UpdatedText.
const TimeLayout = "2006-01-02 15:04:05"

// MaxListLimit bounds the number of snapshots one List call may return.
const MaxListLimit = 1000

// Store persists payloads in the current collection and reads the legacy one as a fallback.
type Store struct {
	primary repository.SnapshotRepository
	legacy  repository.SnapshotReader
	loc     *time.Location
	now     func() time.Time
}

// NewStore constructs a Store. A nil loc formats times in UTC.
func NewStore(primary repository.SnapshotRepository, legacy repository.SnapshotReader, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{primary: primary, legacy: legacy, loc: loc, now: time.Now}
}

// FormatTime renders t the way snapshot metadata shows it.
func (s *Store) FormatTime(t time.Time) string { return t.In(s.loc).Format(TimeLayout) }

// Save writes p under a fresh key of username. Keys have millisecond
// resolution: two saves by one user within the same millisecond share a key
// and the later one overwrites the earlier.
func (s *Store) Save(ctx context.Context, p model.Payload, username string) (model.SnapshotMeta, error) {
	now := s.now()
	key := NewKey(username, now)

	doc, err := json.Marshal(p)
	if err != nil {
		return model.SnapshotMeta{}, fmt.Errorf("encode snapshot %q: %w", key, err)
	}
	rec := model.SnapshotRecord{Key: key, Payload: doc, UpdatedAt: now.UTC()}
	if err := s.primary.Upsert(ctx, rec); err != nil {
		return model.SnapshotMeta{}, errs.Store("snapshots.upsert", key, err)
	}
	p.Provenance = model.ProvenanceCurrent
	return s.meta(key, p, rec.UpdatedAt), nil
}

// List returns at most limit snapshots of username, newest first. When the
// current collection has none, the legacy collection is listed instead.
func (s *Store) List(ctx context.Context, limit int, username string) ([]model.SnapshotMeta, error) {
	if limit <= 0 || limit > MaxListLimit {
		return nil, errs.Validation("limit must be in 1..%d, got %d", MaxListLimit, limit)
	}

	recs, err := s.primary.ListRecent(ctx, ListPattern(username, true), 2*limit)
	if err != nil {
		return nil, errs.Store("snapshots.list", "", err)
	}
	out := s.collect(recs, limit, username, model.ProvenanceCurrent)
	if len(out) > 0 {
		return out, nil
	}

	recs, err = s.legacy.ListRecent(ctx, ListPattern(username, false), 2*limit)
	if err != nil {
		return nil, errs.Store("title_snapshots.list", "", err)
	}
	return s.collect(recs, limit, username, model.ProvenanceLegacy), nil
}

func (s *Store) collect(recs []model.SnapshotRecord, limit int, username string, src model.Provenance) []model.SnapshotMeta {
	out := make([]model.SnapshotMeta, 0, min(limit, len(recs)))
	for _, rec := range recs {
		if len(out) == limit {
			break
		}
		if !visible(rec.Key, username, src == model.ProvenanceCurrent) {
			continue
		}
		p, err := decode(rec.Payload, src)
		// Undecodable rows count as placeholders.
		if err != nil || p.IsEmpty() {
			continue
		}
		out = append(out, s.meta(rec.Key, p, rec.UpdatedAt))
	}
	return out
}

// Fetch returns the payload stored under key. Access is checked before any store call.
func (s *Store) Fetch(ctx context.Context, key, username string) (model.Payload, error) {
	if err := CheckAccess(key, username); err != nil {
		return model.Payload{}, err
	}

	rec, src, err := s.lookup(ctx, key)
	if err != nil {
		return model.Payload{}, err
	}
	p, err := decode(rec.Payload, src)
	if err != nil {
		return model.Payload{}, errs.Store(string(src)+".decode", key, err)
	}
	return p, nil
}

func (s *Store) lookup(ctx context.Context, key string) (*model.SnapshotRecord, model.Provenance, error) {
	rec, err := s.primary.Get(ctx, key)
	if err == nil {
		return rec, model.ProvenanceCurrent, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, "", errs.Store("snapshots.get", key, err)
	}

	rec, err = s.legacy.Get(ctx, key)
	if err == nil {
		return rec, model.ProvenanceLegacy, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return nil, "", fmt.Errorf("snapshot %q: %w", key, errs.ErrNotFound)
	}
	return nil, "", errs.Store("title_snapshots.get", key, err)
}

// Delete removes a snapshot of username from the current collection.
// Shared legacy records can only be removed by anonymous callers.
func (s *Store) Delete(ctx context.Context, key, username string) error {
	if err := CheckAccess(key, username); err != nil {
		return err
	}
	if username != "" && IsLegacyKey(key) {
		return errs.Permission(key, "shared record is read-only")
	}
	err := s.primary.Delete(ctx, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("snapshot %q: %w", key, errs.ErrNotFound)
	default:
		return errs.Store("snapshots.delete", key, err)
	}
}

func (s *Store) meta(key string, p model.Payload, at time.Time) model.SnapshotMeta {
	m := model.SnapshotMeta{
		Key:          key,
		Label:        p.Label,
		TitleCount:   len(p.Titles),
		ContentCount: len(p.Contents),
		UpdatedAt:    at,
		UpdatedText:  s.FormatTime(at),
		Source:       p.Provenance,
	}
	if p.Provenance == model.ProvenanceLegacy {
		m.ContentCount = 0
	}
	return m
}

func decode(doc []byte, src model.Provenance) (model.Payload, error) {
	var p model.Payload
	if err := json.Unmarshal(doc, &p); err != nil {
		return model.Payload{}, err
	}
	p.Provenance = src
	return p, nil
}
