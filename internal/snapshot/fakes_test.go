package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
)

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// memItems is an in-memory ItemRepository. ReplacePartition is all-or-nothing.
type memItems struct {
	rows       map[model.Collection][]model.Item
	seq        int
	listErr    error
	replaceErr error
	replaced   []model.Collection
}

func newMemItems() *memItems { return &memItems{rows: map[model.Collection][]model.Item{}} }

func (m *memItems) add(coll model.Collection, text string, tags ...string) {
	m.seq++
	m.rows[coll] = append(m.rows[coll], model.Item{
		ID:        model.ItemID(fmt.Sprintf("id-%d", m.seq)),
		Text:      text,
		SceneTags: tags,
		CreatedAt: base.Add(time.Duration(m.seq) * time.Second),
	})
}

func (m *memItems) sorted(coll model.Collection, order model.SortOrder) []model.Item {
	out := slices.Clone(m.rows[coll])
	sort.SliceStable(out, func(i, j int) bool {
		if order == model.Descending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memItems) ListAll(_ context.Context, coll model.Collection, order model.SortOrder) ([]model.Item, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sorted(coll, order), nil
}

func (m *memItems) ListTagged(_ context.Context, coll model.Collection, tag string, order model.SortOrder) ([]model.Item, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Item
	for _, it := range m.sorted(coll, order) {
		if slices.Contains(it.SceneTags, tag) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memItems) CountTagged(ctx context.Context, coll model.Collection, tag string) (int, error) {
	if tag == "" {
		return len(m.rows[coll]), nil
	}
	items, err := m.ListTagged(ctx, coll, tag, model.Ascending)
	return len(items), err
}

func (m *memItems) ReplacePartition(_ context.Context, coll model.Collection, del repository.DeleteSet, rows []model.Item) (int, error) {
	if m.replaceErr != nil {
		return 0, m.replaceErr
	}
	m.replaced = append(m.replaced, coll)
	var kept []model.Item
	if !del.All {
		for _, it := range m.rows[coll] {
			if !slices.Contains(del.IDs, it.ID) {
				kept = append(kept, it)
			}
		}
	}
	for _, r := range rows {
		m.seq++
		r.ID = model.ItemID(fmt.Sprintf("id-%d", m.seq))
		if r.CreatedAt.IsZero() {
			r.CreatedAt = base.Add(time.Duration(m.seq) * time.Second)
		}
		kept = append(kept, r)
	}
	m.rows[coll] = kept
	return len(rows), nil
}

func (m *memItems) DeleteByIDs(_ context.Context, coll model.Collection, ids []model.ItemID) (int64, error) {
	var kept []model.Item
	var n int64
	for _, it := range m.rows[coll] {
		if slices.Contains(ids, it.ID) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	m.rows[coll] = kept
	return n, nil
}

func (m *memItems) UpdateText(_ context.Context, coll model.Collection, id model.ItemID, text string) error {
	for i := range m.rows[coll] {
		if m.rows[coll][i].ID == id {
			m.rows[coll][i].Text = text
			return nil
		}
	}
	return errs.ErrNotFound
}

// memSnapshots is an in-memory SnapshotRepository.
type memSnapshots struct {
	recs    map[string]model.SnapshotRecord
	calls   int
	err     error
	lastLim int
}

func newMemSnapshots() *memSnapshots { return &memSnapshots{recs: map[string]model.SnapshotRecord{}} }

func (m *memSnapshots) put(key, doc string, at time.Time) {
	m.recs[key] = model.SnapshotRecord{Key: key, Payload: []byte(doc), UpdatedAt: at}
}

func (m *memSnapshots) ListRecent(_ context.Context, pattern string, limit int) ([]model.SnapshotRecord, error) {
	m.calls++
	m.lastLim = limit
	if m.err != nil {
		return nil, m.err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var out []model.SnapshotRecord
	for _, r := range m.recs {
		if re.MatchString(r.Key) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSnapshots) Get(_ context.Context, key string) (*model.SnapshotRecord, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.recs[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (m *memSnapshots) Upsert(_ context.Context, rec model.SnapshotRecord) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.recs[rec.Key] = rec
	return nil
}

func (m *memSnapshots) Delete(_ context.Context, key string) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	if _, ok := m.recs[key]; !ok {
		return errs.ErrNotFound
	}
	delete(m.recs, key)
	return nil
}

// memKV backs a settings.Store.
type memKV map[string]string

func (m memKV) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memKV) Set(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

// stepClock returns base, base+1s, base+2s, ...
func stepClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}
