package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
	"github.com/and161185/copydeck/internal/settings"
)

type env struct {
	items    *memItems
	primary  *memSnapshots
	legacy   *memSnapshots
	kv       memKV
	cfg      *settings.Store
	builder  *Builder
	store    *Store
	restorer *Restorer
}

func newEnv() *env {
	e := &env{items: newMemItems(), primary: newMemSnapshots(), legacy: newMemSnapshots(), kv: memKV{}}
	e.cfg = settings.NewStore(e.kv)
	e.builder = NewBuilder(e.items, e.cfg, model.Ascending)
	e.builder.now = func() time.Time { return base }
	e.store = NewStore(e.primary, e.legacy, time.UTC)
	e.store.now = stepClock()
	e.restorer = NewRestorer(e.items, e.cfg, model.Ascending, e.store.FormatTime)
	e.restorer.now = func() time.Time { return base }
	return e
}

func (e *env) visible(coll model.Collection, user string) []model.Item {
	items, _ := ownership.FetchAllForUser(context.Background(), e.items, coll, user, model.Ascending)
	return items
}

func texts(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}

func TestBuild_LabelGuard(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()

	for _, label := range []string{"", "   ", "\t\n"} {
		_, err := e.builder.Build(ctx, BuildRequest{Username: "alice", Label: label, Source: model.SourceLive})
		require.ErrorIs(t, err, errs.ErrValidation, "label %q", label)
	}

	p, err := e.builder.Build(ctx, BuildRequest{Username: "alice", AllowEmptyLabel: true})
	require.NoError(t, err)
	require.Empty(t, p.Label)
}

func TestBuild_Live(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Titles, "mine", "夜景", "user:alice")
	e.items.add(model.Titles, "theirs", "user:bob")
	e.kv["title_categories_v1_alice"] = `["烟花"]`

	p, err := e.builder.Build(context.Background(), BuildRequest{Username: "alice", Label: "  backup  ", Source: model.SourceLive})
	require.NoError(t, err)
	require.Equal(t, "backup", p.Label)
	require.Equal(t, model.PayloadVersion, p.Version)
	require.Equal(t, base, p.UpdatedAt)
	require.Equal(t, []string{"mine"}, texts(p.Titles))
	require.NotNil(t, p.Contents)
	require.Empty(t, p.Contents)
	require.Equal(t, []string{"全部", "烟花"}, p.Categories.Title)
	require.Equal(t, settings.DefaultCategories, p.Categories.Content)
	require.NotNil(t, p.ViewSettings)
	require.Equal(t, "#1990ff", p.ViewSettings.BrandColor)
}

func TestBuild_ProvidedKeepsClientFields(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Titles, "live", "user:alice")

	p, err := e.builder.Build(context.Background(), BuildRequest{
		Username: "alice",
		Label:    "state",
		Source:   model.SourceProvided,
		Titles:   []model.Item{{Text: "pending", Starred: true}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pending"}, texts(p.Titles))
	require.True(t, p.Titles[0].Starred)
	require.NotNil(t, p.Contents)

	_, err = e.builder.Build(context.Background(), BuildRequest{Label: "x", Source: "cloud"})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestBuild_StoreError(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.listErr = errors.New("offline")

	_, err := e.builder.Build(context.Background(), BuildRequest{Username: "alice", Label: "x"})
	var se *errs.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "titles.list", se.Op)
}

func TestSave_UpsertsUnderNamespace(t *testing.T) {
	t.Parallel()
	e := newEnv()
	p := model.Payload{Version: model.PayloadVersion, Label: "b", Titles: []model.Item{{Text: "a"}}, Contents: []model.Item{}}

	m, err := e.store.Save(context.Background(), p, "alice")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(m.Key, "user_alice_manual_"))
	require.Equal(t, 1, m.TitleCount)
	require.Equal(t, model.ProvenanceCurrent, m.Source)
	require.Equal(t, "2025-03-01 08:00:01", m.UpdatedText)
	require.Contains(t, e.primary.recs, m.Key)

	anon, err := e.store.Save(context.Background(), p, "")
	require.NoError(t, err)
	require.True(t, IsLegacyKey(anon.Key))
}

func TestSave_SameMillisecondSharesKey(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.store.now = func() time.Time { return base }
	first := model.Payload{Label: "first", Titles: []model.Item{{Text: "a"}}, Contents: []model.Item{}}
	second := model.Payload{Label: "second", Titles: []model.Item{{Text: "b"}}, Contents: []model.Item{}}

	m1, err := e.store.Save(context.Background(), first, "alice")
	require.NoError(t, err)
	m2, err := e.store.Save(context.Background(), second, "alice")
	require.NoError(t, err)
	require.Equal(t, m1.Key, m2.Key)
	require.Len(t, e.primary.recs, 1)

	p, err := e.store.Fetch(context.Background(), m1.Key, "alice")
	require.NoError(t, err)
	require.Equal(t, "second", p.Label)
}

func TestSave_StoreErrorCarriesKey(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.primary.err = errors.New("503")

	_, err := e.store.Save(context.Background(), model.Payload{Label: "x"}, "alice")
	require.ErrorIs(t, err, errs.ErrStore)
	var se *errs.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "snapshots.upsert", se.Op)
	require.Equal(t, "user_alice_manual_1740816001000", se.Key)
}

func TestScenario_SaveThenLoadRestoresExactly(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		e.items.add(model.Titles, fmt.Sprintf("t%d", i), "亲子", "user:alice")
	}
	for i := 1; i <= 2; i++ {
		e.items.add(model.Contents, fmt.Sprintf("c%d", i), "user:alice")
	}

	p, err := e.builder.Build(ctx, BuildRequest{Username: "alice", Label: "backup-1", Source: model.SourceLive})
	require.NoError(t, err)
	saved, err := e.store.Save(ctx, p, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, saved.TitleCount)
	require.Equal(t, 2, saved.ContentCount)

	e.items.rows = map[model.Collection][]model.Item{}

	got, err := e.store.Fetch(ctx, saved.Key, "alice")
	require.NoError(t, err)
	require.Equal(t, model.ProvenanceCurrent, got.Provenance)
	meta, err := e.restorer.Restore(ctx, got, model.ScopeBoth, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, meta.TitleCount)
	require.Equal(t, 2, meta.ContentCount)
	require.Equal(t, "backup-1", meta.Label)

	require.Equal(t, []string{"t1", "t2", "t3"}, texts(e.items.rows[model.Titles]))
	require.Equal(t, []string{"c1", "c2"}, texts(e.items.rows[model.Contents]))
	for _, coll := range []model.Collection{model.Titles, model.Contents} {
		for _, it := range e.items.rows[coll] {
			owner, ok := ownership.OwnerOf(it.SceneTags)
			require.True(t, ok)
			require.Equal(t, "alice", owner)
		}
	}
	require.Equal(t, []string{"亲子", "user:alice"}, e.items.rows[model.Titles][0].SceneTags)
}

func TestRestore_OwnershipExclusivity(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Titles, "old-alice", "user:alice")
	e.items.add(model.Titles, "bob-keeps", "user:bob")

	p := model.Payload{
		Version: model.PayloadVersion,
		Titles: []model.Item{
			{ID: "9", Text: "imported", SceneTags: []string{"user:bob", "user:carol", "夜景"}},
			{Text: "untagged"},
		},
		Contents:   []model.Item{},
		Provenance: model.ProvenanceCurrent,
	}
	_, err := e.restorer.Restore(context.Background(), p, model.ScopeTitles, "alice")
	require.NoError(t, err)

	mine := e.visible(model.Titles, "alice")
	require.Equal(t, []string{"imported", "untagged"}, texts(mine))
	for _, it := range mine {
		n := 0
		for _, tag := range it.SceneTags {
			if ownership.IsOwnershipTag(tag) {
				n++
				require.Equal(t, "user:alice", tag)
			}
		}
		require.Equal(t, 1, n)
	}
	require.Equal(t, []string{"bob-keeps"}, texts(e.visible(model.Titles, "bob")))
	require.Equal(t, []model.Collection{model.Titles}, e.items.replaced)
}

func TestRestore_EmptyListEmptiesPartition(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Contents, "c", "user:alice")
	p := model.Payload{Version: model.PayloadVersion, Titles: []model.Item{}, Contents: []model.Item{}}

	meta, err := e.restorer.Restore(context.Background(), p, model.ScopeBoth, "alice")
	require.NoError(t, err)
	require.Zero(t, meta.ContentCount)
	require.Empty(t, e.items.rows[model.Contents])
}

func TestRestore_LegacyPayloadLeavesContentsUntouched(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()
	e.items.add(model.Contents, "keep-me", "user:alice")
	e.legacy.put("snap_100", `{"label":"old","titles":[{"id":7,"text":"legacy title","scene_tags":[]}]}`, base)

	p, err := e.store.Fetch(ctx, "snap_100", "alice")
	require.NoError(t, err)
	require.Equal(t, model.ProvenanceLegacy, p.Provenance)
	require.Nil(t, p.Contents)
	require.Equal(t, model.ItemID("7"), p.Titles[0].ID)

	meta, err := e.restorer.Restore(ctx, p, model.ScopeBoth, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, meta.TitleCount)
	require.Zero(t, meta.ContentCount)
	require.Equal(t, []string{"legacy title"}, texts(e.items.rows[model.Titles]))
	require.Equal(t, []string{"keep-me"}, texts(e.items.rows[model.Contents]))
	require.Equal(t, []model.Collection{model.Titles}, e.items.replaced)
}

func TestRestore_CurrentPayloadWithoutContentsKeyZeroes(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Contents, "c", "user:alice")
	p := model.Payload{Version: model.PayloadVersion, Provenance: model.ProvenanceCurrent}

	_, err := e.restorer.Restore(context.Background(), p, model.ScopeContents, "alice")
	require.NoError(t, err)
	require.Empty(t, e.items.rows[model.Contents])
}

func TestRestore_AnonymousReplacesWholeCollection(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Titles, "a", "user:alice")
	e.items.add(model.Titles, "shared")
	p := model.Payload{Version: model.PayloadVersion, Titles: []model.Item{{Text: "n", SceneTags: []string{"user:bob", "x"}}}}

	_, err := e.restorer.Restore(context.Background(), p, model.ScopeTitles, "")
	require.NoError(t, err)
	require.Equal(t, []string{"n"}, texts(e.items.rows[model.Titles]))
	require.Equal(t, []string{"x"}, e.items.rows[model.Titles][0].SceneTags)
}

func TestRestore_ReplaceFailureKeepsLiveRows(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.items.add(model.Titles, "live", "user:alice")
	e.items.replaceErr = errors.New("insert failed")
	p := model.Payload{Version: model.PayloadVersion, Titles: []model.Item{{Text: "n"}}}

	_, err := e.restorer.Restore(context.Background(), p, model.ScopeBoth, "alice")
	var se *errs.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "titles.replace", se.Op)
	require.Equal(t, []string{"live"}, texts(e.items.rows[model.Titles]))
}

func TestRestore_ConfigWrittenOnlyWhenPresent(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()
	e.kv["content_categories_v1_alice"] = `["全部","保留"]`

	p := model.Payload{
		Version:      model.PayloadVersion,
		Categories:   model.CategoryLists{Title: []string{"夜景"}},
		ViewSettings: &model.DisplaySettings{},
	}
	_, err := e.restorer.Restore(ctx, p, model.ScopeBoth, "alice")
	require.NoError(t, err)
	require.JSONEq(t, `["全部","夜景"]`, e.kv["title_categories_v1_alice"])
	require.JSONEq(t, `["全部","保留"]`, e.kv["content_categories_v1_alice"])
	require.NotContains(t, e.kv, "display_settings_v1_alice")

	p.ViewSettings = &model.DisplaySettings{BrandColor: "blue"}
	_, err = e.restorer.Restore(ctx, p, model.ScopeBoth, "alice")
	require.NoError(t, err)
	require.NotContains(t, e.kv, "display_settings_v1_alice")

	p.ViewSettings = &model.DisplaySettings{BrandColor: "#112233", Scenes: []string{"港迪城堡"}}
	_, err = e.restorer.Restore(ctx, p, model.ScopeBoth, "alice")
	require.NoError(t, err)
	ds, err := e.cfg.DisplaySettings(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "#112233", ds.BrandColor)
	require.Equal(t, []string{"港迪城堡"}, ds.Scenes)
}

func TestList_OnlyOwnRecordsUpToLimit(t *testing.T) {
	t.Parallel()
	e := newEnv()
	doc := `{"version":3,"label":"L","titles":[{"text":"t"}],"contents":[]}`
	for i := 0; i < 7; i++ {
		e.primary.put(fmt.Sprintf("user_alice_manual_%d", 1000+i), doc, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 0; i < 2; i++ {
		e.primary.put(fmt.Sprintf("user_bob_manual_%d", 2000+i), doc, base.Add(time.Hour))
	}

	got, err := e.store.List(context.Background(), 5, "alice")
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, 10, e.primary.lastLim)
	require.Equal(t, "user_alice_manual_1006", got[0].Key)
	for _, m := range got {
		require.True(t, strings.HasPrefix(m.Key, "user_alice_"))
		require.Equal(t, model.ProvenanceCurrent, m.Source)
	}
	require.Zero(t, e.legacy.calls)
}

func TestList_Filters(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.primary.put("user_alice_profile", `{"label":"profile","titles":[{"text":"x"}]}`, base.Add(5*time.Minute))
	e.primary.put("user_alice_profile_v2", `{"label":"p2"}`, base.Add(4*time.Minute))
	e.primary.put("user_alice_manual_1", `{"label":"","titles":[],"contents":[]}`, base.Add(3*time.Minute))
	e.primary.put("user_alice_manual_2", `not json`, base.Add(2*time.Minute))
	e.primary.put("user_alice_manual_3", `{"label":"ok","titles":[]}`, base.Add(time.Minute))
	e.primary.put("user_alice_auto_4", `{"label":"auto"}`, base)

	got, err := e.store.List(context.Background(), 5, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "user_alice_manual_3", got[0].Key)
	require.Equal(t, "ok", got[0].Label)
}

func TestList_FallsBackToLegacy(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.legacy.put("snap_1", `{"label":"old","titles":[{"text":"a"}],"contents":[{"text":"b"}]}`, base)
	e.legacy.put("user_bob_manual_1", `{"label":"bob"}`, base.Add(time.Minute))

	got, err := e.store.List(context.Background(), 5, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "snap_1", got[0].Key)
	require.Equal(t, model.ProvenanceLegacy, got[0].Source)
	require.Equal(t, 1, got[0].TitleCount)
	require.Zero(t, got[0].ContentCount)
}

func TestList_NameSharingPrefixWithAnotherUser(t *testing.T) {
	t.Parallel()
	e := newEnv()
	doc := `{"label":"L","titles":[{"text":"t"}]}`
	for i := 0; i < 3; i++ {
		e.primary.put(fmt.Sprintf("user_al_manual_%d", 100+i), doc, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 0; i < 10; i++ {
		e.primary.put(fmt.Sprintf("user_al_ice_manual_%d", 200+i), doc, base.Add(time.Hour+time.Duration(i)*time.Minute))
	}

	got, err := e.store.List(context.Background(), 5, "al")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "user_al_manual_102", got[0].Key)
	require.Zero(t, e.legacy.calls)

	got, err = e.store.List(context.Background(), 5, "al_ice")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, m := range got {
		require.True(t, strings.HasPrefix(m.Key, "user_al_ice_manual_"))
	}
}

func TestList_Errors(t *testing.T) {
	t.Parallel()
	e := newEnv()
	_, err := e.store.List(context.Background(), 0, "alice")
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.store.List(context.Background(), 1<<40, "alice")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.store.List(context.Background(), MaxListLimit+1, "alice")
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Zero(t, e.primary.calls)

	_, err = e.store.List(context.Background(), MaxListLimit, "alice")
	require.NoError(t, err)
	require.Equal(t, 2*MaxListLimit, e.primary.lastLim)

	e.legacy.err = errors.New("down")
	_, err = e.store.List(context.Background(), 5, "alice")
	var se *errs.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "title_snapshots.list", se.Op)
}

func TestFetch_NamespaceIsolation(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.primary.put("user_alice_manual_1", `{"label":"a","titles":[]}`, base)

	for _, key := range []string{"user_alice_manual_1", "user_alice_profile", "user_alice_manual_x"} {
		_, err := e.store.Fetch(context.Background(), key, "bob")
		require.ErrorIs(t, err, errs.ErrPermission, key)
	}
	require.Zero(t, e.primary.calls)
	require.Zero(t, e.legacy.calls)
}

func TestFetch_NotFoundAndErrors(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()

	_, err := e.store.Fetch(ctx, "user_alice_manual_1", "alice")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Contains(t, err.Error(), "user_alice_manual_1")

	e.primary.put("user_alice_manual_2", `{"label":`, base)
	_, err = e.store.Fetch(ctx, "user_alice_manual_2", "alice")
	require.ErrorIs(t, err, errs.ErrStore)

	e.primary.err = errors.New("timeout")
	_, err = e.store.Fetch(ctx, "user_alice_manual_1", "alice")
	var se *errs.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "snapshots.get", se.Op)
	require.Equal(t, "user_alice_manual_1", se.Key)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()
	e.primary.put("user_alice_manual_1", `{}`, base)
	e.primary.put("snap_5", `{}`, base)

	require.ErrorIs(t, e.store.Delete(ctx, "user_alice_manual_1", "bob"), errs.ErrPermission)
	require.ErrorIs(t, e.store.Delete(ctx, "snap_5", "alice"), errs.ErrPermission)
	require.NoError(t, e.store.Delete(ctx, "user_alice_manual_1", "alice"))
	require.ErrorIs(t, e.store.Delete(ctx, "user_alice_manual_1", "alice"), errs.ErrNotFound)
	require.NoError(t, e.store.Delete(ctx, "snap_5", ""))
}

func TestFormatTime_Location(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CST", 8*3600)
	s := NewStore(newMemSnapshots(), newMemSnapshots(), loc)
	require.Equal(t, "2025-03-01 16:00:00", s.FormatTime(base))
}
