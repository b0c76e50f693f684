// Package settings stores per-user category lists and display settings.
//
// Values are JSON documents under user-scoped keys, the same layout the browser
// client keeps locally, so snapshots can carry them verbatim.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
)

// AllCategory is the undeletable first entry of every category list.
const AllCategory = "全部"

// anonymousUser scopes keys when no session user is known.
const anonymousUser = "default"

// DefaultCategories seeds empty category lists.
var DefaultCategories = []string{AllCategory, "亲子", "情侣", "闺蜜", "单人", "烟花", "夜景"}

// DefaultDisplaySettings returns the stock theme.
func DefaultDisplaySettings() model.DisplaySettings {
	return model.DisplaySettings{
		BrandColor:  "#1990ff",
		BrandHover:  "#1477dd",
		GhostColor:  "#eef2ff",
		GhostHover:  "#e2e8ff",
		StripeColor: "#E2F0FF",
		HoverColor:  "#eef2ff",
		Scenes:      []string{"港迪城堡", "烟花", "夜景", "香港街拍"},
		TitleText:   "标题与文案管理系统",
		TitleColor:  "#1990ff",
	}
}

func scope(username string) string {
	if username == "" {
		return anonymousUser
	}
	return username
}

// CategoriesKey returns the key of the category list for coll.
func CategoriesKey(coll model.Collection, username string) string {
	if coll == model.Contents {
		return "content_categories_v1_" + scope(username)
	}
	return "title_categories_v1_" + scope(username)
}

// DisplaySettingsKey returns the key of the display settings object.
func DisplaySettingsKey(username string) string { return "display_settings_v1_" + scope(username) }

// NormalizeCategories trims entries, drops blanks and duplicates, and puts AllCategory first.
func NormalizeCategories(list []string) []string {
	out := []string{AllCategory}
	seen := map[string]struct{}{AllCategory: {}}
	for _, c := range list {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Store reads and writes the per-user configuration.
type Store struct {
	repo     repository.SettingsRepository
	validate *validator.Validate
}

// NewStore constructs a Store over repo.
func NewStore(repo repository.SettingsRepository) *Store {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Stricter than the built-in rule: the client only understands #rrggbb.
	_ = v.RegisterValidation("hexcolor", func(fl validator.FieldLevel) bool {
		return isRGBHex(fl.Field().String())
	})
	return &Store{repo: repo, validate: v}
}

func isRGBHex(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func (s *Store) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return false, errs.Store("settings.get", key, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	// Unreadable values fall back to defaults, as the client does.
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) set(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return errs.Store("settings.set", key, s.repo.Set(ctx, key, string(b)))
}

// CategoryList returns the normalized list for coll, defaults when unset.
func (s *Store) CategoryList(ctx context.Context, username string, coll model.Collection) ([]string, error) {
	var list []string
	ok, err := s.get(ctx, CategoriesKey(coll, username), &list)
	if err != nil {
		return nil, err
	}
	if !ok || len(list) == 0 {
		return append([]string(nil), DefaultCategories...), nil
	}
	return NormalizeCategories(list), nil
}

// Categories returns both category lists.
func (s *Store) Categories(ctx context.Context, username string) (model.CategoryLists, error) {
	title, err := s.CategoryList(ctx, username, model.Titles)
	if err != nil {
		return model.CategoryLists{}, err
	}
	content, err := s.CategoryList(ctx, username, model.Contents)
	if err != nil {
		return model.CategoryLists{}, err
	}
	return model.CategoryLists{Title: title, Content: content}, nil
}

// SaveCategoryList normalizes and stores the list for coll.
func (s *Store) SaveCategoryList(ctx context.Context, username string, coll model.Collection, list []string) error {
	if !coll.Valid() {
		return errs.Validation("unknown collection %q", coll)
	}
	return s.set(ctx, CategoriesKey(coll, username), NormalizeCategories(list))
}

// CopyCategories overwrites the list of to with the list of from.
func (s *Store) CopyCategories(ctx context.Context, username string, from, to model.Collection) error {
	list, err := s.CategoryList(ctx, username, from)
	if err != nil {
		return err
	}
	return s.SaveCategoryList(ctx, username, to, list)
}

// ResetCategories restores the default lists for both collections.
func (s *Store) ResetCategories(ctx context.Context, username string) error {
	for _, coll := range []model.Collection{model.Titles, model.Contents} {
		if err := s.SaveCategoryList(ctx, username, coll, DefaultCategories); err != nil {
			return err
		}
	}
	return nil
}

// DisplaySettings returns the stored settings merged over the defaults.
func (s *Store) DisplaySettings(ctx context.Context, username string) (model.DisplaySettings, error) {
	var stored model.DisplaySettings
	ok, err := s.get(ctx, DisplaySettingsKey(username), &stored)
	if err != nil {
		return model.DisplaySettings{}, err
	}
	if !ok {
		return DefaultDisplaySettings(), nil
	}
	return mergeDisplay(DefaultDisplaySettings(), stored), nil
}

// SaveDisplaySettings validates and stores ds.
func (s *Store) SaveDisplaySettings(ctx context.Context, username string, ds model.DisplaySettings) error {
	if err := s.validate.Struct(ds); err != nil {
		return fmt.Errorf("%w: display settings: %v", errs.ErrValidation, err)
	}
	return s.set(ctx, DisplaySettingsKey(username), ds)
}

func mergeDisplay(base, over model.DisplaySettings) model.DisplaySettings {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&base.BrandColor, over.BrandColor)
	pick(&base.BrandHover, over.BrandHover)
	pick(&base.GhostColor, over.GhostColor)
	pick(&base.GhostHover, over.GhostHover)
	pick(&base.StripeColor, over.StripeColor)
	pick(&base.HoverColor, over.HoverColor)
	pick(&base.TitleText, over.TitleText)
	pick(&base.TitleColor, over.TitleColor)
	if len(over.Scenes) > 0 {
		base.Scenes = append([]string(nil), over.Scenes...)
	}
	return base
}
