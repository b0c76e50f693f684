// Package ownership emulates per-user partitions over shared item collections.
//
// Each item owned by a user carries exactly one "user:<username>" entry in its
// scene_tags next to the free-form scene labels. Rows without a resolvable user
// are treated as shared.
package ownership

import (
	"context"
	"strings"

	"github.com/and161185/copydeck/internal/model"
)

// Prefix marks an ownership entry inside scene_tags.
const Prefix = "user:"

// Lister reads item collections. ListTagged may filter on the store side.
type Lister interface {
	ListAll(ctx context.Context, coll model.Collection, order model.SortOrder) ([]model.Item, error)
	ListTagged(ctx context.Context, coll model.Collection, tag string, order model.SortOrder) ([]model.Item, error)
}

// TagFor returns the ownership marker of username.
func TagFor(username string) string { return Prefix + username }

// IsOwnershipTag reports whether tag is a user:* marker.
func IsOwnershipTag(tag string) bool { return strings.HasPrefix(tag, Prefix) }

// StripOwnershipTags drops every user:* entry and repeated labels, keeping order.
func StripOwnershipTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if IsOwnershipTag(t) {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// RetagForCurrentUser replaces any ownership markers with the one for username.
// An empty username leaves the row shared.
func RetagForCurrentUser(tags []string, username string) []string {
	out := StripOwnershipTags(tags)
	if username == "" {
		return out
	}
	return append(out, TagFor(username))
}

// OwnerOf returns the owner named by tags. ok is false for zero or several markers.
func OwnerOf(tags []string) (owner string, ok bool) {
	n := 0
	for _, t := range tags {
		if IsOwnershipTag(t) {
			owner = strings.TrimPrefix(t, Prefix)
			n++
		}
	}
	if n != 1 {
		return "", false
	}
	return owner, true
}

// Labels returns the scene labels of tags without ownership markers.
func Labels(tags []string) []string { return StripOwnershipTags(tags) }

// Owns reports whether username is the single owner of item. Rows carrying
// several markers are shared and owned by nobody.
func Owns(item model.Item, username string) bool {
	owner, ok := OwnerOf(item.SceneTags)
	return ok && owner == username
}

// FilterForUser keeps the items tagged for username; empty username keeps all.
func FilterForUser(items []model.Item, username string) []model.Item {
	if username == "" {
		return items
	}
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if Owns(it, username) {
			out = append(out, it)
		}
	}
	return out
}

// FetchAllForUser reads coll ordered by creation time and keeps the rows of username.
// The store filters by tag; the result is filtered again so a loose store cannot leak rows.
func FetchAllForUser(ctx context.Context, l Lister, coll model.Collection, username string, order model.SortOrder) ([]model.Item, error) {
	if username == "" {
		return l.ListAll(ctx, coll, order)
	}
	items, err := l.ListTagged(ctx, coll, TagFor(username), order)
	if err != nil {
		return nil, err
	}
	return FilterForUser(items, username), nil
}

// Retag returns copies of items re-tagged for username with store-assigned fields cleared.
func Retag(items []model.Item, username string) []model.Item {
	out := make([]model.Item, len(items))
	for i, it := range items {
		it.ID = ""
		it.SceneTags = RetagForCurrentUser(it.SceneTags, username)
		out[i] = it
	}
	return out
}
