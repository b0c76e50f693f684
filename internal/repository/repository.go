// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/copydeck/internal/model"
)

// DeleteSet selects the live rows a partition replace removes.
type DeleteSet struct {
	All bool           // whole collection (no resolvable owner)
	IDs []model.ItemID // rows of the current owner
}

// ItemRepository provides access to the titles and contents collections.
type ItemRepository interface {
	// ListAll returns every row ordered by created_at.
	ListAll(ctx context.Context, coll model.Collection, order model.SortOrder) ([]model.Item, error)
	// ListTagged returns rows whose scene_tags contain tag, ordered by created_at.
	ListTagged(ctx context.Context, coll model.Collection, tag string, order model.SortOrder) ([]model.Item, error)
	// CountTagged counts rows carrying tag; empty tag counts the whole collection.
	CountTagged(ctx context.Context, coll model.Collection, tag string) (int, error)
	// ReplacePartition deletes del and inserts rows atomically, returning the inserted count.
	ReplacePartition(ctx context.Context, coll model.Collection, del DeleteSet, rows []model.Item) (int, error)
	// DeleteByIDs removes the listed rows.
	DeleteByIDs(ctx context.Context, coll model.Collection, ids []model.ItemID) (int64, error)
	// UpdateText rewrites the text of one row.
	UpdateText(ctx context.Context, coll model.Collection, id model.ItemID, text string) error
}

// SnapshotReader reads stored snapshot records.
type SnapshotReader interface {
	// ListRecent returns records whose key matches the POSIX regular expression
	// keyPattern, newest first. An empty pattern matches every key.
	ListRecent(ctx context.Context, keyPattern string, limit int) ([]model.SnapshotRecord, error)
	// Get returns the record with the exact key or errs.ErrNotFound.
	Get(ctx context.Context, key string) (*model.SnapshotRecord, error)
}

// SnapshotRepository stores snapshot records in the current collection.
type SnapshotRepository interface {
	SnapshotReader
	// Upsert writes rec, replacing a record with the same key.
	Upsert(ctx context.Context, rec model.SnapshotRecord) error
	// Delete removes the record with key or returns errs.ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// SettingsRepository is the per-user key/value configuration store.
type SettingsRepository interface {
	// Get returns the value stored under key; ok is false when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
}

// UserRepository provides access to accounts.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, u *model.User) error
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}
