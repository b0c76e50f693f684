// Package model defines domain entities used by services and repositories.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects an issued access token.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User represents an account stored on the server.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique, also the ownership marker suffix
	PwdHash   string    // encoded Argon2id hash, salt included
	CreatedAt time.Time
}

// Collection names a live item table.
type Collection string

const (
	Titles   Collection = "titles"
	Contents Collection = "contents"
)

// Valid reports whether c is one of the item collections.
func (c Collection) Valid() bool { return c == Titles || c == Contents }

// ParseCollection accepts "titles"/"contents" (and the singular forms).
func ParseCollection(s string) (Collection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "titles", "title":
		return Titles, nil
	case "contents", "content":
		return Contents, nil
	}
	return "", fmt.Errorf("unknown collection %q", s)
}

// SortOrder is the created_at direction used for every item read.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// ParseSortOrder maps config values to a SortOrder; empty means ascending.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

// ItemID is the opaque identifier assigned by the record store.
// Older payloads carry numeric ids, so both JSON numbers and strings decode.
type ItemID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ItemID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ItemID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("item id: %w", err)
		}
		*id = ItemID(n.String())
	}
	return nil
}

// Item is a title or a content row; both collections share the layout.
type Item struct {
	ID           ItemID    `json:"id,omitempty"`
	Text         string    `json:"text"`
	MainCategory string    `json:"main_category,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	SceneTags    []string  `json:"scene_tags"`
	UsageCount   int       `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	// Starred is kept only in client state and snapshots; the tables have no column for it.
	Starred bool `json:"starred,omitempty"`
}

// CategoryLists holds the per-type category vocabularies.
type CategoryLists struct {
	Title   []string `json:"title"`
	Content []string `json:"content"`
}

// DisplaySettings is the per-user theme and vocabulary object.
type DisplaySettings struct {
	BrandColor  string   `json:"brandColor,omitempty" validate:"omitempty,hexcolor"`
	BrandHover  string   `json:"brandHover,omitempty" validate:"omitempty,hexcolor"`
	GhostColor  string   `json:"ghostColor,omitempty" validate:"omitempty,hexcolor"`
	GhostHover  string   `json:"ghostHover,omitempty" validate:"omitempty,hexcolor"`
	StripeColor string   `json:"stripeColor,omitempty" validate:"omitempty,hexcolor"`
	HoverColor  string   `json:"hoverColor,omitempty" validate:"omitempty,hexcolor"`
	Scenes      []string `json:"scenes"`
	TitleText   string   `json:"titleText,omitempty" validate:"max=200"`
	TitleColor  string   `json:"titleColor,omitempty" validate:"omitempty,hexcolor"`
}

// IsZero reports whether no field carries a value.
func (d DisplaySettings) IsZero() bool {
	return d.BrandColor == "" && d.BrandHover == "" && d.GhostColor == "" && d.GhostHover == "" &&
		d.StripeColor == "" && d.HoverColor == "" && len(d.Scenes) == 0 && d.TitleText == "" &&
		d.TitleColor == ""
}

// PayloadVersion is stamped on every built payload. Bump on layout changes.
const PayloadVersion = 3

// Provenance names the collection a snapshot was read from.
type Provenance string

const (
	ProvenanceCurrent Provenance = "snapshots"
	ProvenanceLegacy  Provenance = "title_snapshots"
)

// Payload is the self-contained snapshot document.
type Payload struct {
	Version      int              `json:"version"`
	Label        string           `json:"label"`
	UpdatedAt    time.Time        `json:"updated_at,omitzero"`
	Titles       []Item           `json:"titles"`
	Contents     []Item           `json:"contents"` // nil when the document has no contents
	Categories   CategoryLists    `json:"categories"`
	ViewSettings *DisplaySettings `json:"viewSettings,omitempty"`

	// Provenance is set on read; it is not part of the stored document.
	Provenance Provenance `json:"-"`
}

// CarriesContents reports whether a restore should touch the contents collection.
// Legacy documents usually have no contents array at all.
func (p Payload) CarriesContents() bool {
	switch p.Provenance {
	case ProvenanceLegacy:
		return p.Contents != nil
	default:
		return p.Contents != nil || p.Version >= PayloadVersion
	}
}

// IsEmpty reports a placeholder document: no label and no rows.
func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.Label) == "" && len(p.Titles) == 0 && len(p.Contents) == 0
}

// SnapshotRecord is a stored snapshot row.
type SnapshotRecord struct {
	Key       string
	Payload   []byte // raw JSON document
	UpdatedAt time.Time
}

// SnapshotMeta is the list/feedback view of a snapshot.
type SnapshotMeta struct {
	Key          string
	Label        string
	TitleCount   int
	ContentCount int
	UpdatedAt    time.Time
	UpdatedText  string
	Source       Provenance
}

// Scope selects the collections a restore touches.
type Scope string

const (
	ScopeTitles   Scope = "titles"
	ScopeContents Scope = "contents"
	ScopeBoth     Scope = "both"
)

// ParseScope maps user input to a Scope; empty means both.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both", "all":
		return ScopeBoth, nil
	case "titles", "title":
		return ScopeTitles, nil
	case "contents", "content":
		return ScopeContents, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Includes reports whether the scope covers c.
func (s Scope) Includes(c Collection) bool {
	switch s {
	case ScopeBoth:
		return true
	case ScopeTitles:
		return c == Titles
	case ScopeContents:
		return c == Contents
	}
	return false
}

// Source selects where the payload builder takes rows from.
type Source string

const (
	SourceLive     Source = "live"
	SourceProvided Source = "provided"
)
