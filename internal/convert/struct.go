// Package convert maps domain values to and from google.protobuf.Struct messages.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/copydeck/internal/model"
)

// --- request arguments ---

// Args reads typed fields from a request message. Missing fields read as zero values.
type Args struct{ fields map[string]*structpb.Value }

// NewArgs wraps s; nil is treated as an empty message.
func NewArgs(s *structpb.Struct) Args { return Args{fields: s.GetFields()} }

// String returns the string field name.
func (a Args) String(name string) string { return a.fields[name].GetStringValue() }

// Int returns the numeric field name, or def when absent.
func (a Args) Int(name string, def int) int {
	v, ok := a.fields[name]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	n := v.GetNumberValue()
	switch {
	case math.IsNaN(n):
		return def
	case n >= math.MaxInt:
		return math.MaxInt
	case n <= math.MinInt:
		return math.MinInt
	}
	return int(n)
}

// Has reports whether the field is present.
func (a Args) Has(name string) bool {
	_, ok := a.fields[name]
	return ok
}

// Items decodes a list of item objects; an absent field yields nil.
func (a Args) Items(name string) ([]model.Item, error) {
	v, ok := a.fields[name]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, err
	}
	var items []model.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("field %q: %w", name, err)
	}
	return items, nil
}

// --- responses ---

// Struct builds a message from m. Values must be structpb-compatible.
func Struct(m map[string]any) (*structpb.Struct, error) { return structpb.NewStruct(m) }

// MetaMap renders snapshot metadata for a response.
func MetaMap(m model.SnapshotMeta) map[string]any {
	out := map[string]any{
		"key":          m.Key,
		"label":        m.Label,
		"titleCount":   m.TitleCount,
		"contentCount": m.ContentCount,
		"updatedText":  m.UpdatedText,
		"source":       string(m.Source),
	}
	if !m.UpdatedAt.IsZero() {
		out["updatedAt"] = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// MetaList renders a list of snapshot metadata.
func MetaList(ms []model.SnapshotMeta) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = MetaMap(m)
	}
	return out
}

// ItemsValue renders items as a list value suitable for a request field.
func ItemsValue(items []model.Item) ([]any, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- client side ---

// MetaFromStruct reads snapshot metadata from a response message.
func MetaFromStruct(s *structpb.Struct) model.SnapshotMeta {
	a := NewArgs(s)
	m := model.SnapshotMeta{
		Key:          a.String("key"),
		Label:        a.String("label"),
		TitleCount:   a.Int("titleCount", 0),
		ContentCount: a.Int("contentCount", 0),
		UpdatedText:  a.String("updatedText"),
		Source:       model.Provenance(a.String("source")),
	}
	if ts := a.String("updatedAt"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.UpdatedAt = t
		}
	}
	return m
}

// MetaListFromStruct reads the list field name of s.
func MetaListFromStruct(s *structpb.Struct, name string) []model.SnapshotMeta {
	vals := s.GetFields()[name].GetListValue().GetValues()
	out := make([]model.SnapshotMeta, 0, len(vals))
	for _, v := range vals {
		out = append(out, MetaFromStruct(v.GetStructValue()))
	}
	return out
}
