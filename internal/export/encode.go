// Package export renders a user's collection as CSV or JSON and uploads it to object storage.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/ownership"
)

// Format is an export file format.
type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

// ParseFormat accepts "csv" and "json"; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "json":
		return JSON, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the MIME type of the encoded file.
func (f Format) ContentType() string {
	if f == JSON {
		return "application/json; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}

// csvHeader is the column order spreadsheet users expect.
var csvHeader = []string{"text", "main_category", "content_type", "scene_tags", "usage_count", "created_at"}

// Encode writes items in format f. Ownership markers are not exported.
func Encode(w io.Writer, f Format, items []model.Item) error {
	switch f {
	case CSV:
		return writeCSV(w, items)
	case JSON:
		return writeJSON(w, items)
	}
	return fmt.Errorf("unknown export format %q", f)
}

// writeCSV quotes every field and prefixes a UTF-8 BOM so spreadsheet tools
// pick the right encoding for CJK text.
func writeCSV(w io.Writer, items []model.Item) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("\ufeff")
	bw.WriteString(strings.Join(csvHeader, ","))
	for _, it := range items {
		created := ""
		if !it.CreatedAt.IsZero() {
			created = it.CreatedAt.UTC().Format(time.RFC3339)
		}
		vals := []string{
			it.Text,
			it.MainCategory,
			it.ContentType,
			strings.Join(ownership.Labels(it.SceneTags), "|"),
			strconv.Itoa(it.UsageCount),
			created,
		}
		bw.WriteByte('\n')
		for i, v := range vals {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(`"` + strings.ReplaceAll(v, `"`, `""`) + `"`)
		}
	}
	return bw.Flush()
}

func writeJSON(w io.Writer, items []model.Item) error {
	out := make([]model.Item, len(items))
	for i, it := range items {
		it.SceneTags = ownership.Labels(it.SceneTags)
		out[i] = it
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ObjectKey returns the storage key of an export of coll made by username at t.
func ObjectKey(username string, coll model.Collection, f Format, t time.Time) string {
	owner := username
	if owner == "" {
		owner = "shared"
	}
	return fmt.Sprintf("exports/%s/%s-%d.%s", owner, coll, t.UnixMilli(), f)
}
