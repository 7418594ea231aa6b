package index

import (
	"crypto/sha1" //nolint:gosec // used only to derive a short, stable filename hash, not for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ironbase/ironbase/internal/bsonval"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
	"github.com/natefinch/atomic"
)

// SidecarPath computes the sidecar file path for an index:
// <db-stem>_<sanitized-index-name>_<08-hex-hash>.idx, adjacent to the
// main data file.
func SidecarPath(dataFilePath, indexName string) string {
	dir := filepath.Dir(dataFilePath)
	stem := strings.TrimSuffix(filepath.Base(dataFilePath), filepath.Ext(dataFilePath))

	sanitized := sanitize(indexName)
	hash := shortHash(indexName)

	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.idx", stem, sanitized, hash))
}

func sanitize(name string) string {
	var b strings.Builder

	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := b.String()
	if out == "" {
		return "index"
	}

	return out
}

func shortHash(name string) string {
	sum := sha1.Sum([]byte(name)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:8]
}

// wireEntry is the JSON-serializable form of one B-tree entry.
type wireEntry struct {
	Values  []any  `json:"values"`
	IDTag   string `json:"id_tag"`
	IDValue string `json:"id_value"`
}

// wireIndex is the full sidecar file contents.
type wireIndex struct {
	Name    string      `json:"name"`
	Fields  []string    `json:"fields"`
	Unique  bool        `json:"unique"`
	Entries []wireEntry `json:"entries"`
}

// Flush persists idx to its sidecar file, atomically.
func Flush(dataFilePath string, idx *BTreeIndex) error {
	w := wireIndex{Name: idx.Name, Fields: idx.Fields, Unique: idx.Unique}

	for _, k := range idx.All() {
		w.Entries = append(w.Entries, wireEntry{
			Values:  k.Values,
			IDTag:   k.ID.TypeTag(),
			IDValue: k.ID.ValueString(),
		})
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling sidecar for index %q: %w", idx.Name, err)
	}

	path := SidecarPath(dataFilePath, idx.Name)

	if err := atomic.WriteFile(path, strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", path, err)
	}

	return nil
}

// Load reads an index back from its sidecar file. A missing sidecar is
// reported via [ironfs.FS.Exists] so callers can trigger a
// scan-and-rebuild instead of treating it as corruption.
func Load(fsys ironfs.FS, dataFilePath, name string, fields []string, unique bool) (*BTreeIndex, bool, error) {
	path := SidecarPath(dataFilePath, name)

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, false, fmt.Errorf("checking sidecar %s: %w", path, err)
	}

	if !exists {
		return nil, false, nil
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading sidecar %s: %w", path, err)
	}

	var w wireIndex
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("decoding sidecar %s: %w", path, err)
	}

	idx := New(name, fields, unique)

	for _, e := range w.Entries {
		id, err := bsonval.IDFromTagged(e.IDTag, e.IDValue)
		if err != nil {
			return nil, false, fmt.Errorf("decoding sidecar entry id in %s: %w", path, err)
		}

		if err := idx.Insert(e.Values, id); err != nil {
			return nil, false, fmt.Errorf("rebuilding index %q from sidecar: %w", name, err)
		}
	}

	return idx, true, nil
}
