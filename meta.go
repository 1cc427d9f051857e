// Metadata artifacts under the meta/ directory.
//
// Schema and partition state persist as small independent files —
// columns, dtypes, index_dtype, plist, minimum — each readable on its
// own, so a partially written store fails to load with an error naming
// the artifact instead of presenting a silently wrong whole. Every
// artifact is a 16 hex character xxh3 digest line followed by a JSON
// body; any mismatch, parse failure or missing file surfaces as
// ErrCorruptMeta.
package castra

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// Artifact file names.
const (
	metaDir       = "meta"
	categoriesDir = "categories"
	indexFile     = ".index" // key column file inside a partition; reserved

	artColumns    = "columns"
	artDTypes     = "dtypes"
	artIndexDType = "index_dtype"
	artPlist      = "plist"
	artMinimum    = "minimum"
)

// Schema fixes the column set of a store: ordered column names, the
// element type of each, and the type of the index column. Immutable
// after creation.
type Schema struct {
	Columns    []string
	DTypes     map[string]DType
	IndexDType DType
}

// writeArtifact writes a digest line plus the JSON body of v.
func writeArtifact(path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	buf := make([]byte, 0, 17+len(body))
	buf = append(buf, fmt.Sprintf("%016x\n", xxh3.Hash(body))...)
	buf = append(buf, body...)
	return os.WriteFile(path, buf, 0o644)
}

// readArtifact verifies the digest and decodes the body into v.
func readArtifact(path string, v any) error {
	name := filepath.Base(path)
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptMeta, name, err)
	}
	i := bytes.IndexByte(buf, '\n')
	if i != 16 {
		return fmt.Errorf("%w: %s: malformed digest line", ErrCorruptMeta, name)
	}
	body := buf[i+1:]
	if fmt.Sprintf("%016x", xxh3.Hash(body)) != string(buf[:i]) {
		return fmt.Errorf("%w: %s: digest mismatch", ErrCorruptMeta, name)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptMeta, name, err)
	}
	return nil
}

// writeSchema persists the three schema artifacts. Called once at store
// creation; the schema never changes afterwards.
func writeSchema(dir string, s *Schema) error {
	dtypes := make(map[string]string, len(s.DTypes))
	for col, dt := range s.DTypes {
		dtypes[col] = dt.String()
	}
	if err := writeArtifact(filepath.Join(dir, artColumns), s.Columns); err != nil {
		return err
	}
	if err := writeArtifact(filepath.Join(dir, artDTypes), dtypes); err != nil {
		return err
	}
	return writeArtifact(filepath.Join(dir, artIndexDType), s.IndexDType.String())
}

// loadSchema reads the schema artifacts back.
func loadSchema(dir string) (*Schema, error) {
	var columns []string
	if err := readArtifact(filepath.Join(dir, artColumns), &columns); err != nil {
		return nil, err
	}
	var rawTypes map[string]string
	if err := readArtifact(filepath.Join(dir, artDTypes), &rawTypes); err != nil {
		return nil, err
	}
	dtypes := make(map[string]DType, len(rawTypes))
	for col, s := range rawTypes {
		dt, err := parseDType(s)
		if err != nil {
			return nil, err
		}
		dtypes[col] = dt
	}
	var rawIndex string
	if err := readArtifact(filepath.Join(dir, artIndexDType), &rawIndex); err != nil {
		return nil, err
	}
	indexDType, err := parseDType(rawIndex)
	if err != nil {
		return nil, err
	}
	return &Schema{Columns: columns, DTypes: dtypes, IndexDType: indexDType}, nil
}

// plistEntry is the on-disk form of one partition index entry. Keys are
// stored in their formatKey rendering to avoid JSON number precision
// loss on 64-bit integers.
type plistEntry struct {
	Max  string `json:"max"`
	Name string `json:"name"`
}

// flushPartitions rewrites the plist and minimum artifacts. Runs after
// every extend.
func flushPartitions(dir string, p *partitionIndex) error {
	plist := make([]plistEntry, len(p.entries))
	for i, e := range p.entries {
		plist[i] = plistEntry{Max: formatKey(p.dtype, e.max), Name: e.name}
	}
	if err := writeArtifact(filepath.Join(dir, artPlist), plist); err != nil {
		return err
	}
	var minimum *string
	if p.minimum != nil {
		s := formatKey(p.dtype, p.minimum)
		minimum = &s
	}
	return writeArtifact(filepath.Join(dir, artMinimum), minimum)
}

// loadPartitions reads the plist and minimum artifacts back.
func loadPartitions(dir string, dt DType) (*partitionIndex, error) {
	var plist []plistEntry
	if err := readArtifact(filepath.Join(dir, artPlist), &plist); err != nil {
		return nil, err
	}
	p := newPartitionIndex(dt)
	for _, e := range plist {
		max, err := parseKey(dt, e.Max)
		if err != nil {
			return nil, err
		}
		if err := p.insert(max, e.Name); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruptMeta, artPlist, err)
		}
	}
	var minimum *string
	if err := readArtifact(filepath.Join(dir, artMinimum), &minimum); err != nil {
		return nil, err
	}
	if minimum != nil {
		min, err := parseKey(dt, *minimum)
		if err != nil {
			return nil, err
		}
		p.minimum = min
	}
	return p, nil
}
