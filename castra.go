// Store lifecycle and the extend/query operations.
//
// A store is created from a template frame (which fixes the schema) or
// opened from an existing directory (whose schema is on disk) — the two
// are mutually exclusive. Extend appends one ordered batch as a new
// immutable partition; Query reads a contiguous key range back with
// optional column projection. Writes are not atomic: a crash between
// the partition's column files and the metadata flush leaves an orphan
// partition directory that the partition index never references — safe
// but wasteful, and the documented crash-consistency model.
//
// One live store owns its directory exclusively by convention; there is
// no cross-process coordination. A store opened without a path is
// ephemeral: it lives in a temporary directory that Close removes.
package castra

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Config holds store construction options. The zero value opens an
// existing store.
type Config struct {
	// Template fixes the schema when creating a new store. It must be
	// nil when opening an existing one.
	Template *Frame

	// Categories names the columns to dictionary-code. Only valid with
	// Template; the named columns must be String columns.
	Categories []string

	// Categorize dictionary-codes every String column of the template.
	// Ignored when Categories is set.
	Categorize bool
}

// Store is an open castra store. Not safe for concurrent use: the
// single-writer model leaves parallelism to external wrappers, which may
// read already-written partitions concurrently but never overlap an
// in-flight Extend.
type Store struct {
	mu        sync.Mutex
	path      string
	ephemeral bool
	closed    bool
	schema    *Schema
	parts     *partitionIndex
	cats      *categoryRegistry
}

// Open opens the store at path, creating it when cfg.Template is set.
// An empty path creates an ephemeral store in a temporary directory,
// removed by Close. Giving a template for an existing store, or no
// template for a new one, is a configuration error.
func Open(path string, cfg Config) (*Store, error) {
	s := &Store{path: path}
	created := false

	if path == "" {
		dir, err := os.MkdirTemp("", "castra-")
		if err != nil {
			return nil, err
		}
		s.path = dir
		s.ephemeral = true
		created = true
	} else if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		created = true
	} else {
		return nil, err
	}

	// A failure past this point must not leave behind a directory this
	// call created.
	fail := func(err error) (*Store, error) {
		if created {
			os.RemoveAll(s.path)
		}
		return nil, err
	}

	metaPath := filepath.Join(s.path, metaDir)
	if info, err := os.Stat(metaPath); err == nil && info.IsDir() {
		if cfg.Template != nil {
			return fail(fmt.Errorf("%w: template given for existing store at %s", ErrConfig, s.path))
		}
		if err := s.load(); err != nil {
			return fail(err)
		}
		return s, nil
	}
	if cfg.Template == nil {
		return fail(fmt.Errorf("%w: new store at %s needs a template", ErrConfig, s.path))
	}
	if err := s.create(cfg); err != nil {
		return fail(err)
	}
	return s, nil
}

// create establishes a new store from a template frame.
func (s *Store) create(cfg Config) error {
	schema, err := schemaOf(cfg.Template)
	if err != nil {
		return err
	}

	for _, col := range schema.Columns {
		if col == indexFile {
			return fmt.Errorf("%w: column name %q is reserved", ErrConfig, col)
		}
	}

	var categorical []string
	switch {
	case cfg.Categories != nil:
		for _, col := range cfg.Categories {
			dt, ok := schema.DTypes[col]
			if !ok {
				return fmt.Errorf("%w: categorical column %q not in template", ErrConfig, col)
			}
			if dt != String {
				return fmt.Errorf("%w: categorical column %q is %s, not string", ErrConfig, col, dt)
			}
		}
		categorical = cfg.Categories
	case cfg.Categorize:
		for _, col := range schema.Columns {
			if schema.DTypes[col] == String {
				categorical = append(categorical, col)
			}
		}
	}

	catPath := filepath.Join(s.path, metaDir, categoriesDir)
	if err := os.MkdirAll(catPath, 0o755); err != nil {
		return err
	}
	// An empty log per categorical column marks the column as tracked,
	// so the set survives reopen even before any values are observed.
	for _, col := range categorical {
		f, err := os.OpenFile(filepath.Join(catPath, columnFile(col)), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	s.schema = schema
	s.parts = newPartitionIndex(schema.IndexDType)
	s.cats = newCategoryRegistry(categorical)

	if err := writeSchema(filepath.Join(s.path, metaDir), schema); err != nil {
		return err
	}
	return flushPartitions(filepath.Join(s.path, metaDir), s.parts)
}

// load restores schema, partition index and dictionaries from disk.
func (s *Store) load() error {
	schema, err := loadSchema(filepath.Join(s.path, metaDir))
	if err != nil {
		return err
	}
	parts, err := loadPartitions(filepath.Join(s.path, metaDir), schema.IndexDType)
	if err != nil {
		return err
	}

	// A column is tracked iff its dictionary log exists, even when empty.
	catPath := filepath.Join(s.path, metaDir, categoriesDir)
	var categorical []string
	for _, col := range schema.Columns {
		if _, err := os.Stat(filepath.Join(catPath, columnFile(col))); err == nil {
			categorical = append(categorical, col)
		}
	}
	cats, err := loadCategories(catPath, categorical)
	if err != nil {
		return err
	}

	s.schema = schema
	s.parts = parts
	s.cats = cats
	return nil
}

// schemaOf derives a schema from a template frame.
func schemaOf(f *Frame) (*Schema, error) {
	s := &Schema{Columns: f.Names(), DTypes: make(map[string]DType, len(f.names))}
	for _, col := range f.Names() {
		dt, err := dtypeOf(f.Column(col))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		s.DTypes[col] = dt
	}
	dt, err := dtypeOf(f.Index())
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	s.IndexDType = dt
	return s, nil
}

// Extend appends one batch of rows as a new partition. The batch must be
// non-empty, match the store schema, have its keys in ascending order,
// and extend the key space beyond the last partition's maximum.
func (s *Store) Extend(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if f.Len() == 0 {
		return ErrEmptyFrame
	}
	if err := s.validate(f); err != nil {
		return err
	}

	min := keyAt(f.Index(), 0)
	max := keyAt(f.Index(), f.Len()-1)
	dt := s.schema.IndexDType
	for i := 1; i < f.Len(); i++ {
		if compareKeys(dt, keyAt(f.Index(), i-1), keyAt(f.Index(), i)) > 0 {
			return fmt.Errorf("%w: batch index not sorted at row %d", ErrOutOfOrder, i)
		}
	}
	if n := len(s.parts.entries); n > 0 && compareKeys(dt, max, s.parts.entries[n-1].max) <= 0 {
		return fmt.Errorf("%w: batch max %s does not extend the store", ErrOutOfOrder, formatKey(dt, max))
	}

	name := partitionName(dt, min, max)
	dir := filepath.Join(s.path, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}

	extra, coded, err := s.cats.decategorize(f)
	if err != nil {
		return err
	}
	if err := appendCategories(filepath.Join(s.path, metaDir, categoriesDir), extra); err != nil {
		return err
	}

	for _, col := range s.schema.Columns {
		if err := pack(coded.Column(col), filepath.Join(dir, columnFile(col))); err != nil {
			return err
		}
	}
	if err := pack(f.Index(), filepath.Join(dir, indexFile)); err != nil {
		return err
	}

	if len(s.parts.entries) == 0 {
		s.parts.minimum = min
	}
	if err := s.parts.insert(max, name); err != nil {
		return err
	}
	return flushPartitions(filepath.Join(s.path, metaDir), s.parts)
}

// validate checks a batch against the store schema: same column set,
// matching element types, matching index type.
func (s *Store) validate(f *Frame) error {
	if len(f.names) != len(s.schema.Columns) {
		return fmt.Errorf("%w: %d columns, schema has %d", ErrSchemaMismatch, len(f.names), len(s.schema.Columns))
	}
	for _, col := range s.schema.Columns {
		arr := f.Column(col)
		if arr == nil {
			return fmt.Errorf("%w: missing column %q", ErrSchemaMismatch, col)
		}
		dt, err := dtypeOf(arr)
		if err != nil {
			return err
		}
		if dt != s.schema.DTypes[col] {
			return fmt.Errorf("%w: column %q is %s, schema says %s", ErrSchemaMismatch, col, dt, s.schema.DTypes[col])
		}
	}
	dt, err := dtypeOf(f.Index())
	if err != nil {
		return err
	}
	if dt != s.schema.IndexDType {
		return fmt.Errorf("%w: index is %s, schema says %s", ErrSchemaMismatch, dt, s.schema.IndexDType)
	}
	return nil
}

// Query returns all rows with start <= key <= stop, both bounds
// inclusive and either optionally nil (unbounded), projected to the
// given columns (nil means all). Dictionary-coded columns come back as
// their original string values, re-expanded once on the concatenated
// result rather than per partition. An interval no partition covers
// yields an empty frame, not an error.
func (s *Store) Query(start, stop Key, columns []string) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if columns == nil {
		columns = s.schema.Columns
	}
	for _, col := range columns {
		if _, ok := s.schema.DTypes[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
	}

	dt := s.schema.IndexDType
	var err error
	if start != nil {
		if start, err = coerceKey(dt, start); err != nil {
			return nil, err
		}
	}
	if stop != nil {
		if stop, err = coerceKey(dt, stop); err != nil {
			return nil, err
		}
	}

	names, err := s.parts.selectRange(start, stop)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return emptyFrame(s.schema, columns), nil
	}

	frames := make([]*Frame, len(names))
	for i, name := range names {
		f, err := s.loadPartition(name, columns, false)
		if err != nil {
			return nil, err
		}
		frames[i] = f
	}
	frames[0] = frames[0].trim(dt, start, nil)
	frames[len(frames)-1] = frames[len(frames)-1].trim(dt, nil, stop)

	out, err := concatFrames(frames)
	if err != nil {
		return nil, err
	}
	return s.cats.categorize(out)
}

// LoadPartition loads the named partition with the given columns (nil
// means all), dictionary-coded columns re-expanded. It is the unit of
// work a lazy or distributed wrapper schedules: partitions are immutable
// once written, so concurrent loads of distinct names are safe.
func (s *Store) LoadPartition(name string, columns []string) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if columns == nil {
		columns = s.schema.Columns
	}
	return s.loadPartition(name, columns, true)
}

// LoadColumn loads a single column of the named partition.
func (s *Store) LoadColumn(name, column string) (arrow.Array, error) {
	f, err := s.LoadPartition(name, []string{column})
	if err != nil {
		return nil, err
	}
	return f.Column(column), nil
}

func (s *Store) loadPartition(name string, columns []string, categorize bool) (*Frame, error) {
	dir := filepath.Join(s.path, name)
	cols := make([]arrow.Array, len(columns))
	for i, col := range columns {
		dt, ok := s.schema.DTypes[col]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
		if s.cats.tracked(col) {
			dt = Int64 // stored as dictionary codes
		}
		arr, err := unpack(filepath.Join(dir, columnFile(col)), dt)
		if err != nil {
			return nil, err
		}
		cols[i] = arr
	}
	index, err := unpack(filepath.Join(dir, indexFile), s.schema.IndexDType)
	if err != nil {
		return nil, err
	}
	f, err := NewFrame(columns, cols, index)
	if err != nil {
		return nil, err
	}
	if categorize {
		return s.cats.categorize(f)
	}
	return f, nil
}

// Schema returns a copy of the store schema.
func (s *Store) Schema() Schema {
	dtypes := make(map[string]DType, len(s.schema.DTypes))
	for col, dt := range s.schema.DTypes {
		dtypes[col] = dt
	}
	return Schema{Columns: append([]string(nil), s.schema.Columns...), DTypes: dtypes, IndexDType: s.schema.IndexDType}
}

// Columns returns the column names in schema order.
func (s *Store) Columns() []string { return append([]string(nil), s.schema.Columns...) }

// Categories returns the dictionary-coded column names in schema order.
func (s *Store) Categories() []string {
	var out []string
	for _, col := range s.schema.Columns {
		if s.cats.tracked(col) {
			out = append(out, col)
		}
	}
	return out
}

// Path returns the store's backing directory.
func (s *Store) Path() string { return s.path }

// Minimum returns the lower bound of the first partition, or nil when
// the store is empty.
func (s *Store) Minimum() Key { return s.parts.minimum }

// Partitions returns the (max key, name) boundary sequence in key order,
// enough for an external scheduler to plan per-partition work without
// opening any column file.
func (s *Store) Partitions() []PartitionInfo {
	out := make([]PartitionInfo, len(s.parts.entries))
	for i, e := range s.parts.entries {
		out[i] = PartitionInfo{Name: e.name, Max: e.max}
	}
	return out
}

// Flush persists the partition index and minimum key.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return flushPartitions(filepath.Join(s.path, metaDir), s.parts)
}

// Close flushes and releases a persistent store, or removes an ephemeral
// one. The store is unusable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.ephemeral {
		s.mu.Unlock()
		return s.Drop()
	}
	err := flushPartitions(filepath.Join(s.path, metaDir), s.parts)
	s.closed = true
	s.mu.Unlock()
	return err
}

// Drop removes the entire backing directory. Idempotent: dropping an
// already-dropped store is a no-op.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return os.RemoveAll(s.path)
}
