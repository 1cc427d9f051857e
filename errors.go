// Package castra provides an append-only, partitioned, columnar on-disk
// store for ordered tabular data. Batches of rows sorted by a key column
// are appended as immutable partitions — one compressed file per column —
// and later read back as contiguous key ranges with optional column
// projection.
//
// Each partition is a directory named from the minimum and maximum key of
// its rows. A sorted index of (max key, partition name) pairs maps a key
// interval to the minimal covering set of partitions. Low-cardinality text
// columns can be dictionary-coded: distinct values are assigned stable
// integer codes and only newly seen values are appended to a per-column
// dictionary log, so the write cost of an append is bounded by the size
// of the delta. Columns are Apache Arrow arrays throughout.
package castra

import "errors"

// Sentinel errors for programmatic handling. Callers can use errors.Is to
// distinguish misuse (ErrConfig, ErrNotDirectory, ErrEmptyFrame,
// ErrSchemaMismatch, ErrOutOfOrder, ErrUnknownColumn) from corruption
// (ErrDecodeFormat, ErrCorruptMeta). A missing dictionary log and an
// empty range selection are not errors: the former means an empty
// dictionary, the latter an empty result.
var (
	ErrConfig         = errors.New("conflicting template and existing store")
	ErrNotDirectory   = errors.New("path exists and is not a directory")
	ErrClosed         = errors.New("store is closed")
	ErrEmptyFrame     = errors.New("frame has no rows")
	ErrSchemaMismatch = errors.New("frame does not match store schema")
	ErrOutOfOrder     = errors.New("keys not in ascending order")
	ErrDecodeFormat   = errors.New("unrecognized column file format")
	ErrCorruptMeta    = errors.New("corrupt metadata artifact")
	ErrUnknownColumn  = errors.New("unknown column")
)
