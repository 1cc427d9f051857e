// Frame: the in-memory tabular unit exchanged with the store.
//
// A Frame is an ordered set of named Arrow arrays plus a separate index
// array holding the key column. All arrays have the same length. The
// store neither supports nulls nor checks for them; batches are expected
// to be dense. Frames are immutable once constructed — operations that
// reshape a frame (trim, concat, dictionary coding) return a new one.
package castra

import (
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Frame holds named columns and a key column of equal length.
type Frame struct {
	names   []string
	columns []arrow.Array
	index   arrow.Array
}

// NewFrame builds a frame from parallel column names and arrays plus an
// index array. All arrays must have the same length.
func NewFrame(names []string, columns []arrow.Array, index arrow.Array) (*Frame, error) {
	if len(names) != len(columns) {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrSchemaMismatch, len(names), len(columns))
	}
	for i, col := range columns {
		if col.Len() != index.Len() {
			return nil, fmt.Errorf("%w: column %q has %d rows, index has %d",
				ErrSchemaMismatch, names[i], col.Len(), index.Len())
		}
	}
	return &Frame{names: append([]string(nil), names...), columns: columns, index: index}, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.index.Len() }

// Names returns the column names in frame order.
func (f *Frame) Names() []string { return append([]string(nil), f.names...) }

// Index returns the key column.
func (f *Frame) Index() arrow.Array { return f.index }

// Column returns the named column, or nil if absent.
func (f *Frame) Column(name string) arrow.Array {
	for i, n := range f.names {
		if n == name {
			return f.columns[i]
		}
	}
	return nil
}

// withColumn returns a copy of the frame with the named column replaced.
func (f *Frame) withColumn(name string, col arrow.Array) *Frame {
	columns := append([]arrow.Array(nil), f.columns...)
	for i, n := range f.names {
		if n == name {
			columns[i] = col
		}
	}
	return &Frame{names: f.names, columns: columns, index: f.index}
}

// slice returns the row range [i, j) of the frame.
func (f *Frame) slice(i, j int) *Frame {
	columns := make([]arrow.Array, len(f.columns))
	for k, col := range f.columns {
		columns[k] = array.NewSlice(col, int64(i), int64(j))
	}
	return &Frame{names: f.names, columns: columns, index: array.NewSlice(f.index, int64(i), int64(j))}
}

// trim narrows the frame to rows whose key satisfies start <= key <= stop.
// Either bound may be nil (unbounded). Keys must be in ascending order,
// which Extend enforces at write time, so both cuts are binary searches.
func (f *Frame) trim(dt DType, start, stop Key) *Frame {
	lo, hi := 0, f.Len()
	if start != nil {
		lo = sort.Search(f.Len(), func(i int) bool {
			return compareKeys(dt, keyAt(f.index, i), start) >= 0
		})
	}
	if stop != nil {
		hi = sort.Search(f.Len(), func(i int) bool {
			return compareKeys(dt, keyAt(f.index, i), stop) > 0
		})
	}
	if lo > hi {
		lo = hi
	}
	if lo == 0 && hi == f.Len() {
		return f
	}
	return f.slice(lo, hi)
}

// concatFrames concatenates frames row-wise in the given order. All
// frames must share column names and types; the store guarantees this
// for frames loaded from partitions of one schema.
func concatFrames(frames []*Frame) (*Frame, error) {
	if len(frames) == 1 {
		return frames[0], nil
	}
	first := frames[0]
	columns := make([]arrow.Array, len(first.columns))
	for i := range first.columns {
		parts := make([]arrow.Array, len(frames))
		for j, fr := range frames {
			parts[j] = fr.columns[i]
		}
		col, err := array.Concatenate(parts, memory.DefaultAllocator)
		if err != nil {
			return nil, fmt.Errorf("concatenate column %q: %w", first.names[i], err)
		}
		columns[i] = col
	}
	parts := make([]arrow.Array, len(frames))
	for j, fr := range frames {
		parts[j] = fr.index
	}
	index, err := array.Concatenate(parts, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("concatenate index: %w", err)
	}
	return &Frame{names: first.names, columns: columns, index: index}, nil
}

// emptyFrame builds a zero-row frame for the given columns of a schema.
func emptyFrame(s *Schema, columns []string) *Frame {
	cols := make([]arrow.Array, len(columns))
	for i, name := range columns {
		cols[i] = emptyArray(s.DTypes[name])
	}
	return &Frame{names: append([]string(nil), columns...), columns: cols, index: emptyArray(s.IndexDType)}
}

func emptyArray(dt DType) arrow.Array {
	b := array.NewBuilder(memory.DefaultAllocator, dt.arrowType())
	defer b.Release()
	return b.NewArray()
}

// Array constructors for callers assembling frames from Go slices.

// NewInt64Array builds an Int64 column.
func NewInt64Array(vals []int64) arrow.Array {
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

// NewFloat64Array builds a Float64 column.
func NewFloat64Array(vals []float64) arrow.Array {
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

// NewTimestampArray builds a Timestamp column from times, stored as
// nanoseconds since the Unix epoch in UTC.
func NewTimestampArray(vals []time.Time) arrow.Array {
	b := array.NewTimestampBuilder(memory.DefaultAllocator, timestampNS)
	defer b.Release()
	ts := make([]arrow.Timestamp, len(vals))
	for i, v := range vals {
		ts[i] = arrow.Timestamp(v.UnixNano())
	}
	b.AppendValues(ts, nil)
	return b.NewArray()
}

// NewStringArray builds a String column.
func NewStringArray(vals []string) arrow.Array {
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}
