// Partition index: the sole authority on partition ordering and
// membership.
//
// Partitions are recorded as (max key, name) entries sorted by strictly
// increasing max key, plus the global minimum key of the first
// partition. Selection binary-searches the entries whose max key falls
// inside the closed query interval, then applies the next-partition
// guard: when the interval's stop lies strictly inside a partition whose
// max key exceeds the matched upper bound, that partition must be
// included too, otherwise rows between the last matched max key and stop
// would be silently dropped.
package castra

import (
	"fmt"
	"sort"
)

type partitionEntry struct {
	max  Key
	name string
}

type partitionIndex struct {
	dtype   DType
	entries []partitionEntry
	minimum Key // lower bound of the first partition, nil until first insert
}

func newPartitionIndex(dt DType) *partitionIndex {
	return &partitionIndex{dtype: dt}
}

// insert appends a partition. Max keys must arrive in strictly
// increasing order; an append that does not extend the key space is a
// contract violation, not a merge.
func (p *partitionIndex) insert(max Key, name string) error {
	if n := len(p.entries); n > 0 && compareKeys(p.dtype, max, p.entries[n-1].max) <= 0 {
		return fmt.Errorf("%w: max key %s does not exceed %s", ErrOutOfOrder,
			formatKey(p.dtype, max), formatKey(p.dtype, p.entries[n-1].max))
	}
	p.entries = append(p.entries, partitionEntry{max: max, name: name})
	return nil
}

// selectRange returns the names of partitions covering [start, stop] in
// key order. Either bound may be nil (unbounded). Bounds are coerced to
// the index dtype first. An empty index or an inverted interval yields
// an empty list, never an error.
func (p *partitionIndex) selectRange(start, stop Key) ([]string, error) {
	if len(p.entries) == 0 {
		return nil, nil
	}

	var err error
	if start != nil {
		if start, err = coerceKey(p.dtype, start); err != nil {
			return nil, err
		}
	}
	if stop != nil {
		if stop, err = coerceKey(p.dtype, stop); err != nil {
			return nil, err
		}
	}
	if start != nil && stop != nil && compareKeys(p.dtype, start, stop) > 0 {
		return nil, nil
	}

	n := len(p.entries)
	lo := 0
	if start != nil {
		lo = sort.Search(n, func(i int) bool {
			return compareKeys(p.dtype, p.entries[i].max, start) >= 0
		})
	}
	hi := n
	if stop != nil {
		hi = sort.Search(n, func(i int) bool {
			return compareKeys(p.dtype, p.entries[i].max, stop) > 0
		})
	}
	if lo > hi {
		hi = lo
	}

	// Next-partition guard. When no entry's max key falls inside the
	// interval, or the last matched one still ends before stop, the
	// interval reaches into the following partition. An interval that
	// ends below the global minimum reaches nothing.
	if stop != nil && hi < n {
		switch {
		case hi > lo:
			if compareKeys(p.dtype, p.entries[hi-1].max, stop) < 0 {
				hi++
			}
		case lo == 0:
			if p.minimum == nil || compareKeys(p.dtype, stop, p.minimum) >= 0 {
				hi++
			}
		default:
			// Interval sits strictly inside entries[lo]'s key range.
			hi++
		}
	}
	if lo == hi {
		return nil, nil
	}

	names := make([]string, 0, hi-lo)
	for _, e := range p.entries[lo:hi] {
		names = append(names, e.name)
	}
	return names, nil
}

// PartitionInfo describes one partition for external schedulers: its
// name and the maximum key it contains. Together with Minimum these are
// the partition boundaries, computable without opening any column file.
type PartitionInfo struct {
	Name string
	Max  Key
}
