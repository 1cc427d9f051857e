// Dictionary coding for low-cardinality text columns.
//
// Each categorical column owns a growing ordered dictionary of distinct
// values; a value's code is its position, assigned on first sight and
// never reassigned or compacted. That stability is what keeps previously
// written code files decodable without rewriting. On disk the dictionary
// is an append-only log under meta/categories/<column>: each append
// writes only the values the batch introduced, so the I/O cost of an
// extend is bounded by the delta, not the dictionary. A column with no
// log yet simply has an empty dictionary.
//
// Log record framing: uint32 little-endian payload length, 8-byte xxh3
// digest of the payload, then the JSON-encoded value. The digest turns a
// torn append into a load-time error instead of a silently wrong code
// assignment.
package castra

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/array"
	json "github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// categoryRegistry tracks the dictionary of every categorical column.
type categoryRegistry struct {
	values map[string][]string         // column -> ordered dictionary
	codes  map[string]map[string]int64 // column -> value -> position
}

// newCategoryRegistry starts empty dictionaries for the given columns.
func newCategoryRegistry(columns []string) *categoryRegistry {
	r := &categoryRegistry{
		values: make(map[string][]string, len(columns)),
		codes:  make(map[string]map[string]int64, len(columns)),
	}
	for _, col := range columns {
		r.values[col] = nil
		r.codes[col] = make(map[string]int64)
	}
	return r
}

// tracked reports whether a column is dictionary-coded.
func (r *categoryRegistry) tracked(col string) bool {
	_, ok := r.values[col]
	return ok
}

// decategorize replaces every tracked column of the frame with its
// Int64 code array, growing dictionaries with values the batch
// introduces in first-seen row order. It returns the per-column new
// entries so the caller can persist exactly the delta.
func (r *categoryRegistry) decategorize(f *Frame) (map[string][]string, *Frame, error) {
	extra := make(map[string][]string)
	out := f
	for _, col := range f.Names() {
		if !r.tracked(col) {
			continue
		}
		strs, ok := f.Column(col).(*array.String)
		if !ok {
			return nil, nil, fmt.Errorf("%w: categorical column %q is not a string column", ErrSchemaMismatch, col)
		}
		codes := make([]int64, strs.Len())
		for i := 0; i < strs.Len(); i++ {
			v := strs.Value(i)
			code, seen := r.codes[col][v]
			if !seen {
				code = int64(len(r.values[col]))
				r.values[col] = append(r.values[col], v)
				r.codes[col][v] = code
				extra[col] = append(extra[col], v)
			}
			codes[i] = code
		}
		out = out.withColumn(col, NewInt64Array(codes))
	}
	return extra, out, nil
}

// categorize is the inverse mapping: every tracked column present in the
// frame has its integer codes replaced by the dictionary values at those
// positions. Untracked columns pass through unchanged.
func (r *categoryRegistry) categorize(f *Frame) (*Frame, error) {
	out := f
	for _, col := range f.Names() {
		if !r.tracked(col) {
			continue
		}
		codes, ok := f.Column(col).(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%w: categorical column %q is not coded", ErrSchemaMismatch, col)
		}
		dict := r.values[col]
		vals := make([]string, codes.Len())
		for i, code := range codes.Int64Values() {
			if code < 0 || int(code) >= len(dict) {
				return nil, fmt.Errorf("%w: column %q code %d outside dictionary of %d", ErrCorruptMeta, col, code, len(dict))
			}
			vals[i] = dict[code]
		}
		out = out.withColumn(col, NewStringArray(vals))
	}
	return out, nil
}

// appendCategories appends new dictionary entries to the per-column logs
// under dir. Only the delta is written; existing log content is never
// rewritten.
func appendCategories(dir string, extra map[string][]string) error {
	for col, vals := range extra {
		if len(vals) == 0 {
			continue
		}
		f, err := os.OpenFile(filepath.Join(dir, columnFile(col)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		for _, v := range vals {
			rec, err := encodeLogRecord(v)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(rec); err != nil {
				f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// loadCategories rebuilds the registry for the given columns by reading
// each column's log front to back. A missing log file means the column
// has not yet observed any values.
func loadCategories(dir string, columns []string) (*categoryRegistry, error) {
	r := newCategoryRegistry(columns)
	for _, col := range columns {
		path := filepath.Join(dir, columnFile(col))
		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for len(buf) > 0 {
			v, rest, err := decodeLogRecord(buf)
			if err != nil {
				return nil, fmt.Errorf("%w: dictionary log %q: %w", ErrCorruptMeta, col, err)
			}
			r.codes[col][v] = int64(len(r.values[col]))
			r.values[col] = append(r.values[col], v)
			buf = rest
		}
	}
	return r, nil
}

const logRecordHeader = 4 + 8

func encodeLogRecord(v string) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, logRecordHeader, logRecordHeader+len(payload))
	binary.LittleEndian.PutUint32(rec[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(rec[4:], xxh3.Hash(payload))
	return append(rec, payload...), nil
}

func decodeLogRecord(buf []byte) (string, []byte, error) {
	if len(buf) < logRecordHeader {
		return "", nil, fmt.Errorf("truncated record header")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:]))
	digest := binary.LittleEndian.Uint64(buf[4:])
	if len(buf) < logRecordHeader+n {
		return "", nil, fmt.Errorf("truncated record payload")
	}
	payload := buf[logRecordHeader : logRecordHeader+n]
	if xxh3.Hash(payload) != digest {
		return "", nil, fmt.Errorf("digest mismatch")
	}
	var v string
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", nil, err
	}
	return v, buf[logRecordHeader+n:], nil
}
