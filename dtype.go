// Element types and key handling.
//
// Four element types are supported: Int64, Float64, Timestamp
// (nanosecond precision, UTC) and String. Keys — the values of the index
// column — are scalars of one of these types. Query bounds arrive as
// loosely-typed Go values and are coerced to the index type before
// comparison, so a textual timestamp compares correctly against a
// temporal key.
package castra

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// DType identifies the element type of a column.
type DType uint8

// Supported element types.
const (
	Int64 DType = iota + 1
	Float64
	Timestamp
	String
)

// Key is a scalar of the index column's type: int64, float64, time.Time
// or string. Query bounds additionally accept int (for Int64 and Float64
// keys) and textual timestamps (for Timestamp keys).
type Key = any

func (dt DType) String() string {
	switch dt {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Timestamp:
		return "timestamp"
	case String:
		return "string"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(dt))
	}
}

// parseDType is the inverse of String, used when loading metadata.
func parseDType(s string) (DType, error) {
	switch s {
	case "int64":
		return Int64, nil
	case "float64":
		return Float64, nil
	case "timestamp":
		return Timestamp, nil
	case "string":
		return String, nil
	default:
		return 0, fmt.Errorf("%w: dtype %q", ErrCorruptMeta, s)
	}
}

// timestampNS is the Arrow type used for all temporal columns.
var timestampNS = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}

// arrowType maps a DType to its Arrow data type.
func (dt DType) arrowType() arrow.DataType {
	switch dt {
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Timestamp:
		return timestampNS
	case String:
		return arrow.BinaryTypes.String
	default:
		return nil
	}
}

// dtypeOf maps an Arrow array back to its DType.
func dtypeOf(arr arrow.Array) (DType, error) {
	switch arr.DataType().ID() {
	case arrow.INT64:
		return Int64, nil
	case arrow.FLOAT64:
		return Float64, nil
	case arrow.TIMESTAMP:
		// Everything downstream reads temporal values as nanoseconds.
		if t := arr.DataType().(*arrow.TimestampType); t.Unit != arrow.Nanosecond {
			return 0, fmt.Errorf("%w: timestamp unit %s, want ns", ErrSchemaMismatch, t.Unit)
		}
		return Timestamp, nil
	case arrow.STRING:
		return String, nil
	default:
		return 0, fmt.Errorf("%w: unsupported arrow type %s", ErrSchemaMismatch, arr.DataType())
	}
}

// Timestamp layouts accepted when coercing textual bounds, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceKey converts a loosely-typed bound to the canonical Go type for
// the index dtype.
func coerceKey(dt DType, k Key) (Key, error) {
	switch dt {
	case Int64:
		switch v := k.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		}
	case Float64:
		switch v := k.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case Timestamp:
		switch v := k.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			for _, layout := range timestampLayouts {
				if t, err := time.Parse(layout, v); err == nil {
					return t.UTC(), nil
				}
			}
		}
	case String:
		if v, ok := k.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s key", k, dt)
}

// compareKeys compares two coerced keys of the same dtype.
func compareKeys(dt DType, a, b Key) int {
	switch dt {
	case Int64:
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case Float64:
		x, y := a.(float64), b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case Timestamp:
		return a.(time.Time).Compare(b.(time.Time))
	case String:
		x, y := a.(string), b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// formatKey renders a coerced key as a string. The rendering is
// deterministic, so it doubles as the textual form in partition names
// and metadata artifacts.
func formatKey(dt DType, k Key) string {
	switch dt {
	case Int64:
		return strconv.FormatInt(k.(int64), 10)
	case Float64:
		return strconv.FormatFloat(k.(float64), 'g', -1, 64)
	case Timestamp:
		return k.(time.Time).UTC().Format(time.RFC3339Nano)
	case String:
		return k.(string)
	default:
		return ""
	}
}

// parseKey is the inverse of formatKey, used when loading metadata.
func parseKey(dt DType, s string) (Key, error) {
	switch dt {
	case Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrCorruptMeta, s, err)
		}
		return v, nil
	case Float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrCorruptMeta, s, err)
		}
		return v, nil
	case Timestamp:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrCorruptMeta, s, err)
		}
		return t.UTC(), nil
	case String:
		return s, nil
	default:
		return nil, fmt.Errorf("%w: dtype %d", ErrCorruptMeta, dt)
	}
}

// keyAt extracts the key at row i of an index array.
func keyAt(arr arrow.Array, i int) Key {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Timestamp:
		return time.Unix(0, int64(a.Value(i))).UTC()
	case *array.String:
		return a.Value(i)
	default:
		return nil
	}
}
