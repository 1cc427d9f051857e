// Deterministic partition directory names.
//
// A partition is named "<min>--<max>" from the bounds of its key column.
// Bounds are rendered with formatKey, then escaped to a filesystem-safe
// alphabet. Escaping can conflate distinct keys (for string keys with
// unusual bytes), so whenever it changes either bound a short blake2b
// digest of the raw name is appended, keeping names collision-free while
// staying deterministic.
package castra

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// nameSeparator joins the two bounds. Double dash keeps single dashes in
// timestamps and negative numbers unambiguous.
const nameSeparator = "--"

// partitionName derives the directory name for a partition holding keys
// in [min, max].
func partitionName(dt DType, min, max Key) string {
	rawMin := formatKey(dt, min)
	rawMax := formatKey(dt, max)
	escMin := escape(rawMin)
	escMax := escape(rawMax)
	name := escMin + nameSeparator + escMax
	if escMin != rawMin || escMax != rawMax {
		name += nameSeparator + digest(rawMin+nameSeparator+rawMax)
	}
	return name
}

// columnFile derives the file name storing a column inside a partition
// directory (and its dictionary log under meta/categories/). The same
// digest guard as partitionName keeps two column names that escape to
// the same bytes in distinct files.
func columnFile(col string) string {
	escaped := escape(col)
	if escaped != col {
		escaped += "." + digest(col)
	}
	return escaped
}

// escape maps a key rendering to the safe alphabet [A-Za-z0-9._:+-],
// replacing everything else with '_'.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' || c == '_' || c == ':' || c == '+' || c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// digest returns 8 hex characters of blake2b over s.
func digest(s string) string {
	h, _ := blake2b.New(4, nil) // 4 bytes = 8 hex chars
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
