// Column codec: one typed array to or from one compressed file.
//
// Every column file starts with a one-byte format tag so decode never
// has to probe. Fixed-width columns take the numeric path: the raw
// little-endian buffer is optionally byte-shuffled, then block-compressed
// with LZ4. Integer and timestamp data shuffle and compress at a high
// level — grouping the nth byte of every element together makes
// fixed-width numeric data far more compressible. Float data skips the
// shuffle and uses the fast level, since floats gain little ratio from
// shuffling but pay the decode cost. String columns take the generic
// path: JSON-encoded values compressed as a single Zstd blob.
//
// The numeric block carries no offsets or checksums — the format is
// trusted, not self-verifying, trading safety for size and speed.
package castra

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format tags, the first byte of every column file.
const (
	tagNumeric = 0x01
	tagGeneric = 0x02
)

// numericHeaderSize is tag + width + shuffle + rows + compressed length.
const numericHeaderSize = 1 + 1 + 1 + 8 + 4

// Shared encoder/decoder for the generic path — both are documented as
// safe for concurrent use, and construction is expensive relative to the
// small blobs we feed them. SpeedFastest mirrors the write-heavy usage:
// every append compresses, while decompression happens only on reads of
// uncoded text columns.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// pack writes a column to path, choosing the format from the array type.
func pack(arr arrow.Array, path string) error {
	switch a := arr.(type) {
	case *array.Int64:
		raw := make([]byte, 8*a.Len())
		for i, v := range a.Int64Values() {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
		return packNumeric(raw, 8, a.Len(), true, path)
	case *array.Timestamp:
		raw := make([]byte, 8*a.Len())
		for i, v := range a.TimestampValues() {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(int64(v)))
		}
		return packNumeric(raw, 8, a.Len(), true, path)
	case *array.Float64:
		raw := make([]byte, 8*a.Len())
		for i, v := range a.Float64Values() {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
		return packNumeric(raw, 8, a.Len(), false, path)
	case *array.String:
		vals := make([]string, a.Len())
		for i := range vals {
			vals[i] = a.Value(i)
		}
		return packGeneric(vals, path)
	default:
		return fmt.Errorf("%w: cannot pack %s", ErrSchemaMismatch, arr.DataType())
	}
}

// packNumeric block-compresses a raw fixed-width buffer. A compressed
// length of zero in the header means the payload is stored raw, which
// happens when LZ4 cannot shrink the block.
func packNumeric(raw []byte, width, rows int, shuffle bool, path string) error {
	src := raw
	if shuffle {
		src = shuffleBytes(raw, width)
	}

	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var n int
	var err error
	if shuffle {
		n, err = lz4.CompressBlockHC(src, dst, lz4.Level9, nil, nil)
	} else {
		n, err = lz4.CompressBlock(src, dst, nil)
	}
	if err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}

	payload := dst[:n]
	compLen := n
	if n == 0 || n >= len(src) {
		// Incompressible: store raw.
		payload = src
		compLen = 0
	}

	buf := make([]byte, numericHeaderSize, numericHeaderSize+len(payload))
	buf[0] = tagNumeric
	buf[1] = byte(width)
	if shuffle {
		buf[2] = 1
	}
	binary.LittleEndian.PutUint64(buf[3:], uint64(rows))
	binary.LittleEndian.PutUint32(buf[11:], uint32(compLen))
	buf = append(buf, payload...)

	return os.WriteFile(path, buf, 0o644)
}

// packGeneric serialises values as JSON and compresses them as one blob.
func packGeneric(vals []string, path string) error {
	data, err := json.Marshal(vals)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	buf := append([]byte{tagGeneric}, zstdEncoder.EncodeAll(data, nil)...)
	return os.WriteFile(path, buf, 0o644)
}

// unpack reads a column file written by pack. The expected dtype comes
// from the schema; dictionary-coded columns are read back as Int64 code
// arrays by passing Int64. A missing file surfaces as the underlying
// I/O error; a malformed file as ErrDecodeFormat.
func unpack(path string, dt DType) (arrow.Array, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrDecodeFormat, path)
	}

	switch buf[0] {
	case tagNumeric:
		return unpackNumeric(buf, path, dt)
	case tagGeneric:
		return unpackGeneric(buf, path, dt)
	default:
		return nil, fmt.Errorf("%w: %s has tag 0x%02x", ErrDecodeFormat, path, buf[0])
	}
}

func unpackNumeric(buf []byte, path string, dt DType) (arrow.Array, error) {
	if dt == String {
		return nil, fmt.Errorf("%w: %s holds numeric data, schema says string", ErrDecodeFormat, path)
	}
	if len(buf) < numericHeaderSize {
		return nil, fmt.Errorf("%w: %s truncated header", ErrDecodeFormat, path)
	}
	width := int(buf[1])
	shuffled := buf[2] == 1
	rows := binary.LittleEndian.Uint64(buf[3:])
	compLen := binary.LittleEndian.Uint32(buf[11:])
	payload := buf[numericHeaderSize:]

	if width != 8 || rows > uint64(math.MaxInt32) {
		return nil, fmt.Errorf("%w: %s header width=%d rows=%d", ErrDecodeFormat, path, width, rows)
	}
	rawLen := int(rows) * width

	var raw []byte
	if compLen == 0 {
		if len(payload) != rawLen {
			return nil, fmt.Errorf("%w: %s raw payload is %d bytes, want %d", ErrDecodeFormat, path, len(payload), rawLen)
		}
		raw = payload
	} else {
		if len(payload) != int(compLen) {
			return nil, fmt.Errorf("%w: %s payload is %d bytes, header says %d", ErrDecodeFormat, path, len(payload), compLen)
		}
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDecodeFormat, path, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: %s decompressed to %d bytes, want %d", ErrDecodeFormat, path, n, rawLen)
		}
	}
	if shuffled {
		raw = unshuffleBytes(raw, width)
	}

	switch dt {
	case Int64:
		vals := make([]int64, rows)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return NewInt64Array(vals), nil
	case Float64:
		vals := make([]float64, rows)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return NewFloat64Array(vals), nil
	case Timestamp:
		b := array.NewTimestampBuilder(memory.DefaultAllocator, timestampNS)
		defer b.Release()
		vals := make([]arrow.Timestamp, rows)
		for i := range vals {
			vals[i] = arrow.Timestamp(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		b.AppendValues(vals, nil)
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("%w: %s unsupported dtype %s", ErrDecodeFormat, path, dt)
	}
}

func unpackGeneric(buf []byte, path string, dt DType) (arrow.Array, error) {
	if dt != String {
		return nil, fmt.Errorf("%w: %s holds string data, schema says %s", ErrDecodeFormat, path, dt)
	}
	data, err := zstdDecoder.DecodeAll(buf[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: zstd: %w", ErrDecodeFormat, path, err)
	}
	var vals []string
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("%w: %s: json: %w", ErrDecodeFormat, path, err)
	}
	return NewStringArray(vals), nil
}

// shuffleBytes transposes a fixed-width buffer so that byte 0 of every
// element comes first, then byte 1, and so on.
func shuffleBytes(raw []byte, width int) []byte {
	rows := len(raw) / width
	out := make([]byte, len(raw))
	for b := 0; b < width; b++ {
		for i := 0; i < rows; i++ {
			out[b*rows+i] = raw[i*width+b]
		}
	}
	return out
}

// unshuffleBytes is the inverse of shuffleBytes.
func unshuffleBytes(raw []byte, width int) []byte {
	rows := len(raw) / width
	out := make([]byte, len(raw))
	for b := 0; b < width; b++ {
		for i := 0; i < rows; i++ {
			out[i*width+b] = raw[b*rows+i]
		}
	}
	return out
}
