package castra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
)

// xy builds a frame with schema {x: int64, y: string} over an int64 key.
func xy(t *testing.T, keys, xs []int64, ys []string) *Frame {
	t.Helper()
	f, err := NewFrame(
		[]string{"x", "y"},
		[]arrow.Array{NewInt64Array(xs), NewStringArray(ys)},
		NewInt64Array(keys),
	)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return f
}

func xyTemplate(t *testing.T) *Frame {
	return xy(t, []int64{0}, []int64{0}, []string{""})
}

// openTestStore creates a store with the {x, y} schema, y dictionary-coded.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Config{Template: xyTemplate(t), Categorize: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

// extendDecades appends partitions with keys [0..9] and [10..19]; y cycles
// through three repeated text values so dictionary coding has work to do.
var decadeYs = []string{"red", "green", "blue", "red", "green", "blue", "red", "green", "blue", "red"}

func extendDecades(t *testing.T, s *Store) {
	t.Helper()
	for p := int64(0); p < 2; p++ {
		keys := make([]int64, 10)
		xs := make([]int64, 10)
		for i := range keys {
			keys[i] = p*10 + int64(i)
			xs[i] = keys[i] * 2
		}
		if err := s.Extend(xy(t, keys, xs, decadeYs)); err != nil {
			t.Fatalf("extend: %v", err)
		}
	}
}

func TestOpenNewRequiresTemplate(t *testing.T) {
	if _, err := Open(t.TempDir(), Config{}); !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestOpenExistingRejectsTemplate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Config{Template: xyTemplate(t)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(dir, Config{Template: xyTemplate(t)}); !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestOpenPathNotDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, Config{Template: xyTemplate(t)}); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("err = %v, want ErrNotDirectory", err)
	}
}

func TestOpenValidatesCategories(t *testing.T) {
	if _, err := Open(t.TempDir(), Config{Template: xyTemplate(t), Categories: []string{"nope"}}); !errors.Is(err, ErrConfig) {
		t.Errorf("unknown column: err = %v, want ErrConfig", err)
	}
	if _, err := Open(t.TempDir(), Config{Template: xyTemplate(t), Categories: []string{"x"}}); !errors.Is(err, ErrConfig) {
		t.Errorf("non-string column: err = %v, want ErrConfig", err)
	}
}

func TestOpenCleansUpOnConfigError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	if _, err := Open(dir, Config{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory left behind after failed open")
	}
}

func TestCreateRejectsReservedColumnName(t *testing.T) {
	tmpl, err := NewFrame(
		[]string{".index"},
		[]arrow.Array{NewInt64Array([]int64{0})},
		NewInt64Array([]int64{0}),
	)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := Open(t.TempDir(), Config{Template: tmpl}); !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

// Column names that escape to the same file name bytes must not share a
// file inside a partition.
func TestExtendColumnsEscapingAlike(t *testing.T) {
	frame := func(a, b, key int64) *Frame {
		f, err := NewFrame(
			[]string{"a b", "a_b"},
			[]arrow.Array{NewInt64Array([]int64{a}), NewInt64Array([]int64{b})},
			NewInt64Array([]int64{key}),
		)
		if err != nil {
			t.Fatalf("frame: %v", err)
		}
		return f
	}

	s, err := Open(t.TempDir(), Config{Template: frame(0, 0, 0)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Extend(frame(111, 222, 1)); err != nil {
		t.Fatalf("extend: %v", err)
	}
	got, err := s.Query(nil, nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if vals := int64Column(t, got.Column("a b")); !equalInt64s(vals, []int64{111}) {
		t.Errorf(`"a b" = %v, want [111]`, vals)
	}
	if vals := int64Column(t, got.Column("a_b")); !equalInt64s(vals, []int64{222}) {
		t.Errorf(`"a_b" = %v, want [222]`, vals)
	}
}

func TestCategoriesAccessor(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Config{Template: xyTemplate(t), Categorize: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.Categories(); !equalStrings(got, []string{"y"}) {
		t.Errorf("categories = %v, want [y]", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got := s.Categories(); !equalStrings(got, []string{"y"}) {
		t.Errorf("categories after reopen = %v, want [y]", got)
	}
}

func TestQuerySpansPartitions(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	got, err := s.Query(3, 15, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 13 {
		t.Fatalf("rows = %d, want 13", got.Len())
	}

	keys := int64Column(t, got.Index())
	for i, k := range keys {
		if k != int64(3+i) {
			t.Fatalf("keys = %v", keys)
		}
	}
	xs := int64Column(t, got.Column("x"))
	ys := stringColumn(t, got, "y")
	for i, k := range keys {
		if xs[i] != k*2 {
			t.Errorf("x[%d] = %d, want %d", i, xs[i], k*2)
		}
		if want := decadeYs[k%10]; ys[i] != want {
			t.Errorf("y[%d] = %q, want %q", i, ys[i], want)
		}
	}
}

func TestQueryInsideSinglePartition(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	got, err := s.Query(3, 5, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if keys := int64Column(t, got.Index()); !equalInt64s(keys, []int64{3, 4, 5}) {
		t.Errorf("keys = %v, want [3 4 5]", keys)
	}
}

func TestQueryBoundaryInclusive(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	// 9 is the first partition's max, 10 the second's min: both inclusive.
	got, err := s.Query(9, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if keys := int64Column(t, got.Index()); !equalInt64s(keys, []int64{9, 10}) {
		t.Errorf("keys = %v, want [9 10]", keys)
	}
}

func TestQueryOpenEnded(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	got, err := s.Query(nil, nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 20 {
		t.Errorf("rows = %d, want 20", got.Len())
	}

	got, err = s.Query(15, nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 5 {
		t.Errorf("rows = %d, want 5", got.Len())
	}
}

func TestQueryProjection(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	got, err := s.Query(0, 4, []string{"y"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Column("x") != nil {
		t.Error("x should not be loaded")
	}
	if ys := stringColumn(t, got, "y"); !equalStrings(ys, decadeYs[:5]) {
		t.Errorf("ys = %v", ys)
	}

	if _, err := s.Query(0, 4, []string{"z"}); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("err = %v, want ErrUnknownColumn", err)
	}
}

func TestQueryEmptyResult(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()

	got, err := s.Query(3, 15, nil)
	if err != nil {
		t.Fatalf("query on empty store: %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("rows = %d, want 0", got.Len())
	}

	extendDecades(t, s)
	got, err = s.Query(100, 200, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("rows = %d, want 0", got.Len())
	}
}

func TestExtendEmptyFrame(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()

	err := s.Extend(xy(t, nil, nil, nil))
	if !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("err = %v, want ErrEmptyFrame", err)
	}
}

func TestExtendSchemaMismatch(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()

	f, err := NewFrame([]string{"x", "z"},
		[]arrow.Array{NewInt64Array([]int64{1}), NewStringArray([]string{"a"})},
		NewInt64Array([]int64{1}))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := s.Extend(f); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("renamed column: err = %v, want ErrSchemaMismatch", err)
	}

	f, err = NewFrame([]string{"x", "y"},
		[]arrow.Array{NewFloat64Array([]float64{1}), NewStringArray([]string{"a"})},
		NewInt64Array([]int64{1}))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := s.Extend(f); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("wrong dtype: err = %v, want ErrSchemaMismatch", err)
	}
}

func TestExtendUnsortedKeys(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()

	err := s.Extend(xy(t, []int64{3, 1, 2}, []int64{0, 0, 0}, []string{"a", "b", "c"}))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestExtendMustAdvance(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	err := s.Extend(xy(t, []int64{5, 6}, []int64{0, 0}, []string{"a", "b"}))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestReopenPersistsEverything(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Config{Template: xyTemplate(t), Categorize: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	extendDecades(t, s)
	wantDict := append([]string(nil), s.cats.values["y"]...)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	// Dictionary content and code assignment survive the reopen exactly.
	if !equalStrings(s2.cats.values["y"], wantDict) {
		t.Errorf("dictionary = %v, want %v", s2.cats.values["y"], wantDict)
	}

	got, err := s2.Query(3, 15, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 13 {
		t.Errorf("rows = %d, want 13", got.Len())
	}

	// New batches keep extending with stable codes for old values.
	if err := s2.Extend(xy(t, []int64{20, 21}, []int64{40, 42}, []string{"red", "violet"})); err != nil {
		t.Fatalf("extend after reopen: %v", err)
	}
	got, err = s2.Query(19, 21, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ys := stringColumn(t, got, "y"); !equalStrings(ys, []string{"red", "red", "violet"}) {
		t.Errorf("ys = %v", ys)
	}
}

func TestPartitionBoundaries(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()

	if s.Minimum() != nil {
		t.Errorf("minimum = %v, want nil on empty store", s.Minimum())
	}
	extendDecades(t, s)

	if s.Minimum() != int64(0) {
		t.Errorf("minimum = %v, want 0", s.Minimum())
	}
	parts := s.Partitions()
	if len(parts) != 2 || parts[0].Max != int64(9) || parts[1].Max != int64(19) {
		t.Errorf("partitions = %+v", parts)
	}
	if parts[0].Name != "0--9" || parts[1].Name != "10--19" {
		t.Errorf("names = %q, %q", parts[0].Name, parts[1].Name)
	}
}

func TestLoadPartition(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	f, err := s.LoadPartition("10--19", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Len() != 10 {
		t.Errorf("rows = %d, want 10", f.Len())
	}
	if ys := stringColumn(t, f, "y"); !equalStrings(ys, decadeYs) {
		t.Errorf("ys = %v", ys)
	}

	arr, err := s.LoadColumn("0--9", "x")
	if err != nil {
		t.Fatalf("load column: %v", err)
	}
	if xs := int64Column(t, arr); xs[9] != 18 {
		t.Errorf("xs = %v", xs)
	}
}

func TestCategoricalColumnStoredAsCodes(t *testing.T) {
	s := openTestStore(t)
	defer s.Drop()
	extendDecades(t, s)

	// On disk the y column of a partition is a numeric code file.
	buf, err := os.ReadFile(filepath.Join(s.Path(), "0--9", "y"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != tagNumeric {
		t.Errorf("tag = 0x%02x, want numeric", buf[0])
	}
}

func TestOrphanPartitionInvisible(t *testing.T) {
	// A partition directory the index never learned about (the crash
	// model's orphan) is ignored by queries.
	dir := t.TempDir()
	s, err := Open(dir, Config{Template: xyTemplate(t), Categorize: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	extendDecades(t, s)
	if err := os.Mkdir(filepath.Join(dir, "50--59"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Query(nil, nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Len() != 20 {
		t.Errorf("rows = %d, want 20", got.Len())
	}
}

func TestDropIdempotent(t *testing.T) {
	s := openTestStore(t)
	extendDecades(t, s)

	if err := s.Drop(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("directory should be gone")
	}
	if err := s.Drop(); err != nil {
		t.Errorf("second drop: %v", err)
	}
}

func TestEphemeralStore(t *testing.T) {
	s, err := Open("", Config{Template: xyTemplate(t), Categorize: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	extendDecades(t, s)

	path := s.Path()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ephemeral directory should be removed on close")
	}
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if err := s.Extend(xy(t, []int64{1}, []int64{1}, []string{"a"})); !errors.Is(err, ErrClosed) {
		t.Errorf("extend: err = %v, want ErrClosed", err)
	}
	if _, err := s.Query(0, 1, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("query: err = %v, want ErrClosed", err)
	}
	if err := s.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("flush: err = %v, want ErrClosed", err)
	}
}
