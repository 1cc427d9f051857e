package castra_test

import (
	"fmt"
	"log"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/jpl-au/castra"
)

func Example() {
	// A template frame fixes the schema: x int64, y string, int64 keys.
	template, _ := castra.NewFrame(
		[]string{"x", "y"},
		[]arrow.Array{castra.NewInt64Array(nil), castra.NewStringArray(nil)},
		castra.NewInt64Array(nil),
	)

	// An empty path makes the store ephemeral: Close removes it.
	store, err := castra.Open("", castra.Config{Template: template, Categorize: true})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Append two ordered batches; each becomes an immutable partition.
	first, _ := castra.NewFrame(
		[]string{"x", "y"},
		[]arrow.Array{
			castra.NewInt64Array([]int64{10, 20, 30}),
			castra.NewStringArray([]string{"low", "low", "high"}),
		},
		castra.NewInt64Array([]int64{1, 2, 3}),
	)
	second, _ := castra.NewFrame(
		[]string{"x", "y"},
		[]arrow.Array{
			castra.NewInt64Array([]int64{40, 50}),
			castra.NewStringArray([]string{"high", "low"}),
		},
		castra.NewInt64Array([]int64{4, 5}),
	)
	store.Extend(first)
	store.Extend(second)

	// Read a key range back, both bounds inclusive.
	result, err := store.Query(2, 4, nil)
	if err != nil {
		log.Fatal(err)
	}

	keys := result.Index().(*array.Int64)
	ys := result.Column("y").(*array.String)
	for i := 0; i < result.Len(); i++ {
		fmt.Printf("%d %s\n", keys.Value(i), ys.Value(i))
	}
	// Output: 2 low
	// 3 high
	// 4 high
}
