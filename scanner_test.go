package walcheck_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/walcheck/walcheck"
	"github.com/walcheck/walcheck/internal/testingutil"
)

func TestScanner_Trees(t *testing.T) {
	const pageSize = 512

	master := [][]byte{
		testingutil.MakeTableLeafCell(1, testingutil.MakeMasterRecord(t, "table", "t", "t", 2, "CREATE TABLE t (a)")),
		testingutil.MakeTableLeafCell(2, testingutil.MakeMasterRecord(t, "index", "i", "t", 3, "CREATE UNIQUE INDEX i ON t (a)")),
		testingutil.MakeTableLeafCell(3, testingutil.MakeMasterRecord(t, "index", "sqlite_autoindex_t_1", "t", 4, "")),
		testingutil.MakeTableLeafCell(4, testingutil.MakeMasterRecord(t, "view", "v", "v", 0, "CREATE VIEW v AS SELECT 1")),
	}
	pages := [][]byte{
		testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, master),
		testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableLeaf, 0, nil),
		testingutil.MakePage(t, pageSize, 3, walcheck.PageTypeIndexLeaf, 0, nil),
		testingutil.MakePage(t, pageSize, 4, walcheck.PageTypeIndexLeaf, 0, nil),
	}

	cache := newTestCache(t, pageSize, pages)
	scanner := walcheck.NewScanner(cache)

	trees, err := scanner.Trees()
	if err != nil {
		t.Fatal(err)
	} else if got, want := len(trees), 3; got != want {
		t.Fatalf("trees=%d, want %d", got, want)
	}

	if got, want := trees[0], (walcheck.Tree{RootPage: 2, Name: "t", TableName: "t", SQL: "CREATE TABLE t (a)", IsTable: true}); !reflect.DeepEqual(got, want) {
		t.Fatalf("tree=%+v, want %+v", got, want)
	}
	if !trees[1].IsUnique {
		t.Fatal("explicit UNIQUE index should be unique")
	}
	if !trees[2].IsUnique {
		t.Fatal("autoindex should be unique")
	}
}

func TestScanner_ScanTable(t *testing.T) {
	const pageSize = 512

	t.Run("MultiLevelOrder", func(t *testing.T) {
		// page 2 interior -> left child 3, right-most child 4.
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableInterior, 4, [][]byte{
				testingutil.MakeTableInteriorCell(3, 2),
			}),
			testingutil.MakePage(t, pageSize, 3, walcheck.PageTypeTableLeaf, 0, [][]byte{
				testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "a")),
				testingutil.MakeTableLeafCell(2, testingutil.MakeRecord(t, "b")),
			}),
			testingutil.MakePage(t, pageSize, 4, walcheck.PageTypeTableLeaf, 0, [][]byte{
				testingutil.MakeTableLeafCell(3, testingutil.MakeRecord(t, "c")),
			}),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		var rowids []int64
		var locs []walcheck.Location
		if err := scanner.ScanTable(2, func(rowid int64, loc walcheck.Location) error {
			rowids = append(rowids, rowid)
			locs = append(locs, loc)
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		if got, want := rowids, []int64{1, 2, 3}; !reflect.DeepEqual(got, want) {
			t.Fatalf("rowids=%v, want %v", got, want)
		}
		if got, want := locs[0], (walcheck.Location{Page: 3, Cell: 0, Frame: -1}); got != want {
			t.Fatalf("loc=%v, want %v", got, want)
		}
		if got, want := locs[2], (walcheck.Location{Page: 4, Cell: 0, Frame: -1}); got != want {
			t.Fatalf("loc=%v, want %v", got, want)
		}
	})

	t.Run("CycleDetected", func(t *testing.T) {
		// The right-most child repeats the left child.
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableInterior, 3, [][]byte{
				testingutil.MakeTableInteriorCell(3, 5),
			}),
			testingutil.MakePage(t, pageSize, 3, walcheck.PageTypeTableLeaf, 0, nil),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		err := scanner.ScanTable(2, func(int64, walcheck.Location) error { return nil })
		if !errors.Is(err, walcheck.ErrCycleDetected) {
			t.Fatalf("expected cycle, got %v", err)
		}
	})

	t.Run("SelfReference", func(t *testing.T) {
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableInterior, 2, nil),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		err := scanner.ScanTable(2, func(int64, walcheck.Location) error { return nil })
		if !errors.Is(err, walcheck.ErrCycleDetected) {
			t.Fatalf("expected cycle, got %v", err)
		}
	})

	t.Run("DepthExceeded", func(t *testing.T) {
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableInterior, 3, nil),
			testingutil.MakePage(t, pageSize, 3, walcheck.PageTypeTableLeaf, 0, nil),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)
		scanner.MaxDepth = 1

		err := scanner.ScanTable(2, func(int64, walcheck.Location) error { return nil })
		if !errors.Is(err, walcheck.ErrDepthExceeded) {
			t.Fatalf("expected depth exceeded, got %v", err)
		}
	})

	t.Run("WrongPageKind", func(t *testing.T) {
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeIndexLeaf, 0, nil),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		err := scanner.ScanTable(2, func(int64, walcheck.Location) error { return nil })
		if !errors.Is(err, walcheck.ErrMalformedPage) {
			t.Fatalf("expected malformed page, got %v", err)
		}
	})
}

func TestScanner_ScanIndex(t *testing.T) {
	const pageSize = 512

	t.Run("EmitsKeys", func(t *testing.T) {
		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeIndexLeaf, 0, [][]byte{
				testingutil.MakeIndexLeafCell(testingutil.MakeRecord(t, "a@b", int64(1))),
				testingutil.MakeIndexLeafCell(testingutil.MakeRecord(t, "c@d", int64(2))),
			}),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		var keys []string
		skipped, err := scanner.ScanIndex(2, func(key walcheck.IndexKey, loc walcheck.Location) error {
			keys = append(keys, key.String())
			return nil
		})
		if err != nil {
			t.Fatal(err)
		} else if got, want := skipped, 0; got != want {
			t.Fatalf("skipped=%d, want %d", got, want)
		} else if got, want := len(keys), 2; got != want {
			t.Fatalf("keys=%d, want %d", got, want)
		}
	})

	t.Run("SkipsOverflowingCells", func(t *testing.T) {
		// Declared payload of 600 bytes forces the overflow path; the local
		// prefix for an index cell on a 512-byte page is 92 bytes.
		overflowing := walcheck.AppendVarint(nil, 600)
		overflowing = append(overflowing, make([]byte, 92)...)
		overflowing = append(overflowing, 0, 0, 0, 9)

		pages := [][]byte{
			testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
			testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeIndexLeaf, 0, [][]byte{
				testingutil.MakeIndexLeafCell(testingutil.MakeRecord(t, "ok", int64(1))),
				overflowing,
			}),
		}

		cache := newTestCache(t, pageSize, pages)
		scanner := walcheck.NewScanner(cache)

		var n int
		skipped, err := scanner.ScanIndex(2, func(walcheck.IndexKey, walcheck.Location) error {
			n++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		} else if got, want := skipped, 1; got != want {
			t.Fatalf("skipped=%d, want %d", got, want)
		} else if got, want := n, 1; got != want {
			t.Fatalf("emitted=%d, want %d", got, want)
		}
	})
}

func TestScanner_IndexRowids(t *testing.T) {
	const pageSize = 512

	pages := [][]byte{
		testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil),
		testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeIndexLeaf, 0, [][]byte{
			testingutil.MakeIndexLeafCell(testingutil.MakeRecord(t, "a", int64(10))),
			testingutil.MakeIndexLeafCell(testingutil.MakeRecord(t, "b", int64(20))),
		}),
	}

	cache := newTestCache(t, pageSize, pages)
	scanner := walcheck.NewScanner(cache)

	rowids, err := scanner.IndexRowids(2)
	if err != nil {
		t.Fatal(err)
	} else if got, want := rowids, []int64{10, 20}; !reflect.DeepEqual(got, want) {
		t.Fatalf("rowids=%v, want %v", got, want)
	}
}
