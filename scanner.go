package walcheck

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tree describes one B-tree discovered through sqlite_master.
type Tree struct {
	RootPage  uint32
	Name      string
	TableName string // for indexes, the table they cover
	SQL       string
	IsTable   bool
	IsUnique  bool // indexes only
}

// Location pins one observation to a page & cell. Frame is the WAL frame
// that last wrote the page, or -1 when the page comes from the base file.
type Location struct {
	Page  uint32
	Cell  uint16
	Frame int64
}

// String renders the location the way the report prints it.
func (l Location) String() string {
	if l.Frame < 0 {
		return fmt.Sprintf("page %d, cell %d (base db)", l.Page, l.Cell)
	}
	return fmt.Sprintf("page %d, cell %d (frame %d)", l.Page, l.Cell, l.Frame)
}

// Scanner walks B-trees through a page cache, emitting one observation per
// leaf cell in the order a reader would iterate: pointer-array order within
// a page, children left to right with the right-most child last.
type Scanner struct {
	cache *PageCache

	// MaxDepth bounds traversal depth to guard against pathological or
	// corrupt trees.
	MaxDepth int

	// Usable is the usable page size: page size minus the reserved space
	// declared in the database header. It feeds the overflow capacity
	// calculation.
	Usable uint32
}

// NewScanner returns a scanner over cache. Usable defaults to the full page
// size; callers with a database header should set it from there.
func NewScanner(cache *PageCache) *Scanner {
	return &Scanner{cache: cache, MaxDepth: DefaultMaxDepth, Usable: cache.PageSize()}
}

func (s *Scanner) usable() uint32 { return s.Usable }

// location stamps pgno & cell with the frame that last wrote the page.
func (s *Scanner) location(pgno uint32, cell int) Location {
	loc := Location{Page: pgno, Cell: uint16(cell), Frame: -1}
	if frame, ok := s.cache.FrameIndex(pgno); ok {
		loc.Frame = int64(frame)
	}
	return loc
}

// Trees discovers every table & index B-tree by scanning the sqlite_master
// table rooted at page 1. Schema rows that are malformed or whose payload
// spills to overflow pages are skipped; a duplicated schema row still
// contributes its tree so scanning covers both occurrences' targets.
func (s *Scanner) Trees() ([]Tree, error) {
	var trees []Tree
	err := s.walk(1, 1, make(map[uint32]struct{}), false, func(hdr *PageHeader, data []byte, ptrs []int) error {
		for _, ptr := range ptrs {
			cell, err := DecodeCell(data, ptr, hdr, s.usable())
			if err != nil {
				TraceLog.Printf("[Scanner.Trees]: msg=skip-malformed-cell page=%d offset=%d %s", hdr.Pgno, ptr, errorKeyValue(err))
				continue
			}
			if cell.HasOverflow {
				TraceLog.Printf("[Scanner.Trees]: msg=skip-overflow-cell page=%d offset=%d", hdr.Pgno, ptr)
				continue
			}
			if tree, ok := parseMasterRecord(cell.Payload); ok {
				trees = append(trees, tree)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trees, nil
}

// ScanTable walks the table B-tree rooted at root, invoking fn for every
// leaf cell with its decoded rowid. Rowids are reported even when the cell
// payload spills to overflow pages.
func (s *Scanner) ScanTable(root uint32, fn func(rowid int64, loc Location) error) error {
	treeScanMetric.WithLabelValues("table").Inc()
	return s.walk(root, 1, make(map[uint32]struct{}), false, func(hdr *PageHeader, data []byte, ptrs []int) error {
		for i, ptr := range ptrs {
			cell, err := DecodeCell(data, ptr, hdr, s.usable())
			if err != nil {
				return err
			}
			cellScanMetric.Inc()
			if err := fn(cell.Rowid, s.location(hdr.Pgno, i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanIndex walks the index B-tree rooted at root, invoking fn for every
// leaf cell whose key fits in-page. Cells whose payload spills to overflow
// pages are skipped and counted, never compared.
func (s *Scanner) ScanIndex(root uint32, fn func(key IndexKey, loc Location) error) (skipped int, err error) {
	treeScanMetric.WithLabelValues("index").Inc()
	err = s.walk(root, 1, make(map[uint32]struct{}), true, func(hdr *PageHeader, data []byte, ptrs []int) error {
		for i, ptr := range ptrs {
			cell, err := DecodeCell(data, ptr, hdr, s.usable())
			if err != nil {
				return err
			}
			cellScanMetric.Inc()
			if cell.HasOverflow {
				skipped++
				continue
			}
			key, err := ExtractIndexKey(cell.Payload)
			if err != nil {
				return err
			}
			if err := fn(key, s.location(hdr.Pgno, i)); err != nil {
				return err
			}
		}
		return nil
	})
	return skipped, err
}

// IndexRowids collects the rowid each index entry points back at. Entries
// with overflowing payloads or non-integer trailing columns are skipped.
func (s *Scanner) IndexRowids(root uint32) ([]int64, error) {
	var rowids []int64
	err := s.walk(root, 1, make(map[uint32]struct{}), true, func(hdr *PageHeader, data []byte, ptrs []int) error {
		for _, ptr := range ptrs {
			cell, err := DecodeCell(data, ptr, hdr, s.usable())
			if err != nil {
				return err
			}
			if cell.HasOverflow {
				continue
			}
			if rowid, ok := ExtractIndexRowid(cell.Payload); ok {
				rowids = append(rowids, rowid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rowids, nil
}

// walk recursively descends the tree at pgno, invoking leafFn with each
// leaf page's header, data, and cell pointers. Interior pages only route
// descent; their cells are never emitted.
func (s *Scanner) walk(pgno uint32, depth int, visited map[uint32]struct{}, index bool, leafFn func(hdr *PageHeader, data []byte, ptrs []int) error) error {
	if depth > s.MaxDepth {
		return fmt.Errorf("page %d at depth %d: %w", pgno, depth, ErrDepthExceeded)
	}
	if _, ok := visited[pgno]; ok {
		return fmt.Errorf("page %d revisited: %w", pgno, ErrCycleDetected)
	}
	visited[pgno] = struct{}{}

	data, err := s.cache.Get(pgno)
	if err != nil {
		return err
	}

	hdr, err := ParsePageHeader(data, pgno)
	if err != nil {
		return err
	}

	wantLeaf, wantInterior := byte(PageTypeTableLeaf), byte(PageTypeTableInterior)
	if index {
		wantLeaf, wantInterior = PageTypeIndexLeaf, PageTypeIndexInterior
	}

	switch hdr.Type {
	case wantLeaf:
		ptrs, err := hdr.CellPointers(data)
		if err != nil {
			return err
		}
		return leafFn(&hdr, data, ptrs)

	case wantInterior:
		ptrs, err := hdr.CellPointers(data)
		if err != nil {
			return err
		}

		for _, ptr := range ptrs {
			cell, err := DecodeCell(data, ptr, &hdr, s.usable())
			if err != nil {
				return err
			}
			if err := s.walk(cell.LeftChild, depth+1, visited, index, leafFn); err != nil {
				return err
			}
		}
		return s.walk(hdr.RightChild, depth+1, visited, index, leafFn)

	default:
		return fmt.Errorf("page %d has type %#02x in %s tree: %w", pgno, hdr.Type, treeKind(index), ErrMalformedPage)
	}
}

func treeKind(index bool) string {
	if index {
		return "index"
	}
	return "table"
}

// parseMasterRecord decodes one sqlite_master row: (type, name, tbl_name,
// rootpage, sql). Rows that are not tables or indexes, or whose root page is
// zero (views, triggers), are dropped.
func parseMasterRecord(payload []byte) (Tree, bool) {
	serialTypes, headerSize, err := DecodeRecordHeader(payload)
	if err != nil || len(serialTypes) < 4 {
		return Tree{}, false
	}

	offsets := make([]int, len(serialTypes))
	off := headerSize
	for i, st := range serialTypes {
		offsets[i] = off
		off += SerialTypeSize(st)
	}

	objType, ok := recordText(payload, serialTypes, offsets, 0)
	if !ok {
		return Tree{}, false
	}
	name, ok := recordText(payload, serialTypes, offsets, 1)
	if !ok {
		return Tree{}, false
	}
	tblName, _ := recordText(payload, serialTypes, offsets, 2)
	rootPage, ok := recordInt(payload, serialTypes, offsets, 3)
	if !ok || rootPage <= 0 {
		return Tree{}, false
	}
	sql, _ := recordText(payload, serialTypes, offsets, 4)

	if objType != "table" && objType != "index" {
		return Tree{}, false
	}

	tree := Tree{
		RootPage:  uint32(rootPage),
		Name:      name,
		TableName: tblName,
		SQL:       sql,
		IsTable:   objType == "table",
	}
	if !tree.IsTable {
		// Autoindexes back PRIMARY KEY & UNIQUE constraints and are always
		// unique; explicit indexes declare it in their SQL.
		tree.IsUnique = strings.HasPrefix(name, "sqlite_autoindex_") ||
			strings.Contains(strings.ToUpper(sql), "UNIQUE")
	}
	return tree, true
}

func recordText(payload []byte, serialTypes []uint64, offsets []int, col int) (string, bool) {
	if col >= len(serialTypes) {
		return "", false
	}
	st := serialTypes[col]
	if st < 13 || st%2 == 0 {
		return "", false
	}
	size := SerialTypeSize(st)
	off := offsets[col]
	if off+size > len(payload) {
		return "", false
	}
	return string(payload[off : off+size]), true
}

func recordInt(payload []byte, serialTypes []uint64, offsets []int, col int) (int64, bool) {
	if col >= len(serialTypes) {
		return 0, false
	}
	return decodeRecordInt(payload, serialTypes[col], offsets[col])
}

// Scanner metrics.
var (
	treeScanMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walcheck_tree_scan_count",
		Help: "Number of B-tree scans performed.",
	}, []string{"kind"})

	cellScanMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_cell_scan_count",
		Help: "Number of B-tree cells decoded during scans.",
	})
)
