// Package testingutil builds SQLite database & WAL fixtures for tests:
// byte-level synthetic pages for corruption cases, and real databases via
// the SQLite driver for clean-path coverage.
package testingutil

import (
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/walcheck/walcheck"
)

// OpenSQLDB opens a connection to a SQLite database.
func OpenSQLDB(tb testing.TB, dsn string) *sql.DB {
	tb.Helper()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		tb.Fatal(err)
	}

	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Fatal(err)
		}
	})

	return db
}

// CreateWALDatabase builds a real database with committed WAL frames. The
// schema and base rows are checkpointed into the database file first, then
// walInserts run in WAL mode so their frames stay in the log. It returns
// copies of the database & WAL taken while the WAL connection is still open,
// so closing cannot checkpoint them away.
func CreateWALDatabase(tb testing.TB, schema []string, baseInserts, walInserts []string) (dbPath, walPath string) {
	tb.Helper()

	dir := tb.TempDir()
	origPath := filepath.Join(dir, "orig.db")

	// Rollback-mode pass: everything lands in the database file.
	db, err := sql.Open("sqlite3", origPath)
	if err != nil {
		tb.Fatal(err)
	}
	for _, stmt := range append(append([]string{}, schema...), baseInserts...) {
		if _, err := db.Exec(stmt); err != nil {
			tb.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		tb.Fatal(err)
	}

	// WAL-mode pass: these commits stay in the -wal file.
	db = OpenSQLDB(tb, origPath+"?_journal_mode=WAL")
	for _, stmt := range walInserts {
		if _, err := db.Exec(stmt); err != nil {
			tb.Fatal(err)
		}
	}

	dbPath = filepath.Join(dir, "snap.db")
	walPath = dbPath + "-wal"
	CopyFile(tb, origPath, dbPath)
	if _, err := os.Stat(origPath + "-wal"); err == nil {
		CopyFile(tb, origPath+"-wal", walPath)
	}
	return dbPath, walPath
}

// CopyFile copies src to dst.
func CopyFile(tb testing.TB, src, dst string) {
	tb.Helper()

	data, err := os.ReadFile(src)
	if err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0o666); err != nil {
		tb.Fatal(err)
	}
}

// WriteFile writes data to path.
func WriteFile(tb testing.TB, path string, data []byte) {
	tb.Helper()

	if err := os.WriteFile(path, data, 0o666); err != nil {
		tb.Fatal(err)
	}
}

// MakeRecord builds a SQLite record from values. Supported kinds: nil,
// int/int64 (stored as 8-byte integers), string, and []byte.
func MakeRecord(tb testing.TB, values ...interface{}) []byte {
	tb.Helper()

	var types []byte
	var body []byte
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			types = walcheck.AppendVarint(types, 0)
		case int:
			types = walcheck.AppendVarint(types, 6)
			body = binary.BigEndian.AppendUint64(body, uint64(int64(v)))
		case int64:
			types = walcheck.AppendVarint(types, 6)
			body = binary.BigEndian.AppendUint64(body, uint64(v))
		case string:
			types = walcheck.AppendVarint(types, uint64(13+2*len(v)))
			body = append(body, v...)
		case []byte:
			types = walcheck.AppendVarint(types, uint64(12+2*len(v)))
			body = append(body, v...)
		default:
			tb.Fatalf("unsupported record value %T", v)
		}
	}

	// The header length varint counts itself; sizing is a fixpoint.
	hdrSize := len(types) + 1
	if len(walcheck.AppendVarint(nil, uint64(hdrSize))) > 1 {
		hdrSize = len(types) + len(walcheck.AppendVarint(nil, uint64(len(types)+2)))
	}

	record := walcheck.AppendVarint(nil, uint64(hdrSize))
	record = append(record, types...)
	return append(record, body...)
}

// MakeMasterRecord builds one sqlite_master row payload.
func MakeMasterRecord(tb testing.TB, objType, name, tblName string, rootPage uint32, sqlText string) []byte {
	tb.Helper()
	return MakeRecord(tb, objType, name, tblName, int64(rootPage), sqlText)
}

// MakeTableLeafCell builds a table leaf cell with an in-page payload.
func MakeTableLeafCell(rowid int64, payload []byte) []byte {
	cell := walcheck.AppendVarint(nil, uint64(len(payload)))
	cell = walcheck.AppendVarint(cell, uint64(rowid))
	return append(cell, payload...)
}

// MakeTableInteriorCell builds a table interior cell.
func MakeTableInteriorCell(child uint32, rowid int64) []byte {
	cell := binary.BigEndian.AppendUint32(nil, child)
	return walcheck.AppendVarint(cell, uint64(rowid))
}

// MakeIndexLeafCell builds an index leaf cell with an in-page payload.
func MakeIndexLeafCell(payload []byte) []byte {
	cell := walcheck.AppendVarint(nil, uint64(len(payload)))
	return append(cell, payload...)
}

// MakeIndexInteriorCell builds an index interior cell.
func MakeIndexInteriorCell(child uint32, payload []byte) []byte {
	cell := binary.BigEndian.AppendUint32(nil, child)
	cell = walcheck.AppendVarint(cell, uint64(len(payload)))
	return append(cell, payload...)
}

// MakePage lays out a B-tree page: header, cell pointer array, and cell
// content packed against the page end in pointer order. Page 1 leaves the
// first 100 bytes for the database header.
func MakePage(tb testing.TB, pageSize int, pgno uint32, typ byte, rightChild uint32, cells [][]byte) []byte {
	tb.Helper()

	page := make([]byte, pageSize)
	hdrOff := 0
	if pgno == 1 {
		hdrOff = walcheck.DatabaseHeaderSize
	}

	hdrSize := 8
	interior := typ == walcheck.PageTypeTableInterior || typ == walcheck.PageTypeIndexInterior
	if interior {
		hdrSize = 12
	}

	content := pageSize
	ptrs := make([]int, len(cells))
	for i, cell := range cells {
		content -= len(cell)
		copy(page[content:], cell)
		ptrs[i] = content
	}

	ptrArray := hdrOff + hdrSize
	if ptrArray+2*len(cells) > content {
		tb.Fatalf("page %d overfull: %d cells need %d bytes", pgno, len(cells), ptrArray+2*len(cells)-content)
	}

	page[hdrOff] = typ
	binary.BigEndian.PutUint16(page[hdrOff+3:], uint16(len(cells)))
	binary.BigEndian.PutUint16(page[hdrOff+5:], uint16(content%65536))
	if interior {
		binary.BigEndian.PutUint32(page[hdrOff+8:], rightChild)
	}
	for i, ptr := range ptrs {
		binary.BigEndian.PutUint16(page[ptrArray+2*i:], uint16(ptr))
	}
	return page
}

// MakeDBFile assembles a database file from full page images and stamps the
// 100-byte header into page 1. Pages are 1-based; pages[0] is page 1.
func MakeDBFile(tb testing.TB, pageSize int, pages [][]byte) []byte {
	tb.Helper()

	if len(pages) == 0 {
		tb.Fatal("database needs at least page 1")
	}

	var data []byte
	for i, page := range pages {
		if len(page) != pageSize {
			tb.Fatalf("page %d is %d bytes, want %d", i+1, len(page), pageSize)
		}
		data = append(data, page...)
	}

	copy(data[0:16], "SQLite format 3\x00")
	stored := pageSize
	if stored == 65536 {
		stored = 1
	}
	binary.BigEndian.PutUint16(data[16:], uint16(stored))
	data[18], data[19] = 1, 1 // file format versions
	binary.BigEndian.PutUint32(data[28:], uint32(len(pages)))
	binary.BigEndian.PutUint32(data[56:], 1) // UTF-8
	return data
}

// TestFrame describes one WAL frame for MakeWAL.
type TestFrame struct {
	Pgno   uint32
	Commit uint32 // database size in pages; nonzero ends a transaction
	Data   []byte
}

// MakeWAL assembles a WAL file with valid rolling checksums. magic selects
// the checksum byte order.
func MakeWAL(tb testing.TB, pageSize, magic, salt1, salt2 uint32, frames []TestFrame) []byte {
	tb.Helper()

	hdr := make([]byte, walcheck.WALHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], magic)
	binary.BigEndian.PutUint32(hdr[4:], walcheck.WALFormatVersion)
	binary.BigEndian.PutUint32(hdr[8:], pageSize)
	binary.BigEndian.PutUint32(hdr[12:], 0)
	binary.BigEndian.PutUint32(hdr[16:], salt1)
	binary.BigEndian.PutUint32(hdr[20:], salt2)

	bo := byteOrder(magic)
	s1, s2 := walcheck.WALChecksum(bo, 0, 0, hdr[:24])
	binary.BigEndian.PutUint32(hdr[24:], s1)
	binary.BigEndian.PutUint32(hdr[28:], s2)

	data := hdr
	for _, frame := range frames {
		if len(frame.Data) != int(pageSize) {
			tb.Fatalf("frame for page %d is %d bytes, want %d", frame.Pgno, len(frame.Data), pageSize)
		}

		fh := make([]byte, walcheck.WALFrameHeaderSize)
		binary.BigEndian.PutUint32(fh[0:], frame.Pgno)
		binary.BigEndian.PutUint32(fh[4:], frame.Commit)
		binary.BigEndian.PutUint32(fh[8:], salt1)
		binary.BigEndian.PutUint32(fh[12:], salt2)

		s1, s2 = walcheck.WALChecksum(bo, s1, s2, fh[:8])
		s1, s2 = walcheck.WALChecksum(bo, s1, s2, frame.Data)
		binary.BigEndian.PutUint32(fh[16:], s1)
		binary.BigEndian.PutUint32(fh[20:], s2)

		data = append(data, fh...)
		data = append(data, frame.Data...)
	}
	return data
}

func byteOrder(magic uint32) binary.ByteOrder {
	if magic == walcheck.WALMagicBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
