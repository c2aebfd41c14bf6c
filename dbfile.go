package walcheck

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/walcheck/walcheck/internal"
)

// databaseMagic is the 16-byte prefix of every SQLite database file.
var databaseMagic = []byte("SQLite format 3\x00")

// DBHeader holds the fields of the 100-byte database header that the
// checker needs.
type DBHeader struct {
	PageSize      uint32 // page size in bytes
	PageCount     uint32 // database size in pages, per the header
	ReservedSpace uint8  // reserved bytes at the end of each page
	SchemaCookie  uint32 // incremented on schema change
	TextEncoding  uint32 // 1=UTF-8, 2=UTF-16le, 3=UTF-16be
}

// UsableSize returns the page size minus the per-page reserved space.
func (h *DBHeader) UsableSize() uint32 {
	return h.PageSize - uint32(h.ReservedSpace)
}

// ReadDBHeader reads & parses the database header from the start of r.
func ReadDBHeader(r io.ReaderAt) (DBHeader, error) {
	buf := make([]byte, DatabaseHeaderSize)
	if _, err := internal.ReadFullAt(r, buf, 0); err == io.EOF || err == io.ErrUnexpectedEOF {
		return DBHeader{}, fmt.Errorf("database header: %w", ErrTruncated)
	} else if err != nil {
		return DBHeader{}, err
	}
	return ParseDBHeader(buf)
}

// ParseDBHeader parses the 100-byte database header.
func ParseDBHeader(data []byte) (DBHeader, error) {
	if len(data) < DatabaseHeaderSize {
		return DBHeader{}, fmt.Errorf("database header: %w", ErrTruncated)
	}

	if !bytes.Equal(data[0:16], databaseMagic) {
		return DBHeader{}, fmt.Errorf("bad magic: %w", ErrInvalidDatabaseHeader)
	}

	// A stored page size of 1 means 65536.
	pageSize := uint32(binary.BigEndian.Uint16(data[16:18]))
	if pageSize == 1 {
		pageSize = MaxPageSize
	}
	if pageSize < MinPageSize || pageSize > MaxPageSize || pageSize&(pageSize-1) != 0 {
		return DBHeader{}, fmt.Errorf("page size %d: %w", pageSize, ErrInvalidDatabaseHeader)
	}

	return DBHeader{
		PageSize:      pageSize,
		PageCount:     binary.BigEndian.Uint32(data[28:32]),
		ReservedSpace: data[20],
		SchemaCookie:  binary.BigEndian.Uint32(data[40:44]),
		TextEncoding:  binary.BigEndian.Uint32(data[56:60]),
	}, nil
}

// PageReader fetches pages from the base database file on demand.
type PageReader struct {
	r        io.ReaderAt
	pageSize uint32
	fileSize int64
}

// NewPageReader returns a new PageReader over r. fileSize is the database
// file length in bytes; pages past it are reported as truncated.
func NewPageReader(r io.ReaderAt, pageSize uint32, fileSize int64) *PageReader {
	return &PageReader{r: r, pageSize: pageSize, fileSize: fileSize}
}

// PageSize returns the page size in bytes.
func (r *PageReader) PageSize() uint32 { return r.pageSize }

// PageCount returns the number of whole pages present in the file. A partial
// page image in the file tail does not count.
func (r *PageReader) PageCount() uint32 {
	return uint32(r.fileSize / int64(r.pageSize))
}

// ReadPage reads page pgno (1-based) from the base file. Reads past the file
// length, including into a partial tail page, fail with ErrTruncated.
func (r *PageReader) ReadPage(pgno uint32) ([]byte, error) {
	if pgno == 0 {
		return nil, fmt.Errorf("page number zero: %w", ErrMalformedPage)
	}

	off := (int64(pgno) - 1) * int64(r.pageSize)
	if off+int64(r.pageSize) > r.fileSize {
		return nil, fmt.Errorf("page %d beyond database file: %w", pgno, ErrTruncated)
	}

	buf := make([]byte, r.pageSize)
	if _, err := internal.ReadFullAt(r.r, buf, off); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("page %d beyond database file: %w", pgno, ErrTruncated)
	} else if err != nil {
		return nil, fmt.Errorf("read page %d: %w", pgno, err)
	}
	return buf, nil
}
