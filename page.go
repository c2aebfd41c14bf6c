package walcheck

import (
	"encoding/binary"
	"fmt"
)

// PageHeader is the parsed B-tree page header.
type PageHeader struct {
	Pgno              uint32
	Type              byte
	FirstFreeblock    uint16
	CellCount         uint16
	CellContentOffset uint32 // stored zero means 65536
	FragmentedBytes   uint8
	RightChild        uint32 // interior pages only
}

// IsInterior returns true for interior table/index pages.
func (h *PageHeader) IsInterior() bool {
	return h.Type == PageTypeTableInterior || h.Type == PageTypeIndexInterior
}

// IsTable returns true for table (rowid) B-tree pages.
func (h *PageHeader) IsTable() bool {
	return h.Type == PageTypeTableInterior || h.Type == PageTypeTableLeaf
}

// headerOffset returns the in-page offset of the B-tree header. Page 1
// carries the 100-byte database header first.
func headerOffset(pgno uint32) int {
	if pgno == 1 {
		return DatabaseHeaderSize
	}
	return 0
}

// headerSize returns the B-tree header size for the page type.
func (h *PageHeader) headerSize() int {
	if h.IsInterior() {
		return 12
	}
	return 8
}

// ParsePageHeader parses the B-tree header of page pgno from data.
func ParsePageHeader(data []byte, pgno uint32) (PageHeader, error) {
	off := headerOffset(pgno)
	if len(data) < off+12 {
		return PageHeader{}, fmt.Errorf("page %d header: %w", pgno, ErrTruncated)
	}

	hdr := PageHeader{
		Pgno:              pgno,
		Type:              data[off],
		FirstFreeblock:    binary.BigEndian.Uint16(data[off+1 : off+3]),
		CellCount:         binary.BigEndian.Uint16(data[off+3 : off+5]),
		CellContentOffset: uint32(binary.BigEndian.Uint16(data[off+5 : off+7])),
		FragmentedBytes:   data[off+7],
	}
	if hdr.CellContentOffset == 0 {
		hdr.CellContentOffset = 65536
	}

	switch hdr.Type {
	case PageTypeTableInterior, PageTypeIndexInterior:
		hdr.RightChild = binary.BigEndian.Uint32(data[off+8 : off+12])
	case PageTypeTableLeaf, PageTypeIndexLeaf:
	default:
		return PageHeader{}, fmt.Errorf("page %d has unknown type %#02x: %w", pgno, hdr.Type, ErrMalformedPage)
	}
	return hdr, nil
}

// CellPointers returns the absolute in-page offset of every cell, in
// pointer-array order. Pointers landing outside the page are rejected.
func (h *PageHeader) CellPointers(data []byte) ([]int, error) {
	start := headerOffset(h.Pgno) + h.headerSize()
	if start+int(h.CellCount)*2 > len(data) {
		return nil, fmt.Errorf("page %d cell pointer array: %w", h.Pgno, ErrMalformedPage)
	}

	ptrs := make([]int, 0, h.CellCount)
	for i := 0; i < int(h.CellCount); i++ {
		ptr := int(binary.BigEndian.Uint16(data[start+i*2 : start+i*2+2]))
		if ptr >= len(data) {
			return nil, fmt.Errorf("page %d cell %d points at %d past page end: %w", h.Pgno, i, ptr, ErrMalformedPage)
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}

// Cell is one decoded B-tree cell. Which fields are populated depends on the
// page type the cell came from.
type Cell struct {
	Type        byte
	LeftChild   uint32 // interior cells
	Rowid       int64  // table cells
	Payload     []byte // in-page payload; a prefix when HasOverflow is set
	HasOverflow bool
}

// maxLocalPayload returns the largest payload a cell can hold in-page.
// usable is the page size minus reserved space.
func maxLocalPayload(pageType byte, usable uint32) uint64 {
	if pageType == PageTypeTableLeaf {
		return uint64(usable - 35)
	}
	return uint64((usable-12)*64/255 - 23)
}

// localPayload returns the number of payload bytes stored in-page for a cell
// whose declared payload exceeds the in-page capacity.
func localPayload(pageType byte, usable uint32, payloadSize uint64) uint64 {
	maxLocal := maxLocalPayload(pageType, usable)
	if payloadSize <= maxLocal {
		return payloadSize
	}
	minLocal := uint64((usable-12)*32/255 - 23)
	k := minLocal + (payloadSize-minLocal)%uint64(usable-4)
	if k <= maxLocal {
		return k
	}
	return minLocal
}

// DecodeCell decodes the cell at offset off on a page of type hdr.Type.
// Payload slices borrow from data. Payloads spilling to overflow pages are
// returned as their in-page prefix with HasOverflow set; the overflow chain
// is never followed.
func DecodeCell(data []byte, off int, hdr *PageHeader, usable uint32) (Cell, error) {
	cell := Cell{Type: hdr.Type}
	if off >= len(data) {
		return Cell{}, fmt.Errorf("page %d cell offset %d: %w", hdr.Pgno, off, ErrMalformedPage)
	}

	// Interior cells lead with a 4-byte left child pointer.
	if hdr.IsInterior() {
		if off+4 > len(data) {
			return Cell{}, fmt.Errorf("page %d cell offset %d: %w", hdr.Pgno, off, ErrMalformedPage)
		}
		cell.LeftChild = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	// Table interior cells carry only the rowid key.
	if hdr.Type == PageTypeTableInterior {
		rowid, _, err := DecodeVarint(data[off:])
		if err != nil {
			return Cell{}, fmt.Errorf("page %d cell rowid: %w", hdr.Pgno, err)
		}
		cell.Rowid = int64(rowid)
		return cell, nil
	}

	payloadSize, n, err := DecodeVarint(data[off:])
	if err != nil {
		return Cell{}, fmt.Errorf("page %d cell payload size: %w", hdr.Pgno, err)
	}
	off += n

	if hdr.Type == PageTypeTableLeaf {
		rowid, n, err := DecodeVarint(data[off:])
		if err != nil {
			return Cell{}, fmt.Errorf("page %d cell rowid: %w", hdr.Pgno, err)
		}
		cell.Rowid = int64(rowid)
		off += n
	}

	local := localPayload(hdr.Type, usable, payloadSize)
	cell.HasOverflow = local < payloadSize
	if off+int(local) > len(data) {
		return Cell{}, fmt.Errorf("page %d cell payload of %d bytes at %d: %w", hdr.Pgno, local, off, ErrMalformedPage)
	}
	cell.Payload = data[off : off+int(local)]

	return cell, nil
}
