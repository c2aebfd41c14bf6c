package walcheck_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/walcheck/walcheck"
	"github.com/walcheck/walcheck/internal/testingutil"
)

func TestParsePageHeader(t *testing.T) {
	t.Run("Leaf", func(t *testing.T) {
		cells := [][]byte{
			testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "a")),
			testingutil.MakeTableLeafCell(2, testingutil.MakeRecord(t, "b")),
		}
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableLeaf, 0, cells)

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		} else if got, want := hdr.Type, byte(walcheck.PageTypeTableLeaf); got != want {
			t.Fatalf("type=%#02x, want %#02x", got, want)
		} else if got, want := hdr.CellCount, uint16(2); got != want {
			t.Fatalf("cell count=%d, want %d", got, want)
		} else if hdr.IsInterior() {
			t.Fatal("leaf reported as interior")
		}
	})

	t.Run("Interior", func(t *testing.T) {
		cells := [][]byte{testingutil.MakeTableInteriorCell(3, 10)}
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableInterior, 4, cells)

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		} else if got, want := hdr.RightChild, uint32(4); got != want {
			t.Fatalf("right child=%d, want %d", got, want)
		} else if !hdr.IsInterior() || !hdr.IsTable() {
			t.Fatal("expected interior table page")
		}
	})

	t.Run("PageOneSkew", func(t *testing.T) {
		cells := [][]byte{testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "m"))}
		page := testingutil.MakePage(t, 512, 1, walcheck.PageTypeTableLeaf, 0, cells)

		if got, want := page[walcheck.DatabaseHeaderSize], byte(walcheck.PageTypeTableLeaf); got != want {
			t.Fatalf("type byte at %d=%#02x, want %#02x", walcheck.DatabaseHeaderSize, got, want)
		}

		hdr, err := walcheck.ParsePageHeader(page, 1)
		if err != nil {
			t.Fatal(err)
		} else if got, want := hdr.CellCount, uint16(1); got != want {
			t.Fatalf("cell count=%d, want %d", got, want)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		page := make([]byte, 512)
		page[0] = 0x07
		if _, err := walcheck.ParsePageHeader(page, 2); !errors.Is(err, walcheck.ErrMalformedPage) {
			t.Fatalf("expected malformed page, got %v", err)
		}
	})
}

func TestPageHeader_CellPointers(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		cells := [][]byte{
			testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "a")),
			testingutil.MakeTableLeafCell(2, testingutil.MakeRecord(t, "b")),
		}
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableLeaf, 0, cells)

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(ptrs), 2; got != want {
			t.Fatalf("pointers=%d, want %d", got, want)
		}

		// Pointer-array order matches the order the cells were laid out.
		cell, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if got, want := cell.Rowid, int64(1); got != want {
			t.Fatalf("rowid=%d, want %d", got, want)
		}
	})

	t.Run("PointerPastPageEnd", func(t *testing.T) {
		cells := [][]byte{testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "a"))}
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableLeaf, 0, cells)
		binary.BigEndian.PutUint16(page[8:], 600) // past the 512-byte page

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := hdr.CellPointers(page); !errors.Is(err, walcheck.ErrMalformedPage) {
			t.Fatalf("expected malformed page, got %v", err)
		}
	})
}

func TestDecodeCell(t *testing.T) {
	t.Run("TableLeaf", func(t *testing.T) {
		payload := testingutil.MakeRecord(t, "hello")
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableLeaf, 0, [][]byte{
			testingutil.MakeTableLeafCell(42, payload),
		})

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		}

		cell, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if got, want := cell.Rowid, int64(42); got != want {
			t.Fatalf("rowid=%d, want %d", got, want)
		} else if !bytes.Equal(cell.Payload, payload) {
			t.Fatal("payload mismatch")
		} else if cell.HasOverflow {
			t.Fatal("unexpected overflow")
		}
	})

	t.Run("TableInterior", func(t *testing.T) {
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableInterior, 9, [][]byte{
			testingutil.MakeTableInteriorCell(7, 100),
		})

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		}

		cell, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if got, want := cell.LeftChild, uint32(7); got != want {
			t.Fatalf("left child=%d, want %d", got, want)
		} else if got, want := cell.Rowid, int64(100); got != want {
			t.Fatalf("rowid=%d, want %d", got, want)
		}
	})

	t.Run("IndexLeaf", func(t *testing.T) {
		payload := testingutil.MakeRecord(t, "a@b", int64(1))
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeIndexLeaf, 0, [][]byte{
			testingutil.MakeIndexLeafCell(payload),
		})

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		}

		cell, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(cell.Payload, payload) {
			t.Fatal("payload mismatch")
		}
	})

	t.Run("IndexInterior", func(t *testing.T) {
		payload := testingutil.MakeRecord(t, "k")
		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeIndexInterior, 5, [][]byte{
			testingutil.MakeIndexInteriorCell(3, payload),
		})

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		}

		cell, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if got, want := cell.LeftChild, uint32(3); got != want {
			t.Fatalf("left child=%d, want %d", got, want)
		} else if !bytes.Equal(cell.Payload, payload) {
			t.Fatal("payload mismatch")
		}
	})

	t.Run("OverflowFlagged", func(t *testing.T) {
		// Declared payload of 600 bytes cannot fit a 512-byte page; for a
		// table leaf the in-page portion works out to 92 bytes followed by
		// the overflow page pointer.
		local := 92
		cell := walcheck.AppendVarint(nil, 600)
		cell = walcheck.AppendVarint(cell, 42)
		cell = append(cell, bytes.Repeat([]byte{0xaa}, local)...)
		cell = append(cell, 0, 0, 0, 9) // overflow chain head

		page := testingutil.MakePage(t, 512, 2, walcheck.PageTypeTableLeaf, 0, [][]byte{cell})

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs, err := hdr.CellPointers(page)
		if err != nil {
			t.Fatal(err)
		}

		decoded, err := walcheck.DecodeCell(page, ptrs[0], &hdr, 512)
		if err != nil {
			t.Fatal(err)
		} else if !decoded.HasOverflow {
			t.Fatal("expected overflow flag")
		} else if got, want := decoded.Rowid, int64(42); got != want {
			t.Fatalf("rowid=%d, want %d", got, want)
		} else if got, want := len(decoded.Payload), local; got != want {
			t.Fatalf("local payload=%d, want %d", got, want)
		}
	})

	t.Run("PayloadPastPageEnd", func(t *testing.T) {
		// An in-range payload length whose bytes run off the page.
		cell := walcheck.AppendVarint(nil, 100)
		cell = walcheck.AppendVarint(cell, 1)

		page := make([]byte, 512)
		page[0] = walcheck.PageTypeTableLeaf
		binary.BigEndian.PutUint16(page[3:], 1)
		ptr := 512 - len(cell)
		copy(page[ptr:], cell)
		binary.BigEndian.PutUint16(page[8:], uint16(ptr))

		hdr, err := walcheck.ParsePageHeader(page, 2)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := walcheck.DecodeCell(page, ptr, &hdr, 512); !errors.Is(err, walcheck.ErrMalformedPage) {
			t.Fatalf("expected malformed page, got %v", err)
		}
	})
}
