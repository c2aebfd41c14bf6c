package walcheck_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/walcheck/walcheck"
	"github.com/walcheck/walcheck/internal/testingutil"
)

func TestParseDBHeader(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		page := testingutil.MakePage(t, 4096, 1, walcheck.PageTypeTableLeaf, 0, nil)
		data := testingutil.MakeDBFile(t, 4096, [][]byte{page})

		hdr, err := walcheck.ParseDBHeader(data)
		if err != nil {
			t.Fatal(err)
		} else if got, want := hdr.PageSize, uint32(4096); got != want {
			t.Fatalf("page size=%d, want %d", got, want)
		} else if got, want := hdr.PageCount, uint32(1); got != want {
			t.Fatalf("page count=%d, want %d", got, want)
		} else if got, want := hdr.TextEncoding, uint32(1); got != want {
			t.Fatalf("text encoding=%d, want %d", got, want)
		}
	})

	t.Run("PageSizeExtremes", func(t *testing.T) {
		for _, pageSize := range []int{512, 65536} {
			page := testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil)
			data := testingutil.MakeDBFile(t, pageSize, [][]byte{page})

			hdr, err := walcheck.ParseDBHeader(data)
			if err != nil {
				t.Fatal(err)
			} else if got, want := hdr.PageSize, uint32(pageSize); got != want {
				t.Fatalf("page size=%d, want %d", got, want)
			}
		}
	})

	t.Run("BadMagic", func(t *testing.T) {
		data := make([]byte, walcheck.DatabaseHeaderSize)
		copy(data, "Not a database!!")
		if _, err := walcheck.ParseDBHeader(data); !errors.Is(err, walcheck.ErrInvalidDatabaseHeader) {
			t.Fatalf("expected invalid header, got %v", err)
		}
	})

	t.Run("BadPageSize", func(t *testing.T) {
		page := testingutil.MakePage(t, 4096, 1, walcheck.PageTypeTableLeaf, 0, nil)
		data := testingutil.MakeDBFile(t, 4096, [][]byte{page})

		for _, stored := range []uint16{0, 2, 256, 600, 1023} {
			data[16], data[17] = byte(stored>>8), byte(stored)
			if _, err := walcheck.ParseDBHeader(data); !errors.Is(err, walcheck.ErrInvalidDatabaseHeader) {
				t.Fatalf("expected invalid header for stored size %d, got %v", stored, err)
			}
		}
	})

	t.Run("Short", func(t *testing.T) {
		if _, err := walcheck.ParseDBHeader(make([]byte, 50)); !errors.Is(err, walcheck.ErrTruncated) {
			t.Fatalf("expected truncated, got %v", err)
		}
	})
}

func TestPageReader_ReadPage(t *testing.T) {
	pageSize := 512
	page1 := testingutil.MakePage(t, pageSize, 1, walcheck.PageTypeTableLeaf, 0, nil)
	page2 := testingutil.MakePage(t, pageSize, 2, walcheck.PageTypeTableLeaf, 0, [][]byte{
		testingutil.MakeTableLeafCell(1, testingutil.MakeRecord(t, "x")),
	})
	data := testingutil.MakeDBFile(t, pageSize, [][]byte{page1, page2})

	t.Run("OK", func(t *testing.T) {
		r := walcheck.NewPageReader(bytes.NewReader(data), uint32(pageSize), int64(len(data)))
		buf, err := r.ReadPage(2)
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(buf, data[pageSize:]) {
			t.Fatal("page image mismatch")
		}
		if got, want := r.PageCount(), uint32(2); got != want {
			t.Fatalf("page count=%d, want %d", got, want)
		}
	})

	t.Run("BeyondFile", func(t *testing.T) {
		r := walcheck.NewPageReader(bytes.NewReader(data), uint32(pageSize), int64(len(data)))
		if _, err := r.ReadPage(3); !errors.Is(err, walcheck.ErrTruncated) {
			t.Fatalf("expected truncated, got %v", err)
		}
	})

	t.Run("PartialTailPage", func(t *testing.T) {
		short := data[:len(data)-100]
		r := walcheck.NewPageReader(bytes.NewReader(short), uint32(pageSize), int64(len(short)))
		if _, err := r.ReadPage(2); !errors.Is(err, walcheck.ErrTruncated) {
			t.Fatalf("expected truncated, got %v", err)
		}
		if got, want := r.PageCount(), uint32(1); got != want {
			t.Fatalf("page count=%d, want %d", got, want)
		}
	})

	t.Run("PageZero", func(t *testing.T) {
		r := walcheck.NewPageReader(bytes.NewReader(data), uint32(pageSize), int64(len(data)))
		if _, err := r.ReadPage(0); !errors.Is(err, walcheck.ErrMalformedPage) {
			t.Fatalf("expected malformed page, got %v", err)
		}
	})
}
