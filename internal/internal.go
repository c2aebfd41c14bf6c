package internal

import (
	"io"
)

// ReadFullAt reads exactly len(buf) bytes from r at off. It returns
// io.ErrUnexpectedEOF if the read ends partway through buf.
func ReadFullAt(r io.ReaderAt, buf []byte, off int64) (n int, err error) {
	n, err = r.ReadAt(buf, off)
	if err == io.EOF && n > 0 && n < len(buf) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
