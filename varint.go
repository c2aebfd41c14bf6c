package walcheck

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// DecodeVarint decodes a SQLite big-endian varint from the beginning of data.
// It returns the decoded value and the number of bytes consumed (1-9).
// Returns ErrTruncated if data ends while the continuation bit is still set.
func DecodeVarint(data []byte) (v uint64, n int, err error) {
	for i := 0; i < 9; i++ {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("varint at byte %d: %w", i, ErrTruncated)
		}

		b := data[i]
		if i == 8 {
			// Ninth byte contributes all eight bits.
			return v<<8 | uint64(b), 9, nil
		}

		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	panic("unreachable")
}

// AppendVarint appends the SQLite varint encoding of v to dst.
func AppendVarint(dst []byte, v uint64) []byte {
	if v <= 0x7f {
		return append(dst, byte(v))
	}

	// Values needing more than 56 bits use the 9-byte form where the final
	// byte holds the low 8 bits verbatim.
	if v > 1<<56-1 {
		var buf [9]byte
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = 0x80 | byte(v&0x7f)
			v >>= 7
		}
		return append(dst, buf[:]...)
	}

	var buf [8]byte
	n := 0
	for ; v > 0; v >>= 7 {
		buf[n] = 0x80 | byte(v&0x7f)
		n++
	}
	buf[0] &= 0x7f // last byte emitted clears the continuation bit
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, buf[i])
	}
	return dst
}

// DecodeRecordHeader parses the header of a SQLite record: the header-length
// varint followed by one serial-type varint per column. It returns the serial
// types and the total header size in bytes.
func DecodeRecordHeader(payload []byte) (serialTypes []uint64, headerSize int, err error) {
	hdrSize, n, err := DecodeVarint(payload)
	if err != nil {
		return nil, 0, err
	} else if hdrSize > uint64(len(payload)) {
		return nil, 0, fmt.Errorf("record header of %d bytes exceeds payload of %d: %w", hdrSize, len(payload), ErrTruncated)
	}

	for off := n; off < int(hdrSize); {
		st, sz, err := DecodeVarint(payload[off:int(hdrSize)])
		if err != nil {
			return nil, 0, err
		}
		serialTypes = append(serialTypes, st)
		off += sz
	}
	return serialTypes, int(hdrSize), nil
}

// SerialTypeSize returns the content size in bytes for a record serial type.
func SerialTypeSize(st uint64) int {
	switch st {
	case 0, 8, 9, 10, 11:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 3
	case 4:
		return 4
	case 5:
		return 6
	case 6, 7:
		return 8
	default:
		if st%2 == 0 {
			return int(st-12) / 2 // BLOB
		}
		return int(st-13) / 2 // TEXT
	}
}

// IndexKey is the canonical byte-level representation of one index entry's
// key: the record header plus every column except the trailing rowid.
// Equality is byte-exact.
type IndexKey struct {
	Raw []byte
}

// String renders the key as quoted text when it is printable UTF-8,
// otherwise as hex.
func (k IndexKey) String() string {
	if utf8.Valid(k.Raw) {
		printable := true
		for _, r := range string(k.Raw) {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				printable = false
				break
			}
		}
		if printable {
			return fmt.Sprintf("%q", string(k.Raw))
		}
	}
	return fmt.Sprintf("0x%x", k.Raw)
}

// ExtractIndexKey returns the key portion of an index cell payload. Index
// records store the indexed columns followed by the rowid, so the key is
// everything up to the final column. A single-column record is kept whole.
func ExtractIndexKey(payload []byte) (IndexKey, error) {
	serialTypes, headerSize, err := DecodeRecordHeader(payload)
	if err != nil {
		return IndexKey{}, err
	} else if len(serialTypes) == 0 {
		return IndexKey{}, nil
	}

	keyColumns := serialTypes
	if len(keyColumns) > 1 {
		keyColumns = keyColumns[:len(keyColumns)-1]
	}

	keySize := 0
	for _, st := range keyColumns {
		keySize += SerialTypeSize(st)
	}

	end := headerSize + keySize
	if end > len(payload) {
		return IndexKey{}, fmt.Errorf("index key of %d bytes exceeds payload of %d: %w", end, len(payload), ErrTruncated)
	}
	return IndexKey{Raw: payload[:end]}, nil
}

// ExtractIndexRowid returns the rowid stored as the final column of an index
// cell payload. Returns false if the final column is not an integer.
func ExtractIndexRowid(payload []byte) (int64, bool) {
	serialTypes, headerSize, err := DecodeRecordHeader(payload)
	if err != nil || len(serialTypes) == 0 {
		return 0, false
	}

	off := headerSize
	for _, st := range serialTypes[:len(serialTypes)-1] {
		off += SerialTypeSize(st)
	}
	return decodeRecordInt(payload, serialTypes[len(serialTypes)-1], off)
}

// decodeRecordInt reads an integer column value for serial type st at off.
func decodeRecordInt(payload []byte, st uint64, off int) (int64, bool) {
	size := SerialTypeSize(st)
	if off+size > len(payload) {
		return 0, false
	}

	switch st {
	case 1, 2, 3, 4, 5, 6:
		v := int64(0)
		for _, b := range payload[off : off+size] {
			v = v<<8 | int64(b)
		}
		// Sign-extend from the encoded width.
		shift := uint(64 - 8*size)
		return v << shift >> shift, true
	case 8:
		return 0, true
	case 9:
		return 1, true
	default:
		return 0, false
	}
}
