package walcheck

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/walcheck/walcheck/internal"
)

// WALHeader is the 32-byte header at the start of a WAL file.
type WALHeader struct {
	Magic         uint32
	FormatVersion uint32
	PageSize      uint32
	CheckpointSeq uint32
	Salt1         uint32
	Salt2         uint32
	Checksum1     uint32
	Checksum2     uint32
}

// ByteOrder returns the byte order used for frame checksums, selected by the
// header magic.
func (h *WALHeader) ByteOrder() binary.ByteOrder {
	if h.Magic == WALMagicBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ParseWALHeader parses a WAL file header. All fields are stored big-endian;
// only frame checksum computation honors the magic's byte order.
func ParseWALHeader(data []byte) (WALHeader, error) {
	if len(data) < WALHeaderSize {
		return WALHeader{}, fmt.Errorf("wal header: %w", ErrTruncated)
	}

	hdr := WALHeader{
		Magic:         binary.BigEndian.Uint32(data[0:4]),
		FormatVersion: binary.BigEndian.Uint32(data[4:8]),
		PageSize:      binary.BigEndian.Uint32(data[8:12]),
		CheckpointSeq: binary.BigEndian.Uint32(data[12:16]),
		Salt1:         binary.BigEndian.Uint32(data[16:20]),
		Salt2:         binary.BigEndian.Uint32(data[20:24]),
		Checksum1:     binary.BigEndian.Uint32(data[24:28]),
		Checksum2:     binary.BigEndian.Uint32(data[28:32]),
	}

	if hdr.Magic != WALMagicLittleEndian && hdr.Magic != WALMagicBigEndian {
		return WALHeader{}, fmt.Errorf("bad magic %#x: %w", hdr.Magic, ErrInvalidWALHeader)
	}
	if hdr.FormatVersion != WALFormatVersion {
		return WALHeader{}, fmt.Errorf("unsupported format version %d: %w", hdr.FormatVersion, ErrInvalidWALHeader)
	}
	if hdr.PageSize < MinPageSize || hdr.PageSize > MaxPageSize || hdr.PageSize&(hdr.PageSize-1) != 0 {
		return WALHeader{}, fmt.Errorf("page size %d: %w", hdr.PageSize, ErrInvalidWALHeader)
	}
	return hdr, nil
}

// FrameHeader is the 24-byte header preceding each page image in the WAL.
type FrameHeader struct {
	Pgno      uint32
	Commit    uint32 // database size in pages after commit; nonzero marks a commit frame
	Salt1     uint32
	Salt2     uint32
	Checksum1 uint32
	Checksum2 uint32
}

// IsCommit returns true if this frame ends a transaction.
func (h *FrameHeader) IsCommit() bool { return h.Commit != 0 }

// ParseFrameHeader parses a WAL frame header.
func ParseFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < WALFrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("wal frame header: %w", ErrTruncated)
	}
	return FrameHeader{
		Pgno:      binary.BigEndian.Uint32(data[0:4]),
		Commit:    binary.BigEndian.Uint32(data[4:8]),
		Salt1:     binary.BigEndian.Uint32(data[8:12]),
		Salt2:     binary.BigEndian.Uint32(data[12:16]),
		Checksum1: binary.BigEndian.Uint32(data[16:20]),
		Checksum2: binary.BigEndian.Uint32(data[20:24]),
	}, nil
}

// Frame is one validated WAL frame: a page image plus its header.
type Frame struct {
	Header FrameHeader
	Data   []byte
	Index  uint64 // zero-based position in the WAL file
}

// FrameReader iterates the validated frame stream of a WAL file. Iteration
// ends at EOF, at the first frame whose salts diverge from the header, or at
// the first checksum failure; frames before the failure remain valid, the
// rest of the file is ignored. This matches the rule SQLite applies during
// WAL recovery.
type FrameReader struct {
	r      io.ReaderAt
	hdr    WALHeader
	bo     binary.ByteOrder
	index  uint64
	s1, s2 uint32
	done   bool
}

// NewFrameReader reads & validates the WAL header from r and returns a
// reader positioned at the first frame. The running checksum is seeded from
// the header's checksum fields.
func NewFrameReader(r io.ReaderAt) (*FrameReader, error) {
	buf := make([]byte, WALHeaderSize)
	if _, err := internal.ReadFullAt(r, buf, 0); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("wal header: %w", ErrTruncated)
	} else if err != nil {
		return nil, err
	}

	hdr, err := ParseWALHeader(buf)
	if err != nil {
		return nil, err
	}

	return &FrameReader{
		r:   r,
		hdr: hdr,
		bo:  hdr.ByteOrder(),
		s1:  hdr.Checksum1,
		s2:  hdr.Checksum2,
	}, nil
}

// WALHeader returns the parsed WAL header.
func (fr *FrameReader) WALHeader() WALHeader { return fr.hdr }

// Next returns the next valid frame, or io.EOF once the stream ends.
func (fr *FrameReader) Next() (Frame, error) {
	if fr.done {
		return Frame{}, io.EOF
	}

	frameSize := int64(WALFrameHeaderSize) + int64(fr.hdr.PageSize)
	off := int64(WALHeaderSize) + int64(fr.index)*frameSize

	buf := make([]byte, frameSize)
	if _, err := internal.ReadFullAt(fr.r, buf, off); err == io.EOF || err == io.ErrUnexpectedEOF {
		fr.done = true
		return Frame{}, io.EOF
	} else if err != nil {
		return Frame{}, fmt.Errorf("read wal frame %d: %w", fr.index, err)
	}

	hdr, err := ParseFrameHeader(buf)
	if err != nil {
		return Frame{}, err
	}

	// A salt change means a checkpoint reset; the frames past it belong to
	// an older WAL generation.
	if hdr.Salt1 != fr.hdr.Salt1 || hdr.Salt2 != fr.hdr.Salt2 {
		TraceLog.Printf("[FrameReader]: msg=salt-mismatch index=%d salt1=%08x salt2=%08x", fr.index, hdr.Salt1, hdr.Salt2)
		fr.done = true
		return Frame{}, io.EOF
	}

	s1, s2 := WALChecksum(fr.bo, fr.s1, fr.s2, buf[:8])
	s1, s2 = WALChecksum(fr.bo, s1, s2, buf[WALFrameHeaderSize:])
	if s1 != hdr.Checksum1 || s2 != hdr.Checksum2 {
		TraceLog.Printf("[FrameReader]: msg=chksum-mismatch index=%d chksum1=%08x chksum2=%08x frame-chksum1=%08x frame-chksum2=%08x",
			fr.index, s1, s2, hdr.Checksum1, hdr.Checksum2)
		walChecksumFailureMetric.Inc()
		fr.done = true
		return Frame{}, io.EOF
	}
	fr.s1, fr.s2 = s1, s2

	frame := Frame{
		Header: hdr,
		Data:   buf[WALFrameHeaderSize:],
		Index:  fr.index,
	}
	fr.index++
	walFrameReadMetric.Inc()

	return frame, nil
}

// Commit is one committed WAL transaction: every frame up to and including
// its commit frame.
type Commit struct {
	Index  uint64 // commit sequence number, starting at 1
	Frames []Frame
	DBSize uint32 // database size in pages after this commit
}

// CommitIterator groups the validated frame stream into commits. Frames
// belonging to a transaction that never commits are discarded.
type CommitIterator struct {
	fr      *FrameReader
	commits uint64
	done    bool
}

// NewCommitIterator returns an iterator over the commits in fr.
func NewCommitIterator(fr *FrameReader) *CommitIterator {
	return &CommitIterator{fr: fr}
}

// WALHeader returns the WAL header of the underlying frame reader.
func (it *CommitIterator) WALHeader() WALHeader { return it.fr.WALHeader() }

// Next returns the next commit, or io.EOF when the WAL is exhausted.
func (it *CommitIterator) Next() (*Commit, error) {
	if it.done {
		return nil, io.EOF
	}

	var pending []Frame
	for {
		frame, err := it.fr.Next()
		if err == io.EOF {
			it.done = true
			if len(pending) > 0 {
				TraceLog.Printf("[CommitIterator]: msg=incomplete-commit frames=%d", len(pending))
			}
			return nil, io.EOF
		} else if err != nil {
			return nil, err
		}

		pending = append(pending, frame)
		if frame.Header.IsCommit() {
			it.commits++
			return &Commit{
				Index:  it.commits,
				Frames: pending,
				DBSize: frame.Header.Commit,
			}, nil
		}
	}
}

// WAL metrics.
var (
	walFrameReadMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_wal_frame_read_count",
		Help: "Number of WAL frames read and validated.",
	})

	walChecksumFailureMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_wal_checksum_failure_count",
		Help: "Number of WAL frames rejected for checksum mismatch.",
	})
)
