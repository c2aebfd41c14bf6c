package walcheck

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// overlayPage is one page image superseding the base file, plus the WAL
// frame it came from.
type overlayPage struct {
	data  []byte
	frame uint64
}

// PageCache maps page numbers to the page image a reader would see at the
// current snapshot: the newest committed WAL frame for the page, or the base
// database image. The overlay never evicts; it holds at most one image per
// page.
type PageCache struct {
	base    *PageReader
	pageN   uint32 // logical database size in pages at this snapshot
	overlay map[uint32]overlayPage
}

// NewPageCache returns a cache over base representing the base snapshot with
// pageN logical pages.
func NewPageCache(base *PageReader, pageN uint32) *PageCache {
	return &PageCache{
		base:    base,
		pageN:   pageN,
		overlay: make(map[uint32]overlayPage),
	}
}

// PageSize returns the page size in bytes.
func (c *PageCache) PageSize() uint32 { return c.base.PageSize() }

// PageN returns the logical database size in pages at the current snapshot.
func (c *PageCache) PageN() uint32 { return c.pageN }

// Get returns the page image for pgno at the current snapshot. Pages past
// the snapshot's logical size are inaccessible. A page inside the logical
// size that is absent from both the WAL overlay and the base file reads as
// zeroes, the same as a reader extending into an unwritten region.
func (c *PageCache) Get(pgno uint32) ([]byte, error) {
	if pgno == 0 {
		return nil, fmt.Errorf("page number zero: %w", ErrMalformedPage)
	}
	if pgno > c.pageN {
		return nil, fmt.Errorf("page %d beyond snapshot of %d pages: %w", pgno, c.pageN, ErrTruncated)
	}

	if p, ok := c.overlay[pgno]; ok {
		cacheOverlayReadMetric.Inc()
		return p.data, nil
	}

	data, err := c.base.ReadPage(pgno)
	if err == nil {
		cacheBaseReadMetric.Inc()
		return data, nil
	}
	if pgno > c.base.PageCount() {
		// The base file is shorter than the logical size; the page has only
		// ever lived in the WAL.
		return make([]byte, c.base.PageSize()), nil
	}
	return nil, err
}

// FrameIndex returns the WAL frame that last wrote pgno, or false if the
// page comes from the base file.
func (c *PageCache) FrameIndex(pgno uint32) (uint64, bool) {
	p, ok := c.overlay[pgno]
	return p.frame, ok
}

// ApplyCommit applies a commit's frames to the overlay in arrival order, so
// a later frame for the same page wins, and moves the snapshot forward to
// the commit's logical database size.
func (c *PageCache) ApplyCommit(commit *Commit) {
	for i := range commit.Frames {
		f := &commit.Frames[i]
		c.overlay[f.Header.Pgno] = overlayPage{data: f.Data, frame: f.Index}
	}
	c.pageN = commit.DBSize
	cacheCommitApplyMetric.Inc()
	TraceLog.Printf("[PageCache.ApplyCommit]: commit=%d frames=%d pageN=%d", commit.Index, len(commit.Frames), c.pageN)
}

// Page cache metrics.
var (
	cacheBaseReadMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_cache_base_read_count",
		Help: "Number of page reads served from the base database file.",
	})

	cacheOverlayReadMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_cache_overlay_read_count",
		Help: "Number of page reads served from the WAL overlay.",
	})

	cacheCommitApplyMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_cache_commit_apply_count",
		Help: "Number of WAL commits applied to the page cache.",
	})
)
