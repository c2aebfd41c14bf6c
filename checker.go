package walcheck

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result is the outcome of one checker run.
type Result struct {
	Issues   []Issue
	Commits  uint64 // committed WAL transactions processed
	PageSize uint32
}

// HasIssues returns true when any validator reported a finding.
func (r *Result) HasIssues() bool { return len(r.Issues) > 0 }

// Checker drives a full validation run: the base snapshot first, then every
// committed WAL transaction in order. It owns the page cache; scanners
// borrow pages from it for the duration of a traversal.
type Checker struct {
	// DatabasePath is the SQLite database file. Required.
	DatabasePath string

	// WALPath is the write-ahead log. Empty means no WAL; only the base
	// snapshot is checked.
	WALPath string

	Config Config
}

// NewChecker returns a checker for the given database & WAL paths.
func NewChecker(databasePath, walPath string) *Checker {
	return &Checker{DatabasePath: databasePath, WALPath: walPath}
}

// Run validates the database, returning every issue found. Structural
// failures of the database or WAL header are fatal; per-tree failures are
// demoted to issues and the run continues.
func (c *Checker) Run(ctx context.Context) (_ *Result, retErr error) {
	defer func() {
		TraceLog.Printf("[Checker.Run]: db=%s wal=%s %s", c.DatabasePath, c.WALPath, errorKeyValue(retErr))
	}()

	dbFile, err := os.Open(c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = dbFile.Close() }()

	fi, err := dbFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	hdr, err := ReadDBHeader(dbFile)
	if err != nil {
		return nil, fmt.Errorf("database header: %w", err)
	}

	reader := NewPageReader(dbFile, hdr.PageSize, fi.Size())

	// WAL-mode databases may carry a stale in-header page count; trust
	// whichever of the header and the file is larger.
	pageN := hdr.PageCount
	if n := reader.PageCount(); n > pageN {
		pageN = n
	}
	cache := NewPageCache(reader, pageN)

	validators := EnabledValidators(&c.Config)
	result := &Result{PageSize: hdr.PageSize}

	// Base snapshot.
	issues, err := c.runPass(cache, &hdr, BaseSnapshot, validators)
	if err != nil {
		return nil, err
	}
	result.Issues = append(result.Issues, issues...)

	// Replay the WAL commit by commit, revalidating at each boundary.
	if c.WALPath != "" {
		commits, err := c.runWAL(ctx, cache, &hdr, validators, result)
		if err != nil {
			return nil, err
		}
		result.Commits = commits
	}

	return result, nil
}

// runWAL opens the WAL, verifies it against the database header, and runs
// every validator at each commit boundary. A missing or empty WAL file
// yields zero commits.
func (c *Checker) runWAL(ctx context.Context, cache *PageCache, hdr *DBHeader, validators []Validator, result *Result) (uint64, error) {
	walFile, err := os.Open(c.WALPath)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("open wal: %w", err)
	}
	defer func() { _ = walFile.Close() }()

	if fi, err := walFile.Stat(); err != nil {
		return 0, fmt.Errorf("stat wal: %w", err)
	} else if fi.Size() == 0 {
		return 0, nil
	}

	fr, err := NewFrameReader(walFile)
	if err != nil {
		return 0, fmt.Errorf("wal header: %w", err)
	}
	if walHdr := fr.WALHeader(); walHdr.PageSize != hdr.PageSize {
		return 0, fmt.Errorf("database %d vs wal %d: %w", hdr.PageSize, walHdr.PageSize, ErrPageSizeMismatch)
	}

	var commits uint64
	it := NewCommitIterator(fr)
	for {
		if err := ctx.Err(); err != nil {
			return commits, err
		}

		commit, err := it.Next()
		if err == io.EOF {
			return commits, nil
		} else if err != nil {
			return commits, fmt.Errorf("wal commit %d: %w", commits, err)
		}

		cache.ApplyCommit(commit)
		commits++

		issues, err := c.runPass(cache, hdr, int64(commit.Index), validators)
		if err != nil {
			return commits, err
		}
		result.Issues = append(result.Issues, issues...)
	}
}

// runPass runs every validator against the snapshot the cache currently
// exposes.
func (c *Checker) runPass(cache *PageCache, hdr *DBHeader, commit int64, validators []Validator) ([]Issue, error) {
	snapshotPassMetric.Inc()

	vctx := &Context{
		Cache:  cache,
		Usable: hdr.UsableSize(),
		Commit: commit,
		Config: &c.Config,
	}

	var issues []Issue
	for _, v := range validators {
		found, err := v.Validate(vctx)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", v.Name(), err)
		}
		issues = append(issues, found...)
	}
	return issues, nil
}

// Checker metrics.
var (
	snapshotPassMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walcheck_snapshot_pass_count",
		Help: "Number of snapshot validation passes executed.",
	})

	duplicateFoundMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walcheck_duplicate_found_count",
		Help: "Number of duplicate keys found, by kind.",
	}, []string{"kind"})
)
