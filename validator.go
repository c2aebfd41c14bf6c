package walcheck

import (
	"errors"
	"fmt"
)

// BaseSnapshot marks the pre-WAL database state in place of a commit index.
const BaseSnapshot int64 = -1

// Config controls which validators run and how traversal is bounded.
type Config struct {
	// CheckIndexes enables the index validators. Index keys compare
	// byte-exact; index cells whose payload spills to overflow pages are
	// skipped, so duplicates among them are not reported.
	CheckIndexes bool

	// MaxDepth caps B-tree traversal depth. Zero means DefaultMaxDepth.
	MaxDepth int
}

// Severity grades a validation issue.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Issue is one finding produced by a validator against one tree at one
// snapshot.
type Issue struct {
	Validator string
	Severity  Severity
	Message   string

	// Tree the issue was found in.
	TreeName string
	RootPage uint32
	IsIndex  bool

	// Snapshot the issue was found at; BaseSnapshot or a commit index.
	Commit int64

	// Duplicate detail, populated by the duplicate validators.
	Rowids []RowidDuplicate
	Keys   []KeyDuplicate
}

// DuplicateCount returns the number of distinct duplicated keys & rowids.
func (i *Issue) DuplicateCount() int {
	return len(i.Rowids) + len(i.Keys)
}

// SnapshotName renders the issue's snapshot for reports.
func (i *Issue) SnapshotName() string {
	if i.Commit == BaseSnapshot {
		return "Base Database State"
	}
	return fmt.Sprintf("Commit #%d", i.Commit)
}

// Context is the state handed to each validator: the page cache positioned
// at one snapshot, plus the snapshot's identity.
type Context struct {
	Cache  *PageCache
	Usable uint32 // usable page size from the database header
	Commit int64  // BaseSnapshot or the commit index
	Config *Config
}

// Scanner returns a tree scanner configured for this context.
func (ctx *Context) Scanner() *Scanner {
	s := NewScanner(ctx.Cache)
	s.Usable = ctx.Usable
	if ctx.Config.MaxDepth > 0 {
		s.MaxDepth = ctx.Config.MaxDepth
	}
	return s
}

// Validator checks one aspect of the database at a snapshot.
type Validator interface {
	// Name identifies the validator in issues and traces.
	Name() string

	// Enabled reports whether the validator runs under config.
	Enabled(config *Config) bool

	// Validate inspects the snapshot and returns any issues found.
	Validate(ctx *Context) ([]Issue, error)
}

// EnabledValidators returns the validators that run under config, in
// execution order.
func EnabledValidators(config *Config) []Validator {
	all := []Validator{
		&DuplicateRowidValidator{},
		&DuplicateIndexKeyValidator{},
		&IndexIntegrityValidator{},
	}

	var enabled []Validator
	for _, v := range all {
		if v.Enabled(config) {
			enabled = append(enabled, v)
		}
	}
	return enabled
}

// isTreeError reports whether err corrupts only the tree being walked, as
// opposed to the run. Tree errors demote to per-tree issues so the other
// trees in the snapshot still get scanned.
func isTreeError(err error) bool {
	return errors.Is(err, ErrMalformedPage) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrDepthExceeded) ||
		errors.Is(err, ErrTruncated)
}

// treeErrorIssue demotes a per-tree scan failure to an issue.
func treeErrorIssue(validator string, tree *Tree, commit int64, err error) Issue {
	return Issue{
		Validator: validator,
		Severity:  SeverityError,
		Message:   fmt.Sprintf("scan aborted: %s", err),
		TreeName:  tree.Name,
		RootPage:  tree.RootPage,
		IsIndex:   !tree.IsTable,
		Commit:    commit,
	}
}
