package walcheck

import "fmt"

// DuplicateRowidValidator walks every table B-tree at the snapshot and
// reports rowids occupying more than one cell. This includes sqlite_master
// itself, whose duplicates are reported like any other table's.
type DuplicateRowidValidator struct{}

// Name implements Validator.
func (v *DuplicateRowidValidator) Name() string { return "duplicate-rowid" }

// Enabled implements Validator. Rowid checking always runs.
func (v *DuplicateRowidValidator) Enabled(config *Config) bool { return true }

// Validate implements Validator.
func (v *DuplicateRowidValidator) Validate(ctx *Context) ([]Issue, error) {
	scanner := ctx.Scanner()

	trees, err := scanner.Trees()
	if err != nil {
		if isTreeError(err) {
			return []Issue{{
				Validator: v.Name(),
				Severity:  SeverityError,
				Message:   fmt.Sprintf("schema discovery aborted: %s", err),
				TreeName:  "sqlite_master",
				RootPage:  1,
				Commit:    ctx.Commit,
			}}, nil
		}
		return nil, err
	}

	// sqlite_master is a table tree in its own right; scan it first.
	tables := []Tree{{RootPage: 1, Name: "sqlite_master", IsTable: true}}
	for _, tree := range trees {
		if tree.IsTable {
			tables = append(tables, tree)
		}
	}

	var issues []Issue
	detector := NewRowidDetector()
	for i := range tables {
		tree := &tables[i]
		detector.Reset()

		err := scanner.ScanTable(tree.RootPage, func(rowid int64, loc Location) error {
			detector.Add(rowid, loc)
			return nil
		})
		if err != nil {
			if isTreeError(err) {
				issues = append(issues, treeErrorIssue(v.Name(), tree, ctx.Commit, err))
				continue
			}
			return nil, err
		}

		if dups := detector.Duplicates(); len(dups) > 0 {
			duplicateFoundMetric.WithLabelValues("rowid").Add(float64(len(dups)))
			issues = append(issues, Issue{
				Validator: v.Name(),
				Severity:  SeverityError,
				Message:   fmt.Sprintf("found %d duplicate rowid(s)", len(dups)),
				TreeName:  tree.Name,
				RootPage:  tree.RootPage,
				Commit:    ctx.Commit,
				Rowids:    dups,
			})
		}
	}
	return issues, nil
}
