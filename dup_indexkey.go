package walcheck

import "fmt"

// DuplicateIndexKeyValidator walks every index B-tree at the snapshot and
// reports keys occupying more than one cell. Keys compare byte-exact on the
// in-page payload. Cells whose payload overflows are skipped instead of
// compared, so duplicates among overflowing cells are not reported.
type DuplicateIndexKeyValidator struct{}

// Name implements Validator.
func (v *DuplicateIndexKeyValidator) Name() string { return "duplicate-index-key" }

// Enabled implements Validator.
func (v *DuplicateIndexKeyValidator) Enabled(config *Config) bool { return config.CheckIndexes }

// Validate implements Validator.
func (v *DuplicateIndexKeyValidator) Validate(ctx *Context) ([]Issue, error) {
	scanner := ctx.Scanner()

	trees, err := scanner.Trees()
	if err != nil {
		if isTreeError(err) {
			// The rowid validator already reports discovery failures.
			return nil, nil
		}
		return nil, err
	}

	var issues []Issue
	detector := NewKeyDetector()
	for i := range trees {
		tree := &trees[i]
		if tree.IsTable {
			continue
		}
		detector.Reset()

		skipped, err := scanner.ScanIndex(tree.RootPage, func(key IndexKey, loc Location) error {
			detector.Add(key, loc)
			return nil
		})
		if err != nil {
			if isTreeError(err) {
				issues = append(issues, treeErrorIssue(v.Name(), tree, ctx.Commit, err))
				continue
			}
			return nil, err
		}
		if skipped > 0 {
			TraceLog.Printf("[DuplicateIndexKeyValidator]: index=%s skipped=%d msg=overflow-cells", tree.Name, skipped)
		}

		if dups := detector.Duplicates(); len(dups) > 0 {
			duplicateFoundMetric.WithLabelValues("index-key").Add(float64(len(dups)))
			issues = append(issues, Issue{
				Validator: v.Name(),
				Severity:  SeverityError,
				Message:   fmt.Sprintf("found %d duplicate key(s)", len(dups)),
				TreeName:  tree.Name,
				RootPage:  tree.RootPage,
				IsIndex:   true,
				Commit:    ctx.Commit,
				Keys:      dups,
			})
		}
	}
	return issues, nil
}
