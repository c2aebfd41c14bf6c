package walcheck

import (
	"fmt"
	"strings"
)

// IndexIntegrityValidator cross-checks each table against its indexes: every
// table row must appear in the index, and every index entry must reference a
// live row. Partial indexes and expression indexes hold an intentional
// subset of rows and are skipped.
type IndexIntegrityValidator struct{}

// Name implements Validator.
func (v *IndexIntegrityValidator) Name() string { return "index-integrity" }

// Enabled implements Validator.
func (v *IndexIntegrityValidator) Enabled(config *Config) bool { return config.CheckIndexes }

// Validate implements Validator.
func (v *IndexIntegrityValidator) Validate(ctx *Context) ([]Issue, error) {
	scanner := ctx.Scanner()

	trees, err := scanner.Trees()
	if err != nil {
		if isTreeError(err) {
			return nil, nil
		}
		return nil, err
	}

	tablesByName := make(map[string]*Tree)
	for i := range trees {
		if trees[i].IsTable {
			tablesByName[trees[i].Name] = &trees[i]
		}
	}

	var issues []Issue
	for i := range trees {
		index := &trees[i]
		if index.IsTable || skipIndex(index) {
			continue
		}
		table, ok := tablesByName[index.TableName]
		if !ok {
			continue
		}

		tableRowids := make(map[int64]struct{})
		err := scanner.ScanTable(table.RootPage, func(rowid int64, loc Location) error {
			tableRowids[rowid] = struct{}{}
			return nil
		})
		if err != nil {
			if isTreeError(err) {
				continue // the rowid validator reports the broken table
			}
			return nil, err
		}

		indexRowids, err := scanner.IndexRowids(index.RootPage)
		if err != nil {
			if isTreeError(err) {
				issues = append(issues, treeErrorIssue(v.Name(), index, ctx.Commit, err))
				continue
			}
			return nil, err
		}

		indexed := make(map[int64]struct{}, len(indexRowids))
		dangling := 0
		for _, rowid := range indexRowids {
			indexed[rowid] = struct{}{}
			if _, ok := tableRowids[rowid]; !ok {
				dangling++
			}
		}
		missing := 0
		for rowid := range tableRowids {
			if _, ok := indexed[rowid]; !ok {
				missing++
			}
		}

		if missing > 0 {
			severity := SeverityWarning
			if index.IsUnique {
				// A unique index missing rows can silently admit conflicting
				// inserts.
				severity = SeverityError
			}
			issues = append(issues, Issue{
				Validator: v.Name(),
				Severity:  severity,
				Message:   fmt.Sprintf("%d table row(s) missing from index %s", missing, index.Name),
				TreeName:  index.Name,
				RootPage:  index.RootPage,
				IsIndex:   true,
				Commit:    ctx.Commit,
			})
		}
		if dangling > 0 {
			issues = append(issues, Issue{
				Validator: v.Name(),
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("%d index entr(ies) reference missing rows in %s", dangling, table.Name),
				TreeName:  index.Name,
				RootPage:  index.RootPage,
				IsIndex:   true,
				Commit:    ctx.Commit,
			})
		}
	}
	return issues, nil
}

// skipIndex reports whether an index intentionally covers a subset of its
// table: partial indexes carry a WHERE clause, expression indexes index
// computed values. Autoindexes have no SQL and are never skipped.
func skipIndex(index *Tree) bool {
	if index.SQL == "" {
		return false
	}
	sql := strings.ToUpper(index.SQL)
	if strings.Contains(sql, " WHERE ") {
		return true
	}
	if strings.Contains(sql, "((") {
		return true
	}
	for _, fn := range []string{
		"LOWER(", "UPPER(", "SUBSTR(", "LENGTH(", "ABS(",
		"COALESCE(", "IFNULL(", "NULLIF(", "TYPEOF(",
		"CAST(", "DATE(", "TIME(", "DATETIME(", "JULIANDAY(",
		"JSON_EXTRACT(", "JSON(",
	} {
		if strings.Contains(sql, fn) {
			return true
		}
	}
	return false
}
