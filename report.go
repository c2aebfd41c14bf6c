package walcheck

import (
	"fmt"
	"io"
	"strings"
)

const reportRule = 80

// WriteReportHeader writes the report banner: file paths and page size.
func WriteReportHeader(w io.Writer, databasePath, walPath string, pageSize uint32) {
	rule := strings.Repeat("=", reportRule)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "SQLite WAL Validator Report")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Database: %s\n", databasePath)
	if walPath != "" {
		fmt.Fprintf(w, "WAL File: %s\n", walPath)
	} else {
		fmt.Fprintln(w, "WAL File: (none)")
	}
	fmt.Fprintf(w, "Page Size: %d bytes\n\n", pageSize)
}

// WriteIssue writes one finding block.
func WriteIssue(w io.Writer, issue *Issue) {
	rule := strings.Repeat("-", reportRule)
	fmt.Fprintln(w, rule)

	label := "ISSUE"
	if issue.DuplicateCount() > 0 {
		label = "DUPLICATE FOUND"
	}
	fmt.Fprintf(w, "%s in %s [%s, %s]\n", label, issue.SnapshotName(), issue.Validator, issue.Severity)
	fmt.Fprintln(w, rule)

	kind := "Table"
	if issue.IsIndex {
		kind = "Index"
	}
	name := issue.TreeName
	if name == "" {
		name = "<unknown>"
	}
	fmt.Fprintf(w, "%s: %s (root page %d)\n", kind, name, issue.RootPage)
	fmt.Fprintf(w, "%s\n\n", issue.Message)

	for i := range issue.Rowids {
		dup := &issue.Rowids[i]
		fmt.Fprintf(w, "  Rowid %d:\n", dup.Rowid)
		writeLocations(w, dup.Locations, dup.IntraPage())
	}
	for i := range issue.Keys {
		dup := &issue.Keys[i]
		fmt.Fprintf(w, "  Key %s:\n", dup.Key)
		writeLocations(w, dup.Locations, dup.IntraPage())
	}
}

func writeLocations(w io.Writer, locations []Location, intraPage bool) {
	for i, loc := range locations {
		suffix := ""
		if intraPage && i == len(locations)-1 {
			suffix = "  [Intra-page]"
		}
		fmt.Fprintf(w, "    - %s%s\n", loc, suffix)
	}
	fmt.Fprintln(w)
}

// WriteSummary writes the closing block: total findings split between the
// base state and WAL commits, plus the commit count.
func WriteSummary(w io.Writer, issues []Issue, commits uint64) {
	rule := strings.Repeat("=", reportRule)
	fmt.Fprintln(w, rule)

	if len(issues) == 0 {
		fmt.Fprintln(w, "No issues found - database appears valid!")
	} else {
		base, wal := 0, 0
		for i := range issues {
			if issues[i].Commit == BaseSnapshot {
				base++
			} else {
				wal++
			}
		}
		fmt.Fprintf(w, "Summary: %d issue(s) found\n", len(issues))
		if base > 0 {
			fmt.Fprintf(w, "  - %d in base database\n", base)
		}
		if wal > 0 {
			fmt.Fprintf(w, "  - %d in WAL commits\n", wal)
		}
	}

	fmt.Fprintf(w, "Total commits processed: %d\n", commits)
	fmt.Fprintln(w, rule)
}
