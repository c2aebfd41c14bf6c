package walcheck

import "sort"

// RowidDuplicate is one rowid observed in two or more cells of a table tree.
type RowidDuplicate struct {
	Rowid     int64
	Locations []Location
}

// IntraPage returns true when every occurrence shares a page.
func (d *RowidDuplicate) IntraPage() bool {
	return intraPage(d.Locations)
}

// KeyDuplicate is one index key observed in two or more cells of an index tree.
type KeyDuplicate struct {
	Key       IndexKey
	Locations []Location
}

// IntraPage returns true when every occurrence shares a page.
func (d *KeyDuplicate) IntraPage() bool {
	return intraPage(d.Locations)
}

func intraPage(locations []Location) bool {
	if len(locations) < 2 {
		return false
	}
	for _, loc := range locations[1:] {
		if loc.Page != locations[0].Page {
			return false
		}
	}
	return true
}

// RowidDetector accumulates rowid observations for one table tree within one
// snapshot. Memory is bounded by the tree's distinct rowid count.
type RowidDetector struct {
	m map[int64][]Location
}

// NewRowidDetector returns an empty detector.
func NewRowidDetector() *RowidDetector {
	return &RowidDetector{m: make(map[int64][]Location)}
}

// Add records one observation. Locations arrive in traversal order and are
// kept in that order.
func (d *RowidDetector) Add(rowid int64, loc Location) {
	d.m[rowid] = append(d.m[rowid], loc)
}

// Reset drops all accumulated observations.
func (d *RowidDetector) Reset() {
	d.m = make(map[int64][]Location)
}

// Duplicates returns every rowid seen at two or more locations, in numeric
// rowid order.
func (d *RowidDetector) Duplicates() []RowidDuplicate {
	var dups []RowidDuplicate
	for rowid, locs := range d.m {
		if len(locs) >= 2 {
			dups = append(dups, RowidDuplicate{Rowid: rowid, Locations: locs})
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].Rowid < dups[j].Rowid })
	return dups
}

// KeyDetector accumulates index key observations for one index tree within
// one snapshot. Keys compare byte-exact.
type KeyDetector struct {
	m map[string][]Location
}

// NewKeyDetector returns an empty detector.
func NewKeyDetector() *KeyDetector {
	return &KeyDetector{m: make(map[string][]Location)}
}

// Add records one observation.
func (d *KeyDetector) Add(key IndexKey, loc Location) {
	d.m[string(key.Raw)] = append(d.m[string(key.Raw)], loc)
}

// Reset drops all accumulated observations.
func (d *KeyDetector) Reset() {
	d.m = make(map[string][]Location)
}

// Duplicates returns every key seen at two or more locations, in
// lexicographic key order.
func (d *KeyDetector) Duplicates() []KeyDuplicate {
	var dups []KeyDuplicate
	for raw, locs := range d.m {
		if len(locs) >= 2 {
			dups = append(dups, KeyDuplicate{Key: IndexKey{Raw: []byte(raw)}, Locations: locs})
		}
	}
	sort.Slice(dups, func(i, j int) bool { return string(dups[i].Key.Raw) < string(dups[j].Key.Raw) })
	return dups
}
