package model

// ColumnData (CD) is the per-column bag of current cell values (spec.md §3).
// Invariants (enforced by UpdateCv/UpdateCvs, the only mutators):
//  1. every rowId in Values appears in the governing RowList with a matching
//     CellType (checked by the caller before calling UpdateCv/UpdateCvs; CD
//     itself trusts its input once type has been verified)
//  2. Date == max(v.Date for v in Values), monotonically non-decreasing
//  3. absence of a rowId is semantically equivalent to the row's Undefined
//     value (read side only; CD never stores Undefined explicitly)
type ColumnData struct {
	ColumnID string
	Date     int64
	Values   map[string]CellValue
}

// NewColumnData creates an empty ColumnData for columnID.
func NewColumnData(columnID string) ColumnData {
	return ColumnData{ColumnID: columnID, Values: make(map[string]CellValue)}
}

// Clone returns a deep-enough copy: a new Values map with the same
// (immutable) CellValues, so a caller can UpdateCv the clone without
// mutating the original (Node is replaced wholesale, never mutated in
// place — spec.md §5).
func (cd ColumnData) Clone() ColumnData {
	out := ColumnData{ColumnID: cd.ColumnID, Date: cd.Date, Values: make(map[string]CellValue, len(cd.Values))}
	for k, v := range cd.Values {
		out.Values[k] = v
	}
	return out
}

// Get returns the cell value for rowID, or the row's undefined value if
// absent (spec.md §3 invariant 3).
func (cd ColumnData) Get(rowID string, undefined CellValue) CellValue {
	if v, ok := cd.Values[rowID]; ok {
		return v
	}
	return undefined
}

// CellUpdateResult reports the outcome of merging a single incoming
// CellValue into a ColumnData (spec.md §4.1 admission policy).
type CellUpdateResult int

const (
	// CellApplied means the incoming value replaced (or introduced) the
	// stored cell.
	CellApplied CellUpdateResult = iota
	// CellOutdated means the incoming value's date was strictly less than
	// the stored value's date, and was dropped.
	CellOutdated
	// CellSuppressedByPriority means the dates were equal and the
	// prioritizeOwn tie-break rule kept the existing (own) value.
	CellSuppressedByPriority
)

// UpdateCv merges a single (rowID, incoming) pair into cd according to
// spec.md §4.1's merge rule:
//   - if existing.Date > incoming.Date, drop
//   - equal dates: if prioritizeOwn is true, the existing (own) value wins;
//     otherwise incoming wins
//   - otherwise incoming replaces existing
//
// cd.Date is advanced to incoming.Date whenever the value is applied (CD
// date is "the latest cell date it has ever seen", spec.md §3 invariant 2 —
// it advances even when the specific cell value is superseded by a later
// write to a *different* cell in the same batch, which callers handle by
// calling UpdateCv once per pair and letting Date track the max across
// calls).
func (cd *ColumnData) UpdateCv(rowID string, incoming CellValue, prioritizeOwn bool) CellUpdateResult {
	existing, had := cd.Values[rowID]
	result := CellApplied
	if had {
		switch {
		case existing.Date > incoming.Date:
			result = CellOutdated
		case existing.Date == incoming.Date && prioritizeOwn:
			result = CellSuppressedByPriority
		}
	}
	if result == CellApplied {
		cd.Values[rowID] = incoming
	}
	if incoming.Date > cd.Date {
		cd.Date = incoming.Date
	}
	return result
}

// UpdateCvs merges a batch of (rowID, CellValue) pairs, applying UpdateCv to
// each and returning the per-row results. Order within the batch does not
// affect the outcome: each row is independent (spec.md §8 commutativity law
// for disjoint cell sets extends trivially to rows within one CD, since
// UpdateCv's per-row merge is associative/idempotent).
func (cd *ColumnData) UpdateCvs(pairs []CellPair, prioritizeOwn bool) map[string]CellUpdateResult {
	results := make(map[string]CellUpdateResult, len(pairs))
	for _, p := range pairs {
		results[p.RowID] = cd.UpdateCv(p.RowID, p.Value, prioritizeOwn)
	}
	return results
}

// CellPair is a (rowID, CellValue) pair, the unit of a CDC batch
// (spec.md §6).
type CellPair struct {
	RowID string
	Value CellValue
}
