package model

// Row describes one row of the shared schema (spec.md §3, "Row[T]"). Rows
// carry their own filters that further restrict the governing column's
// (spec.md: "Row[T]... carry their own filters"). CellType is expressed as
// a runtime enum rather than a Go generic parameter: RowList needs to store
// rows of heterogeneous cell types in one ordered collection, the same
// "typed enum + raw field" shape CellValue itself uses.
type Row struct {
	ID             string
	Description    string
	CellType       CellType
	OwnerID        string
	SendMatcher    Matcher
	ReceiveMatcher Matcher
	// Undefined is the value returned for this row when a ColumnData has no
	// entry for it (spec.md §3 invariant 3).
	Undefined CellValue
	// Formula holds the parsed formula/constraint for this row, or nil if
	// the row has none. internal/formula populates this at ColumnList/
	// RowList load time; internal/model only carries the reference.
	Formula FormulaSpec
}

// FormulaSpec is the minimal surface internal/model needs from a parsed
// formula to know whether a row is derived/constrained, without depending
// on internal/formula's expression representation.
type FormulaSpec interface {
	// IsConstraint reports whether this formula evaluates to a Boolean
	// constraint (a true result names the violating condition, see
	// Node.ViolatedConstraints) rather than a derived cell value.
	IsConstraint() bool
	// Dependencies returns the (columnID, rowID) cells this formula reads.
	Dependencies() []CellRef
}

// CellRef names a single cell: a (columnID, rowID) pair.
type CellRef struct {
	ColumnID string
	RowID    string
}

// ResolvedOwner resolves this row's owner against the given node identity
// facts.
func (r Row) ResolvedOwner(selfID, upstreamID string) string {
	return ResolveOwner(r.OwnerID, selfID, upstreamID)
}
