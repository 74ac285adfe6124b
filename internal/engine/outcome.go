package engine

// Reason enumerates why a single cell write within a change batch was or
// wasn't applied (spec.md §4.1 admission policy, §7 error handling table).
type Reason int

const (
	// Applied means the value replaced (or introduced) the stored cell.
	Applied Reason = iota
	// Outdated means the incoming value's date was strictly less than the
	// cell's stored date.
	Outdated
	// SuppressedByPriority means dates were equal and prioritizeOwn kept
	// the existing value.
	SuppressedByPriority
	// UnknownColumn means columnID names no column in the schema.
	UnknownColumn
	// UnknownRow means rowID names no row under columnID's RowList.
	UnknownRow
	// TypeMismatch means the incoming value's CellType doesn't match the
	// row's declared CellType.
	TypeMismatch
	// FilterRejected means the row's (or column's) ReceiveMatcher did not
	// admit sourceNodeID as a legitimate writer.
	FilterRejected
)

// String renders a Reason for log lines and wire diagnostics.
func (r Reason) String() string {
	switch r {
	case Applied:
		return "applied"
	case Outdated:
		return "outdated"
	case SuppressedByPriority:
		return "suppressed-by-priority"
	case UnknownColumn:
		return "unknown-column"
	case UnknownRow:
		return "unknown-row"
	case TypeMismatch:
		return "type-mismatch"
	case FilterRejected:
		return "filter-rejected"
	default:
		return "unknown"
	}
}

// CellOutcome reports the per-cell result of one change-batch entry.
type CellOutcome struct {
	RowID  string
	Reason Reason
}

// ChangeOutcome is the full result of one ApplyChange call: the per-cell
// outcomes, plus the set of constraint cells whose satisfied/violated state
// flipped as a consequence (spec.md §4.4: "a constraint change event fires
// only when its Boolean value actually flips").
type ChangeOutcome struct {
	ColumnID string
	Cells    []CellOutcome
	// ConstraintFlips lists "columnID//rowID" keys of constraints whose
	// satisfied state changed because of this batch.
	ConstraintFlips []string
	// DerivedUpdates lists "columnID//rowID" keys of non-constraint formula
	// cells that were recomputed because of this batch.
	DerivedUpdates []string
}

// AnyApplied reports whether at least one cell in the batch was applied.
func (o ChangeOutcome) AnyApplied() bool {
	for _, c := range o.Cells {
		if c.Reason == Applied {
			return true
		}
	}
	return false
}
