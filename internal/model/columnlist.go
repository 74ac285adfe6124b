package model

import "fmt"

// ColumnList is the ordered id->Column schema definition, shared across the
// tree for interoperability (spec.md §3).
type ColumnList struct {
	ListID    string
	Timestamp int64
	Columns   *OrderedMap[Column]
}

// NewColumnList creates an empty ColumnList.
func NewColumnList(listID string, timestamp int64) *ColumnList {
	return &ColumnList{ListID: listID, Timestamp: timestamp, Columns: NewOrderedMap[Column]()}
}

// RowList is the ordered id->Row schema definition for a single column's
// rows (spec.md §3). Each Column has exactly one governing RowList.
type RowList struct {
	ListID    string
	Timestamp int64
	Rows      *OrderedMap[Row]
}

// NewRowList creates an empty RowList.
func NewRowList(listID string, timestamp int64) *RowList {
	return &RowList{ListID: listID, Timestamp: timestamp, Rows: NewOrderedMap[Row]()}
}

// Schema bundles a ColumnList with the RowList governing each column's rows.
// Loaded once at startup (spec.md §3 Lifecycle) and validated for schema
// consistency before a Node is constructed.
type Schema struct {
	Columns   *ColumnList
	RowLists  map[string]*RowList // columnID -> RowList
}

// NewSchema creates an empty Schema.
func NewSchema(columns *ColumnList) *Schema {
	return &Schema{Columns: columns, RowLists: make(map[string]*RowList)}
}

// RowListFor returns the RowList governing columnID, or nil if none is
// registered (schema validation rejects this at load time, so a live Node
// never observes nil here).
func (s *Schema) RowListFor(columnID string) *RowList {
	return s.RowLists[columnID]
}

// Validate checks schema-consistency invariants: every column has a
// registered RowList, and every row's declared formula dependencies name
// cells that exist in the schema. Dependency-cycle checking lives in
// internal/formula, which has the expression graph; Validate only checks
// the structural invariants expressible from model types alone.
func (s *Schema) Validate() error {
	var errs []string
	s.Columns.Columns.Range(func(colID string, col Column) bool {
		rl := s.RowLists[colID]
		if rl == nil {
			errs = append(errs, fmt.Sprintf("column %q has no registered RowList", colID))
			return true
		}
		rl.Rows.Range(func(rowID string, row Row) bool {
			if row.Formula == nil {
				return true
			}
			for _, dep := range row.Formula.Dependencies() {
				depRL := s.RowLists[dep.ColumnID]
				if depRL == nil || !depRL.Rows.Has(dep.RowID) {
					errs = append(errs, fmt.Sprintf(
						"row %s//%s formula depends on unknown cell %s//%s",
						colID, rowID, dep.ColumnID, dep.RowID))
				}
			}
			return true
		})
		return true
	})
	if len(errs) > 0 {
		return &ValidationError{Issues: errs}
	}
	return nil
}

// ValidationError reports one or more schema-consistency failures
// (spec.md §7: "configuration error ... fatal at startup").
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "model: schema validation failed: " + e.Issues[0]
	}
	s := fmt.Sprintf("model: schema validation failed (%d issues): ", len(e.Issues))
	for i, issue := range e.Issues {
		if i > 0 {
			s += "; "
		}
		s += issue
	}
	return s
}
