package model

import "github.com/race-share/share/internal/clock"

// Node is the live aggregate for one SHARE participant (spec.md §3). It is
// treated as an immutable value: internal/engine holds the sole writable
// reference (an atomic.Pointer[Node]) and publishes a new Node wholesale on
// every change; every other component consumes snapshots (design note §9).
type Node struct {
	NodeList *NodeList
	Schema   *Schema
	CDs      map[string]ColumnData // columnID -> ColumnData
	// UpstreamID mirrors NodeList's upstream id for quick access; it can
	// diverge conceptually from NodeList only in that NodeList is the
	// static declaration while this field is "the upstream we are actually
	// talking to right now" — for SHARE these are the same value, since
	// NodeList is immutable at runtime (spec.md §3 Lifecycle), but keeping
	// a dedicated field keeps ResolveOwner call sites simple.
	UpstreamID string
	Clock      clock.Clock
	// ViolatedConstraints is the set of constraint formula row ids
	// (as "columnID//rowID") whose predicate currently evaluates true,
	// i.e. the violating condition it names currently holds (spec.md
	// §4.4; ground-truth polarity per seed scenario 3 — see DESIGN.md
	// Open Questions).
	ViolatedConstraints map[string]bool
	// OnlineNodes is the set of node ids currently known reachable
	// (spec.md §3; updated by RecordReachability).
	OnlineNodes map[string]bool
}

// NewNode constructs an initial Node from a validated schema and node list.
// CDs are created empty for every column (spec.md §3 Lifecycle).
func NewNode(nl *NodeList, schema *Schema, clk clock.Clock) *Node {
	cds := make(map[string]ColumnData, schema.Columns.Columns.Len())
	schema.Columns.Columns.Range(func(colID string, _ Column) bool {
		cds[colID] = NewColumnData(colID)
		return true
	})
	upstreamID, _ := nl.UpstreamID()
	return &Node{
		NodeList:            nl,
		Schema:              schema,
		CDs:                 cds,
		UpstreamID:          upstreamID,
		Clock:               clk,
		ViolatedConstraints: make(map[string]bool),
		OnlineNodes:         make(map[string]bool),
	}
}

// Clone returns a shallow copy suitable as the basis for the next published
// Node value: CDs map is copied (entries share ColumnData value types, which
// themselves get Clone()'d by whichever CD the caller is about to mutate),
// ViolatedConstraints and OnlineNodes are copied as new maps.
func (n *Node) Clone() *Node {
	cds := make(map[string]ColumnData, len(n.CDs))
	for k, v := range n.CDs {
		cds[k] = v
	}
	violated := make(map[string]bool, len(n.ViolatedConstraints))
	for k, v := range n.ViolatedConstraints {
		violated[k] = v
	}
	online := make(map[string]bool, len(n.OnlineNodes))
	for k, v := range n.OnlineNodes {
		online[k] = v
	}
	return &Node{
		NodeList:            n.NodeList,
		Schema:              n.Schema,
		CDs:                 cds,
		UpstreamID:          n.UpstreamID,
		Clock:               n.Clock,
		ViolatedConstraints: violated,
		OnlineNodes:         online,
	}
}

// MatchContext builds a model.MatchContext for sourceNodeID against the
// given column's resolved owner, using this Node's current identity facts.
func (n *Node) MatchContext(sourceNodeID string, resolvedOwner string) MatchContext {
	return MatchContext{
		SourceNodeID:  sourceNodeID,
		SelfID:        n.NodeList.Self.ID,
		UpstreamID:    n.UpstreamID,
		IsDownstream:  n.NodeList.IsDownstream,
		ResolvedOwner: resolvedOwner,
	}
}

// CellRefKey formats a CellRef as the "columnID//rowID" string used as the
// key for ViolatedConstraints (and, in wire formula references, as the
// textual dependency syntax shown in spec.md §8 scenario 3:
// "isum(/c1//r1, /c2//r1)").
func CellRefKey(ref CellRef) string {
	return ref.ColumnID + "//" + ref.RowID
}

// Column looks up a column by id.
func (n *Node) Column(colID string) (Column, bool) {
	return n.Schema.Columns.Columns.Get(colID)
}

// Row looks up a row by (colID, rowID).
func (n *Node) Row(colID, rowID string) (Row, bool) {
	rl := n.Schema.RowListFor(colID)
	if rl == nil {
		return Row{}, false
	}
	return rl.Rows.Get(rowID)
}

// CellValueAt returns the current cell value at (colID, rowID), falling
// back to the row's undefined value if absent, per spec.md §3 invariant 3.
// ok is false only if the column or row itself is unknown.
func (n *Node) CellValueAt(colID, rowID string) (CellValue, bool) {
	row, ok := n.Row(colID, rowID)
	if !ok {
		return CellValue{}, false
	}
	cd, ok := n.CDs[colID]
	if !ok {
		return row.Undefined, true
	}
	return cd.Get(rowID, row.Undefined), true
}
