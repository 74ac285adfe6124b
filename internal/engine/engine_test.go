package engine

import (
	"context"
	"testing"
	"time"

	"github.com/race-share/share/internal/formula"
	"github.com/race-share/share/internal/matcher"
	"github.com/race-share/share/internal/model"
)

func buildTestNode(t *testing.T, c1Receive model.Matcher) (*model.Node, *formula.Graph) {
	t.Helper()

	columns := model.NewColumnList("cols", 0)
	columns.Columns.Set("c1", model.Column{ID: "c1", OwnerID: "A", ReceiveMatcher: c1Receive})
	columns.Columns.Set("c2", model.Column{ID: "c2", OwnerID: "A"})
	columns.Columns.Set("c3", model.Column{ID: "c3", OwnerID: "A"})
	schema := model.NewSchema(columns)

	rl1 := model.NewRowList("rl1", 0)
	rl1.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong})
	schema.RowLists["c1"] = rl1

	rl2 := model.NewRowList("rl2", 0)
	rl2.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong})
	schema.RowLists["c2"] = rl2

	rl3 := model.NewRowList("rl3", 0)
	rl3.Rows.Set("r3", model.Row{ID: "r3", CellType: model.TypeLong})
	rl3.Rows.Set("constraint", model.Row{ID: "constraint", CellType: model.TypeBoolean})
	schema.RowLists["c3"] = rl3

	formulaText := map[string]string{
		"c3//r3":         "isum(/c1//r1, /c2//r1)",
		"c3//constraint": "gt(/r3, 20)",
	}
	graph, err := formula.BuildGraph(schema, formulaText, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	self := model.NodeInfo{ID: "self"}
	nl := model.NewNodeList("nl", 0, self)
	nl.Downstream.Set("child1", model.NodeInfo{ID: "child1"})
	node := model.NewNode(nl, schema, nil)
	return node, graph
}

func runEngine(t *testing.T, node *model.Node, graph *formula.Graph) (*UpdateEngine, context.CancelFunc) {
	t.Helper()
	e := New(node, graph)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	return e, cancel
}

func TestApplyChangeOwnerWritePropagates(t *testing.T) {
	node, graph := buildTestNode(t, nil)
	e, cancel := runEngine(t, node, graph)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	out, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "A",
		ColumnID:     "c1",
		Pairs:        []model.CellPair{{RowID: "r1", Value: model.LongValue(5, 100)}},
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if !out.AnyApplied() {
		t.Fatalf("expected the write to be applied, got %+v", out)
	}

	snap := e.Snapshot()
	v, ok := snap.CellValueAt("c1", "r1")
	if !ok {
		t.Fatal("expected c1//r1 to resolve")
	}
	long, _ := v.AsLong()
	if long != 5 || v.Date != 100 {
		t.Fatalf("expected (5, 100), got (%d, %d)", long, v.Date)
	}
}

func TestApplyChangeDateMonotonicity(t *testing.T) {
	node, graph := buildTestNode(t, nil)
	e, cancel := runEngine(t, node, graph)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	if _, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "A", ColumnID: "c1",
		Pairs: []model.CellPair{{RowID: "r1", Value: model.LongValue(5, 100)}},
	}); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}

	out, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "A", ColumnID: "c1",
		Pairs: []model.CellPair{{RowID: "r1", Value: model.LongValue(9, 50)}},
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if out.AnyApplied() {
		t.Fatalf("expected the outdated write to be rejected, got %+v", out)
	}
	if out.Cells[0].Reason != Outdated {
		t.Fatalf("expected Outdated, got %v", out.Cells[0].Reason)
	}

	v, _ := e.Snapshot().CellValueAt("c1", "r1")
	long, _ := v.AsLong()
	if long != 5 || v.Date != 100 {
		t.Fatalf("expected the original (5, 100) to survive, got (%d, %d)", long, v.Date)
	}
}

func TestApplyChangeFormulaDerivesSumWithoutFiringConstraint(t *testing.T) {
	node, graph := buildTestNode(t, nil)
	e, cancel := runEngine(t, node, graph)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	if _, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "A", ColumnID: "c1",
		Pairs: []model.CellPair{{RowID: "r1", Value: model.LongValue(5, 200)}},
	}); err != nil {
		t.Fatalf("ApplyChange c1: %v", err)
	}
	out, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "A", ColumnID: "c2",
		Pairs: []model.CellPair{{RowID: "r1", Value: model.LongValue(7, 200)}},
	})
	if err != nil {
		t.Fatalf("ApplyChange c2: %v", err)
	}

	v, ok := e.Snapshot().CellValueAt("c3", "r3")
	if !ok {
		t.Fatal("expected c3//r3 to resolve")
	}
	long, _ := v.AsLong()
	if long != 12 || v.Date != 200 {
		t.Fatalf("expected LongCellValue(12, 200), got (%d, %d)", long, v.Date)
	}
	if len(out.ConstraintFlips) != 0 {
		t.Fatalf("expected gt(/r3, 20) not to fire, got flips %v", out.ConstraintFlips)
	}
}

func TestApplyChangeFilterBlocksUnauthorizedWrite(t *testing.T) {
	node, graph := buildTestNode(t, matcher.Owner)
	e, cancel := runEngine(t, node, graph)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	out, err := e.ApplyChange(ctx, ChangeRequest{
		SourceNodeID: "B", ColumnID: "c1",
		Pairs: []model.CellPair{{RowID: "r1", Value: model.LongValue(1, 100)}},
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if out.AnyApplied() {
		t.Fatalf("expected the non-owner write to be rejected, got %+v", out)
	}
	if out.Cells[0].Reason != FilterRejected {
		t.Fatalf("expected FilterRejected, got %v", out.Cells[0].Reason)
	}

	if _, ok := e.Snapshot().CDs["c1"].Values["r1"]; ok {
		t.Fatal("expected no state change from the rejected write")
	}
}

func TestRecordReachability(t *testing.T) {
	node, graph := buildTestNode(t, nil)
	e, cancel := runEngine(t, node, graph)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	if err := e.RecordReachability(ctx, "child1", true); err != nil {
		t.Fatalf("RecordReachability: %v", err)
	}
	if !e.Snapshot().OnlineNodes["child1"] {
		t.Fatal("expected child1 to be marked online")
	}

	if err := e.RecordReachability(ctx, "child1", false); err != nil {
		t.Fatalf("RecordReachability: %v", err)
	}
	if e.Snapshot().OnlineNodes["child1"] {
		t.Fatal("expected child1 to be marked offline")
	}

	if err := e.RecordReachability(ctx, "unknown-node", true); err == nil {
		t.Fatal("expected an error for an unknown node id")
	}
}

func TestRecordReachabilityEmitsColumnReachabilityChangeForOwnedColumns(t *testing.T) {
	columns := model.NewColumnList("cols", 0)
	columns.Columns.Set("c1", model.Column{ID: "c1", OwnerID: "child1"})
	columns.Columns.Set("c2", model.Column{ID: "c2", OwnerID: "A"})
	schema := model.NewSchema(columns)
	rl1 := model.NewRowList("rl1", 0)
	rl1.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong})
	schema.RowLists["c1"] = rl1
	rl2 := model.NewRowList("rl2", 0)
	rl2.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong})
	schema.RowLists["c2"] = rl2

	self := model.NodeInfo{ID: "self"}
	nl := model.NewNodeList("nl", 0, self)
	nl.Downstream.Set("child1", model.NodeInfo{ID: "child1"})
	node := model.NewNode(nl, schema, nil)

	e, cancel := runEngine(t, node, nil)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	type event struct {
		nodeID  string
		online  bool
		columns []string
	}
	events := make(chan event, 4)
	e.SubscribeReachability(func(_ *model.Node, nodeID string, online bool, columns []string) {
		events <- event{nodeID, online, append([]string(nil), columns...)}
	})

	if err := e.RecordReachability(ctx, "child1", true); err != nil {
		t.Fatalf("RecordReachability: %v", err)
	}

	select {
	case ev := <-events:
		if ev.nodeID != "child1" || !ev.online || len(ev.columns) != 1 || ev.columns[0] != "c1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ColumnReachabilityChange")
	}

	// A reachability update for a node owning no columns emits nothing.
	if err := e.RecordReachability(ctx, "self", true); err != nil {
		t.Fatalf("RecordReachability: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for a node with no owned columns: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
