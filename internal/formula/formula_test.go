package formula

import (
	"testing"

	"github.com/race-share/share/internal/model"
)

func TestParseRefForms(t *testing.T) {
	e, err := Parse("isum(/c1//r1, /c2//r1)", "c3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var deps []model.CellRef
	e.collectDeps(&deps)
	if len(deps) != 2 {
		t.Fatalf("expected 2 deps, got %d", len(deps))
	}
	if deps[0] != (model.CellRef{ColumnID: "c1", RowID: "r1"}) {
		t.Fatalf("unexpected first dep: %+v", deps[0])
	}

	e2, err := Parse("gt(/r3, 20)", "c3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var deps2 []model.CellRef
	e2.collectDeps(&deps2)
	if deps2[0] != (model.CellRef{ColumnID: "c3", RowID: "r3"}) {
		t.Fatalf("expected same-column ref to resolve to c3//r3, got %+v", deps2[0])
	}
}

func buildScenario3Node(t *testing.T) (*model.Node, *Graph) {
	t.Helper()

	columns := model.NewColumnList("cols", 0)
	columns.Columns.Set("c1", model.Column{ID: "c1"})
	columns.Columns.Set("c2", model.Column{ID: "c2"})
	columns.Columns.Set("c3", model.Column{ID: "c3"})

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
	graph, err := BuildGraph(schema, formulaText, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	nl := model.NewNodeList("nl", 0, model.NodeInfo{ID: "self"})
	node := model.NewNode(nl, schema, nil)
	node.CDs["c1"] = model.ColumnData{ColumnID: "c1", Date: 200, Values: map[string]model.CellValue{
		"r1": model.LongValue(5, 200),
	}}
	node.CDs["c2"] = model.ColumnData{ColumnID: "c2", Date: 200, Values: map[string]model.CellValue{
		"r1": model.LongValue(7, 200),
	}}
	node.CDs["c3"] = model.ColumnData{ColumnID: "c3", Date: 0, Values: map[string]model.CellValue{}}

	return node, graph
}

func TestScenario3DerivedSumAndNonFiringConstraint(t *testing.T) {
	node, graph := buildScenario3Node(t)

	f, ok := graph.Formula("c3", "r3")
	if !ok {
		t.Fatal("expected a compiled formula for c3//r3")
	}
	ctx := &EvalContext{ColumnID: "c3", RowID: "r3", Node: node, EvalDate: 200}
	v, err := f.Eval(ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	long, ok := v.AsLong()
	if !ok || long != 12 {
		t.Fatalf("expected LongCellValue(12, ...), got %+v", v)
	}

	cd := node.CDs["c3"]
	cd.Values["r3"] = v
	node.CDs["c3"] = cd

	cf, ok := graph.Formula("c3", "constraint")
	if !ok {
		t.Fatal("expected a compiled constraint for c3//constraint")
	}
	cctx := &EvalContext{ColumnID: "c3", RowID: "constraint", Node: node, EvalDate: 200}
	cv, err := cf.Eval(cctx)
	if err != nil {
		t.Fatalf("eval constraint: %v", err)
	}
	satisfied, ok := cv.AsBool()
	if !ok {
		t.Fatalf("expected Boolean constraint result, got %+v", cv)
	}
	if satisfied {
		t.Fatal("gt(/r3, 20) should not be satisfied when r3 == 12")
	}
	if !cf.IsConstraint() {
		t.Fatal("expected c3//constraint to be marked as a constraint")
	}
}

func TestGraphRejectsCycle(t *testing.T) {
	columns := model.NewColumnList("cols", 0)
	columns.Columns.Set("c1", model.Column{ID: "c1"})
	schema := model.NewSchema(columns)

	rl := model.NewRowList("rl", 0)
	rl.Rows.Set("a", model.Row{ID: "a", CellType: model.TypeLong})
	rl.Rows.Set("b", model.Row{ID: "b", CellType: model.TypeLong})
	schema.RowLists["c1"] = rl

	formulaText := map[string]string{
		"c1//a": "isum(/b)",
		"c1//b": "isum(/a)",
	}
	_, err := BuildGraph(schema, formulaText, nil)
	if err == nil {
		t.Fatal("expected a dependency cycle error")
	}
}

func TestASTCacheReusesParse(t *testing.T) {
	cache := NewASTCache(16)
	defer cache.Close()

	e1, err := cache.Parse("isum(/r1, /r2)", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e2, err := cache.Parse("isum(/r1, /r2)", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.Size() != 1 {
		t.Fatalf("expected one cached entry, got %d", cache.Size())
	}
	if e1 == nil || e2 == nil {
		t.Fatal("expected non-nil parsed expressions")
	}
}
