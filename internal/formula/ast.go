// Package formula implements the Formula & Constraint Engine (spec.md §4.4):
// parsing, dependency-graph construction with load-time cycle rejection, and
// level-by-level re-evaluation after each UpdateEngine change batch.
package formula

import (
	"fmt"

	"github.com/race-share/share/internal/model"
)

// EvalContext is the explicit context threaded through formula evaluation
// (spec.md §4.4, design note §9: "replace implicit evaluation contexts with
// an explicit EvalContext parameter").
type EvalContext struct {
	// ColumnID and RowID name the cell this formula computes.
	ColumnID string
	RowID    string
	// Node is the current, already-updated Node snapshot: dependency reads
	// resolve against it, so a formula sees sibling writes from the same
	// batch that were applied in an earlier evaluation level.
	Node *model.Node
	// Current is the formula cell's own value before this evaluation, used
	// by increment-style functions (iinc, rinc) and stack-push functions
	// (ilpushn).
	Current model.CellValue
	// EvalDate is the just-applied date driving this re-evaluation
	// (spec.md §4.4).
	EvalDate int64
}

// lookup resolves a CellRef to its current value, honoring the row's
// undefined value when the cell is unset (spec.md §3 invariant 3).
func (c *EvalContext) lookup(ref model.CellRef) (model.CellValue, error) {
	v, ok := c.Node.CellValueAt(ref.ColumnID, ref.RowID)
	if !ok {
		return model.CellValue{}, fmt.Errorf("formula: unknown cell %s//%s", ref.ColumnID, ref.RowID)
	}
	return v, nil
}

// expr is a parsed formula expression node.
type expr interface {
	eval(ctx *EvalContext) (model.CellValue, error)
	collectDeps(out *[]model.CellRef)
}

// refExpr reads a cell value.
type refExpr struct {
	ref model.CellRef
}

func (e refExpr) eval(ctx *EvalContext) (model.CellValue, error) {
	return ctx.lookup(e.ref)
}

func (e refExpr) collectDeps(out *[]model.CellRef) {
	*out = append(*out, e.ref)
}

// literalExpr is a constant embedded in the formula text.
type literalExpr struct {
	value model.CellValue
}

func (e literalExpr) eval(*EvalContext) (model.CellValue, error) { return e.value, nil }
func (e literalExpr) collectDeps(*[]model.CellRef)               {}

// callExpr invokes a named function from the library (funcs.go) on
// evaluated argument expressions.
type callExpr struct {
	name string
	args []expr
	fn   *funcSpec
}

func (e callExpr) eval(ctx *EvalContext) (model.CellValue, error) {
	args := make([]model.CellValue, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(ctx)
		if err != nil {
			return model.CellValue{}, err
		}
		args[i] = v
	}
	return e.fn.eval(ctx, args)
}

func (e callExpr) collectDeps(out *[]model.CellRef) {
	for _, a := range e.args {
		a.collectDeps(out)
	}
}
