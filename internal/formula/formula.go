package formula

import (
	"fmt"

	"github.com/race-share/share/internal/model"
)

// Formula wraps a parsed expression into the model.FormulaSpec surface
// internal/model needs, plus the Eval entry point internal/engine calls
// during level-by-level re-evaluation (spec.md §4.4).
type Formula struct {
	source     string
	columnID   string
	rowID      string
	constraint bool
	root       expr
	deps       []model.CellRef
}

// Compile parses source against ownColumnID/ownRowID (the row hosting the
// formula) and returns a ready-to-evaluate Formula. isConstraint marks a
// Boolean-valued formula as a constraint rather than a derived cell
// (spec.md §4.4: "a constraint is a formula whose declared row type is
// Boolean").
func Compile(source, columnID, rowID string, isConstraint bool) (*Formula, error) {
	return compile(nil, source, columnID, rowID, isConstraint)
}

// CompileCached behaves like Compile but memoizes the parse in cache, so a
// formula string repeated across many rows (a common authoring pattern: the
// same constraint text applied to every row of a column) is parsed once.
func CompileCached(cache *ASTCache, source, columnID, rowID string, isConstraint bool) (*Formula, error) {
	return compile(cache, source, columnID, rowID, isConstraint)
}

func compile(cache *ASTCache, source, columnID, rowID string, isConstraint bool) (*Formula, error) {
	var root expr
	var err error
	if cache != nil {
		root, err = cache.Parse(source, columnID)
	} else {
		root, err = Parse(source, columnID)
	}
	if err != nil {
		return nil, fmt.Errorf("formula: compiling %s//%s: %w", columnID, rowID, err)
	}
	var deps []model.CellRef
	root.collectDeps(&deps)
	return &Formula{
		source:     source,
		columnID:   columnID,
		rowID:      rowID,
		constraint: isConstraint,
		root:       root,
		deps:       deps,
	}, nil
}

// IsConstraint implements model.FormulaSpec.
func (f *Formula) IsConstraint() bool { return f.constraint }

// Dependencies implements model.FormulaSpec.
func (f *Formula) Dependencies() []model.CellRef {
	out := make([]model.CellRef, len(f.deps))
	copy(out, f.deps)
	return out
}

// Source returns the original formula text, for diagnostics and the AST
// cache key (cache.go).
func (f *Formula) Source() string { return f.source }

// Eval runs the formula against ctx, which must name this formula's own
// (ColumnID, RowID) so refExpr/iinc/ilpushn can resolve "this cell".
func (f *Formula) Eval(ctx *EvalContext) (model.CellValue, error) {
	return f.root.eval(ctx)
}
