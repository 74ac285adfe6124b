package formula

import (
	"fmt"
	"sort"

	"github.com/race-share/share/internal/model"
)

// Graph is the dependency graph over formula-bearing cells, built once at
// schema-load time (spec.md §4.4: "the dependency graph is built at load
// time and cycles are rejected before the node ever starts serving
// traffic"). Keys are "columnID//rowID" strings, matching
// model.CellRefKey.
type Graph struct {
	formulas map[string]*Formula
	// levels maps a cell key to its re-evaluation level: level 0 cells
	// depend on no other formula cell, level N depends only on cells at
	// levels < N.
	levels map[string]int
	// order lists formula cell keys sorted by level, then by key, so
	// re-evaluation is deterministic (spec.md §4.4: "evaluate level by
	// level").
	order    []string
	buildErr error
}

// BuildGraph walks schema, compiling every row's formula text (if any) into
// a Formula and computing evaluation levels. It returns an error — and
// rejects the schema — on a formula that fails to compile or a dependency
// cycle. It does not check that referenced cells exist; Schema.Validate
// does that.
func BuildGraph(schema *model.Schema, formulaText map[string]string, cache *ASTCache) (*Graph, error) {
	g := &Graph{
		formulas: make(map[string]*Formula),
	}

	// Compile every row carrying formula text.
	schema.Columns.Columns.Range(func(colID string, col model.Column) bool {
		rl := schema.RowListFor(colID)
		if rl == nil {
			return true
		}
		rl.Rows.Range(func(rowID string, row model.Row) bool {
			src, ok := formulaText[cellKey(colID, rowID)]
			if !ok || src == "" {
				return true
			}
			f, err := CompileCached(cache, src, colID, rowID, row.CellType == model.TypeBoolean)
			if err != nil {
				g.buildErr = err
				return false
			}
			g.formulas[cellKey(colID, rowID)] = f
			return true
		})
		return g.buildErr == nil
	})
	if g.buildErr != nil {
		return nil, g.buildErr
	}

	levels, order, err := levelFormulas(g.formulas)
	if err != nil {
		return nil, err
	}
	g.levels = levels
	g.order = order
	return g, nil
}

func cellKey(columnID, rowID string) string {
	return columnID + "//" + rowID
}

// levelFormulas assigns each formula cell a level such that every
// dependency of a level-N cell is either a non-formula cell or a formula
// cell at a strictly lower level. A cell that cannot be leveled (its
// dependency chain loops back to itself) is a cycle and rejected.
func levelFormulas(formulas map[string]*Formula) (map[string]int, []string, error) {
	levels := make(map[string]int, len(formulas))
	const unresolved = -1
	for key := range formulas {
		levels[key] = unresolved
	}

	changed := true
	for iteration := 0; changed && iteration <= len(formulas)+1; iteration++ {
		changed = false
		for key, f := range formulas {
			if levels[key] != unresolved {
				continue
			}
			maxDepLevel := -1
			ready := true
			for _, dep := range f.Dependencies() {
				depKey := cellKey(dep.ColumnID, dep.RowID)
				depFormula, isFormula := formulas[depKey]
				if !isFormula {
					continue
				}
				_ = depFormula
				dl := levels[depKey]
				if dl == unresolved {
					ready = false
					break
				}
				if dl > maxDepLevel {
					maxDepLevel = dl
				}
			}
			if !ready {
				continue
			}
			levels[key] = maxDepLevel + 1
			changed = true
		}
	}

	var cyclic []string
	for key, lvl := range levels {
		if lvl == unresolved {
			cyclic = append(cyclic, key)
		}
	}
	if len(cyclic) > 0 {
		sort.Strings(cyclic)
		return nil, nil, fmt.Errorf("formula: dependency cycle detected among cells: %v", cyclic)
	}

	order := make([]string, 0, len(formulas))
	for key := range formulas {
		order = append(order, key)
	}
	sort.Slice(order, func(i, j int) bool {
		if levels[order[i]] != levels[order[j]] {
			return levels[order[i]] < levels[order[j]]
		}
		return order[i] < order[j]
	})

	return levels, order, nil
}

// Formula returns the compiled formula for a cell, if any.
func (g *Graph) Formula(columnID, rowID string) (*Formula, bool) {
	f, ok := g.formulas[cellKey(columnID, rowID)]
	return f, ok
}

// OrderedKeys returns formula cell keys sorted by evaluation level, for
// internal/engine to drive level-by-level re-evaluation.
func (g *Graph) OrderedKeys() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Level returns the evaluation level of a formula cell.
func (g *Graph) Level(columnID, rowID string) (int, bool) {
	lvl, ok := g.levels[cellKey(columnID, rowID)]
	return lvl, ok
}
