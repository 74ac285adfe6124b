// Package testutil provides an in-memory Schema fixture builder and a
// Sim-clock Node constructor for tests. It has no WebSocket helper, and the
// upstream and downstream tests still build their own fixtures.
package testutil

import (
	"github.com/race-share/share/internal/clock"
	"github.com/race-share/share/internal/matcher"
	"github.com/race-share/share/internal/model"
)

// SchemaBuilder accumulates columns/rows for NewNode fixtures.
type SchemaBuilder struct {
	cols *model.ColumnList
	rows map[string]*model.RowList
}

// NewSchemaBuilder starts an empty schema.
func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{
		cols: model.NewColumnList("cols", 1),
		rows: make(map[string]*model.RowList),
	}
}

// Column adds a column, defaulting to open send/receive visibility, and
// returns the builder for chaining.
func (b *SchemaBuilder) Column(id, ownerID string) *SchemaBuilder {
	b.cols.Columns.Set(id, model.Column{
		ID: id, OwnerID: ownerID,
		SendMatcher: matcher.All, ReceiveMatcher: matcher.All,
	})
	return b
}

// Row adds a row to colID's row list, creating the row list on first use.
func (b *SchemaBuilder) Row(colID, rowID string, cellType model.CellType, ownerID string) *SchemaBuilder {
	rl, ok := b.rows[colID]
	if !ok {
		rl = model.NewRowList("rows-"+colID, 1)
		b.rows[colID] = rl
	}
	rl.Rows.Set(rowID, model.Row{
		ID: rowID, CellType: cellType, OwnerID: ownerID,
		SendMatcher: matcher.All, ReceiveMatcher: matcher.All,
	})
	return b
}

// Build assembles the accumulated columns/rows into a Schema. It does not
// call Schema.Validate.
func (b *SchemaBuilder) Build() *model.Schema {
	schema := model.NewSchema(b.cols)
	for colID, rl := range b.rows {
		schema.RowLists[colID] = rl
	}
	return schema
}

// NewSimNode builds a Node from nl and schema on a deterministic Sim clock,
// so CDC dates in assertions are reproducible across runs.
func NewSimNode(nl *model.NodeList, schema *model.Schema, startMillis int64) *model.Node {
	return model.NewNode(nl, schema, clock.NewSim(startMillis))
}
