package store

import (
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/model"
)

// Subscribe wires s up to eng as an engine.ChangeListener: every applied
// cell lands in the dirty set for the next FlushWorker cycle to persist.
func Subscribe(eng *engine.UpdateEngine, s *Store) {
	eng.Subscribe(func(_ *model.Node, req engine.ChangeRequest, outcome engine.ChangeOutcome) {
		for _, c := range outcome.Cells {
			if c.Reason != engine.Applied {
				continue
			}
			s.MarkUpsert(CellKey{ColumnID: req.ColumnID, RowID: c.RowID})
		}
	})
}
