package engine

import "github.com/race-share/share/internal/model"

// FilterForSend narrows pairs to the subset targetNodeID is allowed to
// receive for column colID, applying the column's SendMatcher (or, per row,
// a row-level override) — the same send/receive matcher reuse spec.md §4.2
// describes ("Specifications are authored once ... reused for both send and
// receive directions"). UpstreamClient and DownstreamServer both call this
// symmetrically (spec.md §4.3, §4.5) when deciding what to forward to a
// link. ok is false if colID names no column.
func FilterForSend(node *model.Node, colID string, pairs []model.CellPair, targetNodeID, selfID string) (out []model.CellPair, ok bool) {
	col, ok := node.Column(colID)
	if !ok {
		return nil, false
	}
	resolvedOwner := col.ResolvedOwner(selfID, node.UpstreamID)
	ctx := node.MatchContext(targetNodeID, resolvedOwner)

	if col.SendMatcher != nil && !col.SendMatcher.Matches(ctx) {
		return nil, true
	}

	out = make([]model.CellPair, 0, len(pairs))
	for _, p := range pairs {
		row, ok := node.Row(colID, p.RowID)
		if !ok {
			continue
		}
		matcher := row.SendMatcher
		if matcher == nil {
			matcher = col.SendMatcher
		}
		if matcher != nil && !matcher.Matches(ctx) {
			continue
		}
		out = append(out, p)
	}
	return out, true
}
