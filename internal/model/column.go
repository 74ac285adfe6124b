package model

// Column describes one column of the shared schema (spec.md §3). OwnerID
// may be a literal node id or an abstract token ("<self>", "<up>") resolved
// per-node at match time via ResolveOwner.
type Column struct {
	ID             string
	Description    string
	OwnerID        string
	SendMatcher    Matcher
	ReceiveMatcher Matcher
	Attrs          map[string]string
}

// ResolvedOwner resolves this column's owner against the given node
// identity facts.
func (c Column) ResolvedOwner(selfID, upstreamID string) string {
	return ResolveOwner(c.OwnerID, selfID, upstreamID)
}

// IsOwnedBy reports whether nodeID is the resolved owner of this column.
func (c Column) IsOwnedBy(nodeID, selfID, upstreamID string) bool {
	return c.ResolvedOwner(selfID, upstreamID) == nodeID
}
