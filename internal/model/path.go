package model

import "strings"

// ResolvePath resolves a hierarchical, slash-separated id relative to
// contextID (spec.md §3: "."  means self). A leading "." is replaced by
// contextID; anything else is returned unchanged, since SHARE ids are
// otherwise absolute paths.
func ResolvePath(id, contextID string) string {
	if id == "." {
		return contextID
	}
	if strings.HasPrefix(id, "./") {
		return contextID + id[1:]
	}
	return id
}

// ResolveOwner resolves the abstract owner tokens "<self>" and "<up>"
// against the given node. Any other owner id is returned unchanged (it
// already names a concrete node id). Resolution happens at match time, not
// at load time (design note §9), so a node's upstream identity can change
// across a reconnect without requiring ColumnList to be reloaded.
//
// upstreamID is the resolving node's current upstream id (empty if none).
func ResolveOwner(ownerID, selfID, upstreamID string) string {
	switch ownerID {
	case "<self>":
		return selfID
	case "<up>":
		return upstreamID
	default:
		return ownerID
	}
}
