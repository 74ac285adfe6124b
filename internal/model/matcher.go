package model

// Matcher decides whether a (sourceNodeID, targetColumnID) operation is
// admissible against the current node (spec.md §4.2). Implementations live
// in internal/matcher; this package only defines the interface and the
// context passed to it, so Column/Row can hold a Matcher without internal/
// matcher needing to import internal/model's concrete aggregate types twice
// over (no import cycle: internal/matcher imports internal/model, not the
// reverse).
type Matcher interface {
	Matches(ctx MatchContext) bool
}

// MatchContext carries everything a Matcher needs to evaluate a match
// against "the current node" (spec.md §4.2), without requiring the full
// live Node value — only the identity facts relevant to filtering.
type MatchContext struct {
	// SourceNodeID is the node claiming to originate the operation.
	SourceNodeID string
	// SelfID is this node's own id.
	SelfID string
	// UpstreamID is this node's current upstream id, or "" if none.
	UpstreamID string
	// IsDownstream reports whether a given node id is a registered
	// downstream child of this node.
	IsDownstream func(nodeID string) bool
	// ResolvedOwner is the column's owner id, already resolved against this
	// node (ResolveOwner applied).
	ResolvedOwner string
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(ctx MatchContext) bool

// Matches implements Matcher.
func (f MatcherFunc) Matches(ctx MatchContext) bool { return f(ctx) }
