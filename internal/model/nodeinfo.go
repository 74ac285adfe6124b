package model

import "net/netip"

// NodeInfo names and addresses a single SHARE participant (spec.md §3).
type NodeInfo struct {
	ID          string
	Description string
	Host        string
	Port        int
	Protocol    string // "ws" or "wss"
	// InetMask restricts which remote addresses may register as this node
	// (used by DownstreamServer to verify a child's claimed identity,
	// spec.md §4.5 step 1). Zero value (an invalid Prefix, IsValid()==false)
	// means "no restriction".
	InetMask netip.Prefix
}

// AllowsAddress reports whether remoteAddr is admissible for this NodeInfo's
// InetMask. An invalid/zero InetMask admits everything.
func (n NodeInfo) AllowsAddress(remoteAddr netip.Addr) bool {
	if !n.InetMask.IsValid() {
		return true
	}
	return n.InetMask.Contains(remoteAddr)
}

// NodeList is the static tree membership for a node: self, at most one
// upstream in practice, zero or more peers, zero or more downstream
// children (spec.md §3). Loaded once at startup; immutable at runtime.
type NodeList struct {
	ID        string
	Timestamp int64
	Self      NodeInfo
	Upstream  *OrderedMap[NodeInfo]
	Peers     *OrderedMap[NodeInfo]
	Downstream *OrderedMap[NodeInfo]
}

// NewNodeList creates an empty NodeList for the given self-description.
func NewNodeList(id string, timestamp int64, self NodeInfo) *NodeList {
	return &NodeList{
		ID:         id,
		Timestamp:  timestamp,
		Self:       self,
		Upstream:   NewOrderedMap[NodeInfo](),
		Peers:      NewOrderedMap[NodeInfo](),
		Downstream: NewOrderedMap[NodeInfo](),
	}
}

// UpstreamID returns the single upstream node id, if any. Per spec.md §3,
// "at most one in practice" — callers that require exactly one should check
// the bool.
func (nl *NodeList) UpstreamID() (string, bool) {
	keys := nl.Upstream.Keys()
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

// IsDownstream reports whether nodeID names a registered downstream child.
func (nl *NodeList) IsDownstream(nodeID string) bool {
	return nl.Downstream.Has(nodeID)
}

// IsPeer reports whether nodeID names a registered peer.
func (nl *NodeList) IsPeer(nodeID string) bool {
	return nl.Peers.Has(nodeID)
}

// IsUpstream reports whether nodeID names the registered upstream.
func (nl *NodeList) IsUpstream(nodeID string) bool {
	up, ok := nl.UpstreamID()
	return ok && up == nodeID
}

// Known reports whether nodeID is self, upstream, a peer, or a downstream
// child — i.e. any identity NodeList is aware of.
func (nl *NodeList) Known(nodeID string) bool {
	if nodeID == nl.Self.ID {
		return true
	}
	return nl.IsUpstream(nodeID) || nl.IsPeer(nodeID) || nl.IsDownstream(nodeID)
}

// Lookup resolves a known node id to its NodeInfo.
func (nl *NodeList) Lookup(nodeID string) (NodeInfo, bool) {
	if nodeID == nl.Self.ID {
		return nl.Self, true
	}
	if info, ok := nl.Upstream.Get(nodeID); ok {
		return info, true
	}
	if info, ok := nl.Peers.Get(nodeID); ok {
		return info, true
	}
	if info, ok := nl.Downstream.Get(nodeID); ok {
		return info, true
	}
	return NodeInfo{}, false
}
