// Package downstream implements DownstreamServer (spec.md §4.5): accepts
// WebSocket connections from children, verifies their claimed identity
// against NodeList and an address mask, and forwards CDCs in both
// directions under send/receive matcher filtering.
package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/race-share/share/internal/applog"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/metrics"
	"github.com/race-share/share/internal/model"
	"github.com/race-share/share/internal/wire"
)

// Conn is the subset of *websocket.Conn the server depends on.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// child tracks one accepted connection's identity.
type child struct {
	id   string
	conn Conn
}

// Server accepts downstream connections and fans CDCs out to registered
// children. The children registry uses xsync.Map rather than a mutex-
// guarded map (grounded on the teacher's topology.GlobalNodePool, whose
// node registry sees the same pattern: many concurrent connection
// goroutines registering/looking-up/ranging over one shared set).
type Server struct {
	eng      *engine.UpdateEngine
	children *xsync.Map[string, *child] // nodeID -> child

	metricsMu sync.Mutex
	metrics   *metrics.Manager
}

// New constructs a Server bound to eng; it subscribes to eng so accepted
// changes from anywhere (upstream, local, another child) get forwarded to
// every other registered child.
func New(eng *engine.UpdateEngine) *Server {
	s := &Server{eng: eng, children: xsync.NewMap[string, *child]()}
	eng.Subscribe(s.onChange)
	eng.SubscribeReachability(s.onReachabilityChange)
	return s
}

// SetMetrics wires m to receive per-child handshake-duration observations.
// Nil is valid and simply disables observation.
func (s *Server) SetMetrics(m *metrics.Manager) {
	s.metricsMu.Lock()
	s.metrics = m
	s.metricsMu.Unlock()
}

// HandleConn takes ownership of an already-accepted Conn (the caller has
// done the HTTP upgrade; see ServeHTTP for the net/http entry point) and
// runs its lifecycle until the connection closes. remoteAddr is the peer's
// network address, used for the address-mask check in the handshake.
func (s *Server) HandleConn(ctx context.Context, conn Conn, remoteAddr netip.Addr) {
	defer conn.CloseNow()

	nodeID, ok := s.handshake(ctx, conn, remoteAddr)
	if !ok {
		return
	}
	defer s.unregister(nodeID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			applog.Infof(applog.TagDownstream, "child %s disconnected: %v", nodeID, err)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			applog.Warnf(applog.TagDownstream, "malformed message from %s: %v", nodeID, err)
			continue
		}
		s.handleEnvelope(ctx, nodeID, env)
	}
}

// handshake reads the child's first message (must be NodeDates), verifies
// it, registers the child, and replies with a resync CDC batch plus our own
// NodeDates (spec.md §4.5 steps 1-4).
func (s *Server) handshake(ctx context.Context, conn Conn, remoteAddr netip.Addr) (string, bool) {
	start := time.Now()
	_, data, err := conn.Read(ctx)
	if err != nil {
		applog.Warnf(applog.TagDownstream, "handshake read: %v", err)
		return "", false
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Kind != wire.KindNodeDates {
		applog.Warnf(applog.TagDownstream, "expected NodeDates as first message, got %v", err)
		return "", false
	}
	claimedID := env.NodeDates.ID

	node := s.eng.Snapshot()
	info, ok := node.NodeList.Downstream.Get(claimedID)
	if !ok {
		applog.Warnf(applog.TagDownstream, "rejecting unknown child id %q", claimedID)
		return "", false
	}
	if !info.AllowsAddress(remoteAddr) {
		applog.Warnf(applog.TagDownstream, "rejecting child %q: address %s not in mask", claimedID, remoteAddr)
		return "", false
	}

	s.register(claimedID, conn)

	if err := s.eng.RecordReachability(ctx, claimedID, true); err != nil {
		applog.Warnf(applog.TagDownstream, "record reachability: %v", err)
	}

	s.sendResync(ctx, claimedID, conn, node, env.NodeDates)
	s.recordHandshake(start)
	return claimedID, true
}

func (s *Server) recordHandshake(start time.Time) {
	s.metricsMu.Lock()
	m := s.metrics
	s.metricsMu.Unlock()
	if m != nil {
		m.Collector.RecordHandshake(time.Since(start).Milliseconds())
	}
}

// columnsOwnedBy returns the ids of columns node's schema resolves as owned
// by nodeID, used to populate a ColumnReachabilityChange.
func columnsOwnedBy(node *model.Node, nodeID string) []string {
	var columns []string
	node.Schema.Columns.Columns.Range(func(colID string, col model.Column) bool {
		if col.IsOwnedBy(nodeID, node.NodeList.Self.ID, node.UpstreamID) {
			columns = append(columns, colID)
		}
		return true
	})
	return columns
}

// sendResync pushes CDCs for cells the child lacks or has outdated, then
// ColumnReachabilityChange.online for currently-online downstream peers
// of this node, then our own NodeDates (spec.md §4.5 step 4).
func (s *Server) sendResync(ctx context.Context, childID string, conn Conn, node *model.Node, childND *wire.NodeDates) {
	node.Schema.Columns.Columns.Range(func(colID string, col model.Column) bool {
		cd, ok := node.CDs[colID]
		if !ok {
			return true
		}
		childDates, childColDate, hasPerRow := childKnownDates(childND, colID)
		missing := make([]model.CellPair, 0)
		for rowID, v := range cd.Values {
			if hasPerRow {
				if known, ok := childDates[rowID]; !ok || known < v.Date {
					missing = append(missing, model.CellPair{RowID: rowID, Value: v})
				}
			} else if childColDate < v.Date {
				missing = append(missing, model.CellPair{RowID: rowID, Value: v})
			}
		}
		filtered, ok := engine.FilterForSend(node, colID, missing, childID, node.NodeList.Self.ID)
		if !ok || len(filtered) == 0 {
			return true
		}
		cdc, err := wire.EncodeChange(colID, node.NodeList.Self.ID, cd.Date, filtered)
		if err != nil {
			applog.Warnf(applog.TagDownstream, "encode resync for %s: %v", colID, err)
			return true
		}
		s.writeTo(ctx, conn, wire.Envelope{Kind: wire.KindColumnDataChange, ColumnDataChange: cdc})
		return true
	})

	for otherID := range node.OnlineNodes {
		if otherID == childID {
			continue
		}
		columns := columnsOwnedBy(node, otherID)
		if len(columns) == 0 {
			continue
		}
		s.writeTo(ctx, conn, wire.Envelope{Kind: wire.KindColumnReachabilityChange, ColumnReachabilityChange: &wire.ColumnReachabilityChange{
			NodeID: otherID, Date: node.Clock.NowMillis(), Online: true, Columns: columns,
		}})
	}

	ourND := &wire.NodeDates{ID: node.NodeList.Self.ID}
	s.writeTo(ctx, conn, wire.Envelope{Kind: wire.KindNodeDates, NodeDates: ourND})
}

// childKnownDates reports what a child already knows for one column. For a
// read-write column it returns the per-row date map (hasPerRow true). For a
// read-only column the child only tracked a single column-level date, so
// every row newer than colDate counts as missing (hasPerRow false).
func childKnownDates(nd *wire.NodeDates, colID string) (perRow map[string]int64, colDate int64, hasPerRow bool) {
	if nd == nil {
		return nil, 0, false
	}
	if rw, ok := nd.ReadWriteColumns[colID]; ok {
		return rw, 0, true
	}
	return nil, nd.ReadOnlyColumns[colID], false
}

func (s *Server) handleEnvelope(ctx context.Context, nodeID string, env wire.Envelope) {
	switch env.Kind {
	case wire.KindColumnDataChange:
		s.applyInboundChange(ctx, nodeID, env.ColumnDataChange)
	case wire.KindPing:
		s.replyPong(ctx, nodeID, env.Ping)
	default:
		applog.Warnf(applog.TagDownstream, "unhandled message kind %q from %s", env.Kind, nodeID)
	}
}

func (s *Server) applyInboundChange(ctx context.Context, nodeID string, cdc *wire.ColumnDataChange) {
	if cdc == nil {
		return
	}
	node := s.eng.Snapshot()
	pairs := wire.DecodeChange(cdc, func(rowID string) (model.CellType, bool) {
		row, ok := node.Row(cdc.ColumnID, rowID)
		if !ok {
			return model.TypeUnknown, false
		}
		return row.CellType, true
	})
	if len(pairs) == 0 {
		return
	}
	if _, err := s.eng.ApplyChange(ctx, engine.ChangeRequest{
		SourceNodeID: nodeID,
		ColumnID:     cdc.ColumnID,
		Pairs:        pairs,
	}); err != nil {
		applog.Warnf(applog.TagDownstream, "apply inbound change from %s: %v", nodeID, err)
	}
}

func (s *Server) replyPong(ctx context.Context, nodeID string, ping *wire.Ping) {
	if ping == nil {
		return
	}
	c := s.lookup(nodeID)
	if c == nil {
		return
	}
	node := s.eng.Snapshot()
	s.writeTo(ctx, c.conn, wire.Envelope{Kind: wire.KindPong, Pong: &wire.Pong{
		Ping:       *ping,
		ServerDate: node.Clock.NowMillis(),
	}})
}

// onChange is the engine.ChangeListener: fan an accepted change out to
// every registered child except the one it originated from (spec.md §4.5
// outbound CDC: "skip if child == cdc.changeNodeId").
func (s *Server) onChange(node *model.Node, req engine.ChangeRequest, outcome engine.ChangeOutcome) {
	cd, ok := node.CDs[req.ColumnID]
	if !ok {
		return
	}
	pairs := make([]model.CellPair, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		if v, ok := cd.Values[p.RowID]; ok {
			pairs = append(pairs, model.CellPair{RowID: p.RowID, Value: v})
		}
	}

	targets := make([]*child, 0, s.children.Size())
	s.children.Range(func(id string, c *child) bool {
		if id != req.SourceNodeID {
			targets = append(targets, c)
		}
		return true
	})

	for _, c := range targets {
		filtered, ok := engine.FilterForSend(node, req.ColumnID, pairs, c.id, node.NodeList.Self.ID)
		if !ok || len(filtered) == 0 {
			continue
		}
		cdc, err := wire.EncodeChange(req.ColumnID, req.SourceNodeID, cd.Date, filtered)
		if err != nil {
			applog.Warnf(applog.TagDownstream, "encode outbound change for %s: %v", c.id, err)
			continue
		}
		s.writeTo(context.Background(), c.conn, wire.Envelope{Kind: wire.KindColumnDataChange, ColumnDataChange: cdc})
	}
}

// onReachabilityChange is the engine.ReachabilityListener: fan a node's
// reachability transition out to every other registered child (the child
// whose id is nodeID itself is skipped) as a
// ColumnReachabilityChange, so a grandchild several hops below learns that
// an ancestor's columns went offline (spec.md §4.1, scenario 6) the same
// way onChange fans out CDCs.
func (s *Server) onReachabilityChange(node *model.Node, nodeID string, online bool, columns []string) {
	env := wire.Envelope{Kind: wire.KindColumnReachabilityChange, ColumnReachabilityChange: &wire.ColumnReachabilityChange{
		NodeID: nodeID, Date: node.Clock.NowMillis(), Online: online, Columns: columns,
	}}
	s.children.Range(func(id string, c *child) bool {
		if id != nodeID {
			s.writeTo(context.Background(), c.conn, env)
		}
		return true
	})
}

func (s *Server) register(nodeID string, conn Conn) {
	s.children.Store(nodeID, &child{id: nodeID, conn: conn})
}

func (s *Server) unregister(nodeID string) {
	s.children.Delete(nodeID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.eng.RecordReachability(ctx, nodeID, false); err != nil {
		applog.Warnf(applog.TagDownstream, "record reachability on disconnect: %v", err)
	}
}

func (s *Server) lookup(nodeID string) *child {
	c, _ := s.children.Load(nodeID)
	return c
}

func (s *Server) writeTo(ctx context.Context, conn Conn, env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		applog.Warnf(applog.TagDownstream, "marshal: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		applog.Warnf(applog.TagDownstream, "write: %v", err)
	}
}

// ServeHTTP upgrades an incoming HTTP request to a WebSocket connection and
// runs its lifecycle. Wire this into an *http.ServeMux at the downstream
// listen address (EnvConfig.DownstreamListenAddress/Port).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		applog.Warnf(applog.TagDownstream, "accept: %v", err)
		return
	}
	remoteAddr, err := remoteAddrOf(r)
	if err != nil {
		applog.Warnf(applog.TagDownstream, "parse remote addr %q: %v", r.RemoteAddr, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "unrecognized remote address")
		return
	}
	s.HandleConn(r.Context(), conn, remoteAddr)
}

func remoteAddrOf(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("downstream: %w", err)
	}
	return addr, nil
}
