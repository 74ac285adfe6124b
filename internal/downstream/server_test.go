package downstream

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/race-share/share/internal/clock"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/matcher"
	"github.com/race-share/share/internal/metrics"
	"github.com/race-share/share/internal/model"
	"github.com/race-share/share/internal/wire"
)

// fakeConn mirrors internal/upstream's test double: outbound writes land in
// sent, inbound reads are served from a channel the test feeds.
type fakeConn struct {
	sent   chan []byte
	toRead chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan []byte, 16),
		toRead: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.toRead:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, context.Canceled
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	cp := append([]byte(nil), p...)
	select {
	case f.sent <- cp:
	default:
	}
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) CloseNow() error { return f.Close(websocket.StatusNormalClosure, "") }

func buildParentNode(t *testing.T, childMask string) *model.Node {
	t.Helper()
	cols := model.NewColumnList("cols", 1)
	cols.Columns.Set("c1", model.Column{ID: "c1", OwnerID: "<self>", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	schema := model.NewSchema(cols)
	rows := model.NewRowList("rows-c1", 1)
	rows.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong, OwnerID: "<self>", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	schema.RowLists["c1"] = rows

	nl := model.NewNodeList("parent", 1, model.NodeInfo{ID: "parent"})
	childInfo := model.NodeInfo{ID: "child", Protocol: "ws"}
	if childMask != "" {
		prefix, err := netip.ParsePrefix(childMask)
		if err != nil {
			t.Fatalf("parse mask: %v", err)
		}
		childInfo.InetMask = prefix
	}
	nl.Downstream.Set("child", childInfo)

	return model.NewNode(nl, schema, clock.NewSim(1000))
}

func readEnvelope(t *testing.T, data []byte) wire.Envelope {
	t.Helper()
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestHandshakeRejectsUnknownChild(t *testing.T) {
	node := buildParentNode(t, "")
	eng := engine.New(node, nil)
	srv := New(eng)

	conn := newFakeConn()
	nd, _ := json.Marshal(wire.Envelope{Kind: wire.KindNodeDates, NodeDates: &wire.NodeDates{ID: "stranger"}})
	conn.toRead <- nd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	done := make(chan struct{})
	go func() {
		srv.HandleConn(ctx, conn, netip.MustParseAddr("10.0.0.5"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleConn never returned for rejected child")
	}
	if srv.lookup("stranger") != nil {
		t.Fatal("unknown child should not be registered")
	}
}

func TestHandshakeRejectsAddressOutsideMask(t *testing.T) {
	node := buildParentNode(t, "10.0.0.0/24")
	eng := engine.New(node, nil)
	srv := New(eng)

	conn := newFakeConn()
	nd, _ := json.Marshal(wire.Envelope{Kind: wire.KindNodeDates, NodeDates: &wire.NodeDates{ID: "child"}})
	conn.toRead <- nd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	done := make(chan struct{})
	go func() {
		srv.HandleConn(ctx, conn, netip.MustParseAddr("192.168.1.5"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleConn never returned for out-of-mask child")
	}
	if srv.lookup("child") != nil {
		t.Fatal("out-of-mask child should not be registered")
	}
}

func TestHandshakeAcceptsAndSendsResync(t *testing.T) {
	node := buildParentNode(t, "10.0.0.0/24")
	eng := engine.New(node, nil)
	srv := New(eng)

	conn := newFakeConn()
	nd, _ := json.Marshal(wire.Envelope{Kind: wire.KindNodeDates, NodeDates: &wire.NodeDates{ID: "child"}})
	conn.toRead <- nd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	go srv.HandleConn(ctx, conn, netip.MustParseAddr("10.0.0.5"))

	// Expect our own NodeDates as the final resync message (no columns have
	// data yet, so no ColumnDataChange should precede it).
	select {
	case data := <-conn.sent:
		env := readEnvelope(t, data)
		if env.Kind != wire.KindNodeDates {
			t.Fatalf("expected NodeDates reply, got %s", env.Kind)
		}
		if env.NodeDates.ID != "parent" {
			t.Fatalf("expected parent's own id, got %s", env.NodeDates.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync NodeDates")
	}

	if srv.lookup("child") == nil {
		t.Fatal("expected child to be registered after successful handshake")
	}
}

func TestOnChangeForwardsToOtherChildrenNotOrigin(t *testing.T) {
	node := buildParentNode(t, "")
	nl := node.NodeList
	nl.Downstream.Set("sibling", model.NodeInfo{ID: "sibling"})
	eng := engine.New(node, nil)
	srv := New(eng)

	originConn := newFakeConn()
	siblingConn := newFakeConn()
	srv.register("child", originConn)
	srv.register("sibling", siblingConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	if _, err := eng.ApplyChange(ctx, engine.ChangeRequest{
		SourceNodeID: "child",
		ColumnID:     "c1",
		Pairs:        []model.CellPair{{RowID: "r1", Value: model.LongValue(7, 5000)}},
	}); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}

	select {
	case data := <-siblingConn.sent:
		env := readEnvelope(t, data)
		if env.Kind != wire.KindColumnDataChange {
			t.Fatalf("expected forwarded ColumnDataChange, got %s", env.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change forwarded to sibling")
	}

	select {
	case data := <-originConn.sent:
		t.Fatalf("origin child should not receive its own change back, got %s", string(data))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeRecordsMetrics(t *testing.T) {
	node := buildParentNode(t, "10.0.0.0/24")
	eng := engine.New(node, nil)
	srv := New(eng)
	m := metrics.NewManager()
	srv.SetMetrics(m)

	conn := newFakeConn()
	nd, _ := json.Marshal(wire.Envelope{Kind: wire.KindNodeDates, NodeDates: &wire.NodeDates{ID: "child"}})
	conn.toRead <- nd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	go srv.HandleConn(ctx, conn, netip.MustParseAddr("10.0.0.5"))

	select {
	case <-conn.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync NodeDates")
	}

	if got := m.Snapshot().HandshakeCount; got != 1 {
		t.Fatalf("handshake count = %d, want 1", got)
	}
}

func TestSendResyncReportsOnlinePeerAsColumnReachabilityChange(t *testing.T) {
	node := buildParentNode(t, "10.0.0.0/24")
	nl := node.NodeList
	nl.Downstream.Set("sibling", model.NodeInfo{ID: "sibling"})
	node.Schema.Columns.Columns.Set("c2", model.Column{ID: "c2", OwnerID: "sibling", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	node.Schema.RowLists["c2"] = model.NewRowList("rows-c2", 1)
	node.OnlineNodes["sibling"] = true

	eng := engine.New(node, nil)
	srv := New(eng)

	conn := newFakeConn()
	nd, _ := json.Marshal(wire.Envelope{Kind: wire.KindNodeDates, NodeDates: &wire.NodeDates{ID: "child"}})
	conn.toRead <- nd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	go srv.HandleConn(ctx, conn, netip.MustParseAddr("10.0.0.5"))

	select {
	case data := <-conn.sent:
		env := readEnvelope(t, data)
		if env.Kind != wire.KindColumnReachabilityChange {
			t.Fatalf("expected ColumnReachabilityChange for online peer, got %s", env.Kind)
		}
		crc := env.ColumnReachabilityChange
		if crc.NodeID != "sibling" || !crc.Online || len(crc.Columns) != 1 || crc.Columns[0] != "c2" {
			t.Fatalf("unexpected ColumnReachabilityChange %+v", crc)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ColumnReachabilityChange")
	}
}

func TestReachabilityChangeForwardedToOtherChildren(t *testing.T) {
	node := buildParentNode(t, "")
	nl := node.NodeList
	nl.Downstream.Set("sibling", model.NodeInfo{ID: "sibling"})
	node.Schema.Columns.Columns.Set("c2", model.Column{ID: "c2", OwnerID: "child", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	node.Schema.RowLists["c2"] = model.NewRowList("rows-c2", 1)

	eng := engine.New(node, nil)
	srv := New(eng)

	siblingConn := newFakeConn()
	srv.register("sibling", siblingConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	if err := eng.RecordReachability(ctx, "child", false); err != nil {
		t.Fatalf("RecordReachability: %v", err)
	}

	select {
	case data := <-siblingConn.sent:
		env := readEnvelope(t, data)
		if env.Kind != wire.KindColumnReachabilityChange {
			t.Fatalf("expected ColumnReachabilityChange, got %s", env.Kind)
		}
		crc := env.ColumnReachabilityChange
		if crc.NodeID != "child" || crc.Online || len(crc.Columns) != 1 || crc.Columns[0] != "c2" {
			t.Fatalf("unexpected ColumnReachabilityChange %+v", crc)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded reachability change")
	}
}
