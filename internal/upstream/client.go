// Package upstream implements UpstreamClient (spec.md §4.3): a stateful
// WebSocket client that keeps this node synchronized with its single parent,
// filtering outbound and inbound CDCs by send/receive matchers and
// translating transport events into NodeReachabilityChange.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/race-share/share/internal/applog"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/metrics"
	"github.com/race-share/share/internal/model"
	"github.com/race-share/share/internal/wire"
)

// State names one point in the Initial → Synchronizing → Synchronized ↔
// Reconnecting → Terminated state machine (spec.md §4.3).
type State int

const (
	StateInitial State = iota
	StateSynchronizing
	StateSynchronized
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn the Client depends on, so tests can
// substitute a fake transport.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Dialer opens a new Conn to uri. Injectable for testing.
type Dialer func(ctx context.Context, uri string) (Conn, error)

// DefaultDialer dials uri with coder/websocket.
func DefaultDialer(ctx context.Context, uri string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", uri, err)
	}
	return c, nil
}

// Client drives the single-threaded UpstreamClient state machine.
type Client struct {
	uri          string
	tickInterval time.Duration
	dial         Dialer
	eng          *engine.UpdateEngine

	mu         sync.Mutex
	state      State
	conn       Conn
	upstreamID string

	pingSeq      int64
	lastPingSeq  int64
	awaitingPong bool
	pingSentAt   time.Time
	handshakeAt  time.Time

	sendMu sync.Mutex

	metrics *metrics.Manager
}

// SetMetrics wires m to receive reconnect/handshake/RTT observations. Nil is
// valid and simply disables observation.
func (c *Client) SetMetrics(m *metrics.Manager) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// New constructs a Client. tickInterval is the ping/reconnect cadence
// (spec.md §4.3 default 30s, "less than standard 60s websocket idle
// timeout"). dial may be nil to use DefaultDialer.
func New(uri string, tickInterval time.Duration, dial Dialer, eng *engine.UpdateEngine) *Client {
	if dial == nil {
		dial = DefaultDialer
	}
	c := &Client{
		uri:          uri,
		tickInterval: tickInterval,
		dial:         dial,
		eng:          eng,
		state:        StateInitial,
	}
	eng.Subscribe(c.onLocalChange)
	return c
}

// State returns the client's current state. Safe for concurrent callers.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the client until ctx is canceled: an initial connect attempt,
// then a tick loop that pings while Synchronized and retries while
// Reconnecting (spec.md §4.3: "Reconnecting retries on every tick").
func (c *Client) Run(ctx context.Context) {
	if c.uri == "" {
		applog.Infof(applog.TagUpstream, "no upstream configured, idle")
		<-ctx.Done()
		c.setState(StateTerminated)
		return
	}

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	c.setState(StateSynchronizing)
	c.markHandshakeStart()
	if err := c.connectAndHandshake(ctx); err != nil {
		applog.Warnf(applog.TagUpstream, "connect: %v", err)
		c.setState(StateReconnecting)
	}

	for {
		select {
		case <-ctx.Done():
			c.setState(StateTerminated)
			c.closeConn()
			return
		case <-ticker.C:
			c.onTick(ctx)
		}
	}
}

func (c *Client) onTick(ctx context.Context) {
	switch c.State() {
	case StateSynchronized:
		c.tickSynchronized(ctx)
	case StateReconnecting, StateSynchronizing:
		// A handshake that hasn't completed by the next tick is treated as
		// failed and retried (spec.md §4.3: "Reconnecting retries on every
		// tick"; we extend the same cadence to a stalled Synchronizing).
		c.recordReconnect()
		c.setState(StateSynchronizing)
		c.markHandshakeStart()
		if err := c.connectAndHandshake(ctx); err != nil {
			applog.Warnf(applog.TagUpstream, "reconnect: %v", err)
			c.setState(StateReconnecting)
		}
	}
}

// tickSynchronized implements the dead-link detector: if the previous tick's
// Ping never got a matching Pong, the link is declared dead (spec.md §4.3).
func (c *Client) tickSynchronized(ctx context.Context) {
	c.mu.Lock()
	dead := c.awaitingPong
	c.mu.Unlock()
	if dead {
		applog.Warnf(applog.TagUpstream, "no pong for ping %d, declaring link dead", c.lastPingSeq)
		c.disconnect(ctx, true)
		return
	}
	if err := c.sendPing(ctx); err != nil {
		applog.Warnf(applog.TagUpstream, "send ping: %v", err)
		c.disconnect(ctx, true)
	}
}

func (c *Client) sendPing(ctx context.Context) error {
	seq := atomic.AddInt64(&c.pingSeq, 1)
	node := c.eng.Snapshot()
	msg := wire.Envelope{Kind: wire.KindPing, Ping: &wire.Ping{
		Sender:   node.NodeList.Self.ID,
		Receiver: c.upstreamIDLocked(),
		Request:  seq,
		Date:     node.Clock.NowMillis(),
	}}
	c.mu.Lock()
	c.lastPingSeq = seq
	c.awaitingPong = true
	c.pingSentAt = time.Now()
	c.mu.Unlock()
	return c.writeEnvelope(ctx, msg)
}

func (c *Client) upstreamIDLocked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstreamID
}

// connectAndHandshake dials, sends our NodeDates, and spins a read loop that
// ingests upstream's handshake response and (after transitioning) ongoing
// traffic. It returns once the dial and initial send succeed; handshake
// completion (arrival of upstream's own NodeDates) happens asynchronously in
// the read loop.
func (c *Client) connectAndHandshake(ctx context.Context) error {
	conn, err := c.dial(ctx, c.uri)
	if err != nil {
		return err
	}

	node := c.eng.Snapshot()
	upstreamID, _ := node.NodeList.UpstreamID()

	c.mu.Lock()
	c.conn = conn
	c.upstreamID = upstreamID
	c.awaitingPong = false
	c.mu.Unlock()

	nd := buildNodeDates(node)
	if err := c.writeEnvelope(ctx, wire.Envelope{Kind: wire.KindNodeDates, NodeDates: nd}); err != nil {
		c.closeConn()
		return fmt.Errorf("upstream: sending NodeDates: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

// readLoop runs for the lifetime of one connection on its own goroutine
// (spec.md §5: "two independent serializers ... one for replies generated
// on the WebSocket receive thread").
func (c *Client) readLoop(conn Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				applog.Warnf(applog.TagUpstream, "read: %v", err)
			}
			c.disconnect(ctx, true)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			applog.Warnf(applog.TagUpstream, "malformed message: %v", err)
			continue
		}
		c.handleEnvelope(ctx, env)
	}
}

func (c *Client) handleEnvelope(ctx context.Context, env wire.Envelope) {
	switch env.Kind {
	case wire.KindColumnDataChange:
		c.applyInboundChange(ctx, env.ColumnDataChange)
	case wire.KindColumnReachabilityChange:
		crc := env.ColumnReachabilityChange
		if err := c.eng.RecordReachability(ctx, crc.NodeID, crc.Online); err != nil {
			applog.Warnf(applog.TagUpstream, "record reachability: %v", err)
		}
	case wire.KindNodeReachabilityChange:
		nrc := env.NodeReachabilityChange
		if err := c.eng.RecordReachability(ctx, nrc.NodeID, nrc.IsOnline); err != nil {
			applog.Warnf(applog.TagUpstream, "record reachability: %v", err)
		}
	case wire.KindNodeDates:
		c.onUpstreamNodeDates(ctx, env.NodeDates)
	case wire.KindPong:
		c.onPong(env.Pong)
	case wire.KindPing:
		c.replyPong(ctx, env.Ping)
	default:
		applog.Warnf(applog.TagUpstream, "unhandled message kind %q", env.Kind)
	}
}

func (c *Client) onUpstreamNodeDates(ctx context.Context, nd *wire.NodeDates) {
	c.mu.Lock()
	c.upstreamID = nd.ID
	wasSynchronized := c.state == StateSynchronized
	c.state = StateSynchronized
	c.awaitingPong = false
	c.mu.Unlock()
	if !wasSynchronized {
		applog.Infof(applog.TagUpstream, "synchronized with upstream %s", nd.ID)
		c.recordHandshakeComplete()
		if err := c.eng.RecordReachability(ctx, nd.ID, true); err != nil {
			applog.Warnf(applog.TagUpstream, "record reachability: %v", err)
		}
	}
}

func (c *Client) markHandshakeStart() {
	c.mu.Lock()
	c.handshakeAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordHandshakeComplete() {
	c.mu.Lock()
	m, start := c.metrics, c.handshakeAt
	c.mu.Unlock()
	if m == nil || start.IsZero() {
		return
	}
	m.Collector.RecordHandshake(time.Since(start).Milliseconds())
}

func (c *Client) recordReconnect() {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.Collector.RecordReconnect()
	}
}

func (c *Client) onPong(pong *wire.Pong) {
	if pong == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pong.Ping.Request != c.lastPingSeq {
		return
	}
	c.awaitingPong = false
	if c.metrics != nil && !c.pingSentAt.IsZero() {
		c.metrics.RTT.Push(float64(time.Since(c.pingSentAt).Milliseconds()))
	}
}

func (c *Client) replyPong(ctx context.Context, ping *wire.Ping) {
	if ping == nil {
		return
	}
	node := c.eng.Snapshot()
	resp := wire.Envelope{Kind: wire.KindPong, Pong: &wire.Pong{
		Ping:       *ping,
		ServerDate: node.Clock.NowMillis(),
	}}
	if err := c.writeEnvelope(ctx, resp); err != nil {
		applog.Warnf(applog.TagUpstream, "reply pong: %v", err)
	}
}

func (c *Client) applyInboundChange(ctx context.Context, cdc *wire.ColumnDataChange) {
	if cdc == nil {
		return
	}
	node := c.eng.Snapshot()
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
	_, err := c.eng.ApplyChange(ctx, engine.ChangeRequest{
		SourceNodeID: c.upstreamIDLocked(),
		ColumnID:     cdc.ColumnID,
		Pairs:        pairs,
	})
	if err != nil {
		applog.Warnf(applog.TagUpstream, "apply inbound change: %v", err)
	}
}

// onLocalChange is the engine.ChangeListener: forward an accepted change to
// upstream unless it originated from upstream itself (avoid echo) and
// unless the column's send-visibility excludes upstream (spec.md §4.3:
// "Local CDC whose origin is self ... is filtered by upstream's
// send-visibility and forwarded upstream").
func (c *Client) onLocalChange(node *model.Node, req engine.ChangeRequest, outcome engine.ChangeOutcome) {
	if c.State() != StateSynchronized {
		return
	}
	upstreamID := c.upstreamIDLocked()
	if upstreamID == "" || req.SourceNodeID == upstreamID {
		return
	}
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
	filtered, ok := engine.FilterForSend(node, req.ColumnID, pairs, upstreamID, node.NodeList.Self.ID)
	if !ok || len(filtered) == 0 {
		return
	}
	cdc, err := wire.EncodeChange(req.ColumnID, req.SourceNodeID, cd.Date, filtered)
	if err != nil {
		applog.Warnf(applog.TagUpstream, "encode outbound change: %v", err)
		return
	}
	if err := c.writeEnvelope(context.Background(), wire.Envelope{Kind: wire.KindColumnDataChange, ColumnDataChange: cdc}); err != nil {
		applog.Warnf(applog.TagUpstream, "forward change: %v", err)
	}
}

func (c *Client) writeEnvelope(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("upstream: no active connection")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// disconnect tears down the current connection, optionally marking upstream
// offline, and arms Reconnecting.
func (c *Client) disconnect(ctx context.Context, markOffline bool) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	upstreamID := c.upstreamID
	c.state = StateReconnecting
	c.mu.Unlock()

	c.closeConn()

	if markOffline && upstreamID != "" {
		if err := c.eng.RecordReachability(ctx, upstreamID, false); err != nil {
			applog.Warnf(applog.TagUpstream, "record reachability: %v", err)
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// buildNodeDates classifies our own columns into readOnly/readWrite w.r.t.
// upstream (spec.md §4.3 step 1): a column is read-write if our
// ReceiveMatcher would admit a write claiming to originate from upstream —
// the local half of "both receiveMatchers match the other side" (we cannot
// observe upstream's matcher directly, so we derive our half of the
// symmetric check and let upstream derive its own; a column that is
// one-sided reduces to read-only, which only loses the per-row date
// granularity, never correctness of the eventual CDC exchange).
func buildNodeDates(node *model.Node) *wire.NodeDates {
	nd := &wire.NodeDates{
		ID:               node.NodeList.Self.ID,
		ReadOnlyColumns:  make(map[string]int64),
		ReadWriteColumns: make(map[string]map[string]int64),
	}
	upstreamID, _ := node.NodeList.UpstreamID()
	node.Schema.Columns.Columns.Range(func(colID string, col model.Column) bool {
		cd, ok := node.CDs[colID]
		if !ok {
			cd = model.NewColumnData(colID)
		}
		if columnIsReadWrite(node, col, upstreamID) {
			rows := make(map[string]int64, len(cd.Values))
			for rowID, v := range cd.Values {
				rows[rowID] = v.Date
			}
			nd.ReadWriteColumns[colID] = rows
		} else {
			nd.ReadOnlyColumns[colID] = cd.Date
		}
		return true
	})
	return nd
}

func columnIsReadWrite(node *model.Node, col model.Column, upstreamID string) bool {
	if upstreamID == "" {
		return false
	}
	matcher := col.ReceiveMatcher
	if matcher == nil {
		return false
	}
	resolvedOwner := col.ResolvedOwner(node.NodeList.Self.ID, node.UpstreamID)
	return matcher.Matches(node.MatchContext(upstreamID, resolvedOwner))
}
