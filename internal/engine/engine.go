// Package engine implements the UpdateEngine (spec.md §4.1, §4.4): the sole
// mutator of a Node. It runs as a single goroutine processing one command at
// a time from an unbuffered channel, so concurrent writers never race on the
// same Node, and publishes each resulting Node wholesale via an
// atomic.Pointer for lock-free reads (design note §9; grounded on
// topology.GlobalNodePool's xsync.Compute atomic-update idiom and
// node.NodeEntry's copy-on-write publish pattern).
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/race-share/share/internal/formula"
	"github.com/race-share/share/internal/model"
)

// ChangeRequest is one CDC batch to admit against a single column
// (spec.md §6 columnDataChange message).
type ChangeRequest struct {
	SourceNodeID  string
	ColumnID      string
	Pairs         []model.CellPair
	PrioritizeOwn bool
}

type command struct {
	kind      cmdKind
	change    ChangeRequest
	nodeID    string
	online    bool
	replyCh   chan ChangeOutcome
	errCh     chan error
}

type cmdKind int

const (
	cmdApplyChange cmdKind = iota
	cmdRecordReachability
)

// ChangeListener is notified after a command has been applied and the new
// Node published. Called synchronously on the engine goroutine (same
// shape as the teacher's probe.ProbeConfig.OnProbeEvent callback) — a
// listener must not block or call back into the engine; it should hand the
// outcome off to its own channel or goroutine.
type ChangeListener func(node *model.Node, req ChangeRequest, outcome ChangeOutcome)

// ReachabilityListener is notified after RecordReachability flips a node's
// online/offline state, naming the columns owned by that node whose
// reachability therefore just transitioned (spec.md §4.1
// "emit a ColumnReachabilityChange naming the columns whose owners just
// transitioned"). Called synchronously on the engine goroutine under the
// same no-blocking rule as ChangeListener.
type ReachabilityListener func(node *model.Node, nodeID string, online bool, columns []string)

// UpdateEngine serializes every Node mutation through a single goroutine
// (Run) and publishes an immutable snapshot after each command.
type UpdateEngine struct {
	current atomic.Pointer[model.Node]
	graph   *formula.Graph
	selfID  string
	cmds    chan command

	listenersMu sync.Mutex
	listeners   []ChangeListener

	reachabilityMu        sync.Mutex
	reachabilityListeners []ReachabilityListener
}

// New constructs an UpdateEngine seeded with initial and driven by graph's
// compiled formulas. graph may be nil for a schema with no formula rows.
func New(initial *model.Node, graph *formula.Graph) *UpdateEngine {
	e := &UpdateEngine{
		graph:  graph,
		selfID: initial.NodeList.Self.ID,
		cmds:   make(chan command),
	}
	e.current.Store(initial)
	return e
}

// Snapshot returns the current Node. Safe for concurrent callers; never
// blocks on the command loop.
func (e *UpdateEngine) Snapshot() *model.Node {
	return e.current.Load()
}

// Subscribe registers fn to be called after every successfully applied
// change batch — UpstreamClient and DownstreamServer use this to learn
// about locally-originated and peer-originated CDCs they need to forward
// (spec.md §4.3, §4.5 outbound CDC propagation).
func (e *UpdateEngine) Subscribe(fn ChangeListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *UpdateEngine) notify(node *model.Node, req ChangeRequest, outcome ChangeOutcome) {
	e.listenersMu.Lock()
	listeners := append([]ChangeListener(nil), e.listeners...)
	e.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(node, req, outcome)
	}
}

// SubscribeReachability registers fn to be called whenever RecordReachability
// causes a column-ownership reachability transition — UpstreamClient and
// DownstreamServer use this to forward a ColumnReachabilityChange to their
// links (spec.md §4.1, §4.5 step 4, scenario 6).
func (e *UpdateEngine) SubscribeReachability(fn ReachabilityListener) {
	e.reachabilityMu.Lock()
	defer e.reachabilityMu.Unlock()
	e.reachabilityListeners = append(e.reachabilityListeners, fn)
}

func (e *UpdateEngine) notifyReachability(node *model.Node, nodeID string, online bool, columns []string) {
	e.reachabilityMu.Lock()
	listeners := append([]ReachabilityListener(nil), e.reachabilityListeners...)
	e.reachabilityMu.Unlock()
	for _, fn := range listeners {
		fn(node, nodeID, online, columns)
	}
}

// Run processes commands until ctx is canceled. It must be run in exactly
// one goroutine.
func (e *UpdateEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdApplyChange:
				cmd.replyCh <- e.applyChange(cmd.change)
			case cmdRecordReachability:
				cmd.errCh <- e.recordReachability(cmd.nodeID, cmd.online)
			}
		}
	}
}

// ApplyChange submits a CDC batch to the engine goroutine and blocks for its
// outcome. Safe for concurrent callers.
func (e *UpdateEngine) ApplyChange(ctx context.Context, req ChangeRequest) (ChangeOutcome, error) {
	reply := make(chan ChangeOutcome, 1)
	select {
	case e.cmds <- command{kind: cmdApplyChange, change: req, replyCh: reply}:
	case <-ctx.Done():
		return ChangeOutcome{}, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return ChangeOutcome{}, ctx.Err()
	}
}

// RecordReachability submits an online/offline observation for nodeID.
func (e *UpdateEngine) RecordReachability(ctx context.Context, nodeID string, online bool) error {
	errCh := make(chan error, 1)
	select {
	case e.cmds <- command{kind: cmdRecordReachability, nodeID: nodeID, online: online, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyChange runs on the engine goroutine only: admit the batch against
// the current Node, re-evaluate dependent formulas level by level, and
// publish the resulting Node.
func (e *UpdateEngine) applyChange(req ChangeRequest) ChangeOutcome {
	node := e.current.Load().Clone()

	col, ok := node.Column(req.ColumnID)
	if !ok {
		out := ChangeOutcome{ColumnID: req.ColumnID}
		for _, p := range req.Pairs {
			out.Cells = append(out.Cells, CellOutcome{RowID: p.RowID, Reason: UnknownColumn})
		}
		return out
	}

	cd, ok := node.CDs[req.ColumnID]
	if !ok {
		cd = model.NewColumnData(req.ColumnID)
	}

	out := ChangeOutcome{ColumnID: req.ColumnID}
	ctx := node.MatchContext(req.SourceNodeID, col.ResolvedOwner(e.selfID, node.UpstreamID))

	applied := false
	for _, p := range req.Pairs {
		reason := e.admitCell(node, &cd, col, ctx, p, req.PrioritizeOwn)
		out.Cells = append(out.Cells, CellOutcome{RowID: p.RowID, Reason: reason})
		if reason == Applied {
			applied = true
		}
	}
	node.CDs[req.ColumnID] = cd

	if applied && e.graph != nil {
		flips, derived := e.reevaluate(node, req.ColumnID)
		out.ConstraintFlips = flips
		out.DerivedUpdates = derived
	}

	e.current.Store(node)
	if out.AnyApplied() {
		e.notify(node, req, out)
	}
	return out
}

// admitCell checks the row's receive matcher and declared type before
// delegating to ColumnData.UpdateCv's date/priority merge rule
// (spec.md §4.1, §4.2).
func (e *UpdateEngine) admitCell(node *model.Node, cd *model.ColumnData, col model.Column, ctx model.MatchContext, p model.CellPair, prioritizeOwn bool) Reason {
	row, ok := node.Row(col.ID, p.RowID)
	if !ok {
		return UnknownRow
	}
	if p.Value.Type != row.CellType {
		return TypeMismatch
	}
	matcher := row.ReceiveMatcher
	if matcher == nil {
		matcher = col.ReceiveMatcher
	}
	if matcher != nil && !matcher.Matches(ctx) {
		return FilterRejected
	}
	switch cd.UpdateCv(p.RowID, p.Value, prioritizeOwn) {
	case model.CellApplied:
		return Applied
	case model.CellOutdated:
		return Outdated
	case model.CellSuppressedByPriority:
		return SuppressedByPriority
	default:
		return Applied
	}
}

// reevaluate walks graph's formula cells in level order, recomputing any
// whose dependencies include a cell touched by this batch (transitively,
// since a level-1 recompute can itself feed a level-2 formula —
// spec.md §4.4: "evaluate level by level"). It returns the constraint keys
// whose satisfied state flipped and the derived (non-constraint) keys that
// were recomputed.
func (e *UpdateEngine) reevaluate(node *model.Node, changedColumnID string) (flips []string, derived []string) {
	dirty := map[string]bool{}
	// Seed dirty with every formula cell that reads from changedColumnID;
	// later levels propagate transitively via the loop below since a
	// recomputed cell's own key is added to dirty.
	for _, key := range e.graph.OrderedKeys() {
		colID, rowID := splitCellKey(key)
		f, _ := e.graph.Formula(colID, rowID)
		for _, dep := range f.Dependencies() {
			if dep.ColumnID == changedColumnID || dirty[cellKey(dep.ColumnID, dep.RowID)] {
				dirty[key] = true
				break
			}
		}
	}

	for _, key := range e.graph.OrderedKeys() {
		if !dirty[key] {
			continue
		}
		colID, rowID := splitCellKey(key)
		f, ok := e.graph.Formula(colID, rowID)
		if !ok {
			continue
		}
		current, _ := node.CellValueAt(colID, rowID)
		evalCtx := &formula.EvalContext{
			ColumnID: colID,
			RowID:    rowID,
			Node:     node,
			Current:  current,
			EvalDate: node.CDs[changedColumnID].Date,
		}
		v, err := f.Eval(evalCtx)
		if err != nil {
			log.Printf("[engine] formula eval failed for %s: %v", key, err)
			continue
		}
		cd := node.CDs[colID]
		if cd.Values == nil {
			cd = model.NewColumnData(colID)
		}
		if v.Date == 0 {
			v.Date = evalCtx.EvalDate
		}

		if f.IsConstraint() {
			wasViolated := node.ViolatedConstraints[key]
			// A constraint formula's boolean result names the violating
			// condition directly (e.g. gt(/r3, 20) violates once r3 > 20),
			// so "violated" tracks the predicate's own truth value rather
			// than its negation.
			nowViolated, _ := v.AsBool()
			if wasViolated != nowViolated {
				flips = append(flips, key)
			}
			node.ViolatedConstraints[key] = nowViolated
		} else {
			derived = append(derived, key)
		}

		cd.Values[rowID] = v
		if v.Date > cd.Date {
			cd.Date = v.Date
		}
		node.CDs[colID] = cd
	}
	return flips, derived
}

// recordReachability marks nodeID online/offline (spec.md §6
// nodeReachabilityChange / onlineColumns) and, if nodeID owns any columns,
// emits a ColumnReachabilityChange naming them (spec.md §4.1, §82).
func (e *UpdateEngine) recordReachability(nodeID string, online bool) error {
	prev := e.current.Load()
	if !prev.NodeList.Known(nodeID) {
		return fmt.Errorf("engine: unknown node id %q", nodeID)
	}
	node := prev.Clone()
	if online {
		node.OnlineNodes[nodeID] = true
	} else {
		delete(node.OnlineNodes, nodeID)
	}
	e.current.Store(node)

	var columns []string
	node.Schema.Columns.Columns.Range(func(colID string, col model.Column) bool {
		if col.IsOwnedBy(nodeID, node.NodeList.Self.ID, node.UpstreamID) {
			columns = append(columns, colID)
		}
		return true
	})
	if len(columns) > 0 {
		e.notifyReachability(node, nodeID, online, columns)
	}
	return nil
}

func cellKey(columnID, rowID string) string { return columnID + "//" + rowID }

func splitCellKey(key string) (columnID, rowID string) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '/' && key[i+1] == '/' {
			return key[:i], key[i+2:]
		}
	}
	return key, ""
}
