// Package metrics collects counters and samples for one SHARE node: CDC
// cells accepted/rejected by reason, handshake duration, ping RTT,
// constraint violation count, and reconnect count (SPEC_FULL.md §5
// "Metrics"). It is ambient observability wired into internal/engine,
// internal/upstream, and internal/downstream, not a domain feature in its
// own right — grounded on the teacher's internal/metrics Collector (atomic
// counters behind a small accessor API) and RealtimeRing (fixed-size,
// chronologically-ordered sample buffer), pared down from the teacher's
// byte-throughput/lease/platform-scoped counters to the handful of signals
// SHARE itself produces.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/race-share/share/internal/engine"
)

// Collector holds atomic counters safe for concurrent increment from the
// engine goroutine's listeners, the upstream client, and the downstream
// server simultaneously.
type Collector struct {
	cdcByReason [reasonCount]atomic.Int64

	handshakeCount       atomic.Int64
	handshakeDurationSum atomic.Int64 // milliseconds

	reconnectCount atomic.Int64

	mu                  sync.Mutex
	constraintViolations int
}

const reasonCount = int(engine.FilterRejected) + 1

// NewCollector constructs an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordCDC tallies one applied-change outcome by incrementing a counter
// per cell for its admission Reason (spec.md §7 error handling table).
func (c *Collector) RecordCDC(outcome engine.ChangeOutcome) {
	for _, cell := range outcome.Cells {
		if int(cell.Reason) < len(c.cdcByReason) {
			c.cdcByReason[cell.Reason].Add(1)
		}
	}
}

// RecordHandshake tallies one completed upstream/downstream handshake and
// its wall-clock duration in milliseconds.
func (c *Collector) RecordHandshake(durationMs int64) {
	c.handshakeCount.Add(1)
	c.handshakeDurationSum.Add(durationMs)
}

// RecordReconnect tallies one upstream reconnect attempt (spec.md §4.3
// Reconnecting state entry).
func (c *Collector) RecordReconnect() {
	c.reconnectCount.Add(1)
}

// SetConstraintViolations overwrites the current violated-constraint count,
// read straight off model.Node.ViolatedConstraints after each ApplyChange
// (it is a gauge, not a counter: violations can clear as well as accrue).
func (c *Collector) SetConstraintViolations(n int) {
	c.mu.Lock()
	c.constraintViolations = n
	c.mu.Unlock()
}

// Snapshot is a point-in-time read of every counter/gauge, suitable for
// JSON encoding by internal/api's metrics endpoint.
type Snapshot struct {
	CDCByReason          map[string]int64 `json:"cdc_by_reason"`
	HandshakeCount        int64           `json:"handshake_count"`
	HandshakeAvgMs        float64         `json:"handshake_avg_ms"`
	ReconnectCount        int64           `json:"reconnect_count"`
	ConstraintViolations  int             `json:"constraint_violations"`
	PingRTTP50Ms          float64         `json:"ping_rtt_p50_ms"`
	PingRTTP99Ms          float64         `json:"ping_rtt_p99_ms"`
}

// Snapshot reads every counter/gauge. rtt may be nil if no pings have been
// recorded yet.
func (c *Collector) Snapshot(rtt *RTTRing) Snapshot {
	byReason := make(map[string]int64, reasonCount)
	for r := 0; r < reasonCount; r++ {
		if n := c.cdcByReason[r].Load(); n != 0 {
			byReason[engine.Reason(r).String()] = n
		}
	}

	hCount := c.handshakeCount.Load()
	var avg float64
	if hCount > 0 {
		avg = float64(c.handshakeDurationSum.Load()) / float64(hCount)
	}

	c.mu.Lock()
	violations := c.constraintViolations
	c.mu.Unlock()

	snap := Snapshot{
		CDCByReason:         byReason,
		HandshakeCount:      hCount,
		HandshakeAvgMs:      avg,
		ReconnectCount:       c.reconnectCount.Load(),
		ConstraintViolations: violations,
	}
	if rtt != nil {
		snap.PingRTTP50Ms, snap.PingRTTP99Ms = rtt.Percentiles()
	}
	return snap
}
