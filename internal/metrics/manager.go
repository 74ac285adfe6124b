package metrics

import (
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/model"
)

// Manager is the per-node metrics coordinator: a Collector plus an RTT
// ring, with a Subscribe helper that wires it to an UpdateEngine the same
// way internal/store wires a snapshot cache to one.
type Manager struct {
	Collector *Collector
	RTT       *RTTRing
}

// NewManager constructs a Manager with a default-capacity RTT ring.
func NewManager() *Manager {
	return &Manager{Collector: NewCollector(), RTT: NewRTTRing(0)}
}

// Subscribe registers m as an engine.ChangeListener: every applied batch
// updates the CDC-by-reason counters and the constraint-violation gauge.
func (m *Manager) Subscribe(eng *engine.UpdateEngine) {
	eng.Subscribe(func(node *model.Node, _ engine.ChangeRequest, outcome engine.ChangeOutcome) {
		m.Collector.RecordCDC(outcome)
		violated := 0
		for _, isViolated := range node.ViolatedConstraints {
			if isViolated {
				violated++
			}
		}
		m.Collector.SetConstraintViolations(violated)
	})
}

// Snapshot reads every counter/gauge/percentile for the API's metrics
// endpoint.
func (m *Manager) Snapshot() Snapshot {
	return m.Collector.Snapshot(m.RTT)
}
