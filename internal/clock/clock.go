// Package clock provides the wall/sim clock abstraction Node carries so
// ping/tick/handshake logic can be driven deterministically in tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time as epoch milliseconds. All SHARE timestamps
// (CellValue.Date, ColumnData.Date, wire message dates) are epoch
// milliseconds on this clock, not necessarily time.Now().
type Clock interface {
	NowMillis() int64
}

// Wall is a Clock backed by the system wall clock.
type Wall struct{}

// NowMillis returns time.Now() as epoch milliseconds.
func (Wall) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Sim is a Clock a test can advance explicitly, with no wall-clock coupling.
// Zero value starts at millis 0.
type Sim struct {
	millis atomic.Int64
}

// NewSim creates a Sim clock starting at the given epoch milliseconds.
func NewSim(startMillis int64) *Sim {
	s := &Sim{}
	s.millis.Store(startMillis)
	return s
}

// NowMillis returns the current simulated time.
func (s *Sim) NowMillis() int64 {
	return s.millis.Load()
}

// Advance moves the simulated clock forward by delta milliseconds and
// returns the new value. delta must be >= 0.
func (s *Sim) Advance(delta int64) int64 {
	return s.millis.Add(delta)
}

// Set pins the simulated clock to an explicit value.
func (s *Sim) Set(millis int64) {
	s.millis.Store(millis)
}
