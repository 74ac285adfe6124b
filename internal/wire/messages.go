// Package wire defines the JSON-over-WebSocket message types exchanged
// between SHARE nodes (spec.md §6): every message is a single-key object
// naming its type, decoded into an Envelope and dispatched by tag.
package wire

import (
	"encoding/json"
	"fmt"
)

// CellWire is one row's value within a ColumnDataChange's changedValues map
// (spec.md §6: "value may be a number, boolean, string, or array of numbers
// depending on the row's cellType. Per-pair date omitted ⇒ inherits the
// change's date.").
type CellWire struct {
	Value json.RawMessage `json:"value"`
	Date  *int64          `json:"date,omitempty"`
}

// ColumnDataChange is the CDC message (spec.md §6).
type ColumnDataChange struct {
	ColumnID      string              `json:"columnId"`
	ChangeNodeID  string              `json:"changeNodeId"`
	Date          int64               `json:"date"`
	ChangedValues map[string]CellWire `json:"changedValues"`
}

// NodeDates is the handshake message (spec.md §4.3, §6).
type NodeDates struct {
	ID               string                     `json:"id"`
	ReadOnlyColumns  map[string]int64           `json:"readOnlyColumns,omitempty"`
	ReadWriteColumns map[string]map[string]int64 `json:"readWriteColumns,omitempty"`
}

// ColumnReachabilityChange reports which columns owned by a node became
// on/offline (spec.md §6).
type ColumnReachabilityChange struct {
	NodeID  string   `json:"nodeId"`
	Date    int64    `json:"date"`
	Online  bool     `json:"online"`
	Columns []string `json:"columns"`
}

// OnlineColumns lists currently-online columns owned by nodeId (spec.md §6).
// It is encoded and decoded here, but nothing in this module sends it: the
// downstream handshake reports online nodes with ColumnReachabilityChange.
type OnlineColumns struct {
	NodeID  string   `json:"nodeId"`
	Date    int64    `json:"date"`
	Columns []string `json:"columns"`
}

// NodeReachabilityChange reports a single node becoming reachable or not
// (spec.md §6).
type NodeReachabilityChange struct {
	NodeID   string `json:"nodeId"`
	Date     int64  `json:"date"`
	IsOnline bool   `json:"isOnline"`
}

// Ping is the liveness probe sent every tick interval (spec.md §4.3).
type Ping struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Request  int64  `json:"request"`
	Date     int64  `json:"date"`
}

// Pong echoes the originating Ping plus the responder's wall-clock date
// (spec.md §6: "pong containing the full ping plus a server date").
type Pong struct {
	Ping       Ping  `json:"ping"`
	ServerDate int64 `json:"serverDate"`
}

// ConstraintChange reports constraints that newly violate or newly resolve,
// for user-facing frontends (spec.md §6).
type ConstraintChange struct {
	Added    []string `json:"added"`
	Resolved []string `json:"resolved"`
}

// Envelope is the single-key tagged union every wire message round-trips
// through. Exactly one field is set on encode; decode populates Kind and
// the matching field, erroring (spec.md §7 "malformed message") if zero or
// more than one key is present.
type Envelope struct {
	Kind Kind

	ColumnDataChange         *ColumnDataChange
	NodeDates                *NodeDates
	ColumnReachabilityChange *ColumnReachabilityChange
	OnlineColumns            *OnlineColumns
	NodeReachabilityChange   *NodeReachabilityChange
	Ping                     *Ping
	Pong                     *Pong
	ConstraintChange         *ConstraintChange
}

// Kind names which payload an Envelope carries.
type Kind string

const (
	KindColumnDataChange         Kind = "columnDataChange"
	KindNodeDates                Kind = "nodeDates"
	KindColumnReachabilityChange Kind = "columnReachabilityChange"
	KindOnlineColumns            Kind = "onlineColumns"
	KindNodeReachabilityChange   Kind = "nodeReachabilityChange"
	KindPing                     Kind = "ping"
	KindPong                     Kind = "pong"
	KindConstraintChange         Kind = "constraintChange"
)

// MarshalJSON emits the single-key object matching e.Kind.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	switch e.Kind {
	case KindColumnDataChange:
		m[string(KindColumnDataChange)] = e.ColumnDataChange
	case KindNodeDates:
		m[string(KindNodeDates)] = e.NodeDates
	case KindColumnReachabilityChange:
		m[string(KindColumnReachabilityChange)] = e.ColumnReachabilityChange
	case KindOnlineColumns:
		m[string(KindOnlineColumns)] = e.OnlineColumns
	case KindNodeReachabilityChange:
		m[string(KindNodeReachabilityChange)] = e.NodeReachabilityChange
	case KindPing:
		m[string(KindPing)] = e.Ping
	case KindPong:
		m[string(KindPong)] = e.Pong
	case KindConstraintChange:
		m[string(KindConstraintChange)] = e.ConstraintChange
	default:
		return nil, fmt.Errorf("wire: envelope has no recognized kind set")
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a single-key object into the matching field,
// rejecting anything else as malformed (spec.md §7).
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("wire: malformed message: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("wire: malformed message: expected exactly one key, got %d", len(raw))
	}
	for key, payload := range raw {
		switch Kind(key) {
		case KindColumnDataChange:
			e.ColumnDataChange = new(ColumnDataChange)
			e.Kind = KindColumnDataChange
			return unmarshalField(payload, e.ColumnDataChange)
		case KindNodeDates:
			e.NodeDates = new(NodeDates)
			e.Kind = KindNodeDates
			return unmarshalField(payload, e.NodeDates)
		case KindColumnReachabilityChange:
			e.ColumnReachabilityChange = new(ColumnReachabilityChange)
			e.Kind = KindColumnReachabilityChange
			return unmarshalField(payload, e.ColumnReachabilityChange)
		case KindOnlineColumns:
			e.OnlineColumns = new(OnlineColumns)
			e.Kind = KindOnlineColumns
			return unmarshalField(payload, e.OnlineColumns)
		case KindNodeReachabilityChange:
			e.NodeReachabilityChange = new(NodeReachabilityChange)
			e.Kind = KindNodeReachabilityChange
			return unmarshalField(payload, e.NodeReachabilityChange)
		case KindPing:
			e.Ping = new(Ping)
			e.Kind = KindPing
			return unmarshalField(payload, e.Ping)
		case KindPong:
			e.Pong = new(Pong)
			e.Kind = KindPong
			return unmarshalField(payload, e.Pong)
		case KindConstraintChange:
			e.ConstraintChange = new(ConstraintChange)
			e.Kind = KindConstraintChange
			return unmarshalField(payload, e.ConstraintChange)
		default:
			return fmt.Errorf("wire: malformed message: unrecognized message type %q", key)
		}
	}
	return nil
}

func unmarshalField(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("wire: malformed message: %w", err)
	}
	return nil
}
