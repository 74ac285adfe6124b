package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/metrics"
)

// HandleHealthz returns a handler for GET /healthz. No authentication
// required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type nodeResponse struct {
	SelfID              string          `json:"self_id"`
	OnlineNodes         []string        `json:"online_nodes"`
	ViolatedConstraints []string        `json:"violated_constraints"`
}

// HandleNode returns a handler for GET /v1/node: the self id, the set of
// currently-reachable node ids, and which constraints are violated right
// now (SPEC_FULL.md §5 UserFrontend read API).
func HandleNode(eng *engine.UpdateEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node := eng.Snapshot()
		resp := nodeResponse{SelfID: node.NodeList.Self.ID}
		for id, online := range node.OnlineNodes {
			if online {
				resp.OnlineNodes = append(resp.OnlineNodes, id)
			}
		}
		for key, violated := range node.ViolatedConstraints {
			if violated {
				resp.ViolatedConstraints = append(resp.ViolatedConstraints, key)
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

type columnResponse struct {
	ColumnID string           `json:"column_id"`
	Date     int64            `json:"date"`
	Values   map[string]any   `json:"values"`
}

// HandleColumn returns a handler for GET /v1/columns/{id}: the current
// ColumnData for one column.
func HandleColumn(eng *engine.UpdateEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		colID := PathParam(r, "id")
		node := eng.Snapshot()
		cd, ok := node.CDs[colID]
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown column")
			return
		}
		values := make(map[string]any, len(cd.Values))
		for rowID, v := range cd.Values {
			values[rowID] = v
		}
		WriteJSON(w, http.StatusOK, columnResponse{ColumnID: cd.ColumnID, Date: cd.Date, Values: values})
	}
}

// HandleConstraints returns a handler for GET /v1/constraints: every
// constraint cell's current satisfied/violated state, not just the
// violated ones, so a caller can distinguish "satisfied" from "never
// evaluated".
func HandleConstraints(eng *engine.UpdateEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node := eng.Snapshot()
		WriteJSON(w, http.StatusOK, node.ViolatedConstraints)
	}
}

// HandleReachability returns a handler for GET /v1/reachability: the full
// online/offline map this node currently believes, keyed by node id.
func HandleReachability(eng *engine.UpdateEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node := eng.Snapshot()
		WriteJSON(w, http.StatusOK, node.OnlineNodes)
	}
}

// HandleMetrics returns a handler for GET /v1/metrics: the node's counters
// and gauges (SPEC_FULL.md §5 Metrics).
func HandleMetrics(m *metrics.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, m.Snapshot())
	}
}

type simTarget struct {
	NodeID string `json:"node_id"`
}

// HandleSimCut returns a handler for POST /v1/sim/cut: marks nodeId
// unreachable, simulating a dropped link (spec.md §6 sim-mode "cut"
// control message). Only registered when RuntimeConfig.SimMode is enabled.
func HandleSimCut(eng *engine.UpdateEngine) http.HandlerFunc {
	return handleSimToggle(eng, false)
}

// HandleSimRestore returns a handler for POST /v1/sim/restore: the inverse
// of HandleSimCut (spec.md §6 sim-mode "restore").
func HandleSimRestore(eng *engine.UpdateEngine) http.HandlerFunc {
	return handleSimToggle(eng, true)
}

func handleSimToggle(eng *engine.UpdateEngine, online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body simTarget
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if body.NodeID == "" {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "node_id is required")
			return
		}
		if err := eng.RecordReachability(r.Context(), body.NodeID, online); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"online": online})
	}
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
}

// --- Body decoding (grounded on the teacher's api_helpers.go DecodeBody) ---

// DecodeBody decodes the JSON request body into v, rejecting unknown fields
// and anything beyond a single JSON value.
func DecodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// PathParam extracts a named path parameter (Go 1.22+ ServeMux patterns).
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
