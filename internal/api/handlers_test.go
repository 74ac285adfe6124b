package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/race-share/share/internal/clock"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/matcher"
	"github.com/race-share/share/internal/metrics"
	"github.com/race-share/share/internal/model"
)

func buildTestEngine(t *testing.T) (*engine.UpdateEngine, context.CancelFunc) {
	t.Helper()
	cols := model.NewColumnList("cols", 1)
	cols.Columns.Set("c1", model.Column{ID: "c1", OwnerID: "self", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	schema := model.NewSchema(cols)
	rows := model.NewRowList("rows-c1", 1)
	rows.Rows.Set("r1", model.Row{ID: "r1", CellType: model.TypeLong, OwnerID: "self", SendMatcher: matcher.All, ReceiveMatcher: matcher.All})
	schema.RowLists["c1"] = rows

	nl := model.NewNodeList("self", 1, model.NodeInfo{ID: "self"})
	nl.Peers.Set("peer", model.NodeInfo{ID: "peer"})
	node := model.NewNode(nl, schema, clock.NewSim(1000))
	eng := engine.New(node, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	return eng, cancel
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HandleHealthz()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s, want status ok", rec.Body.String())
	}
}

func TestHandleNodeReportsSelfID(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/node", nil)
	rec := httptest.NewRecorder()
	HandleNode(eng)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp nodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SelfID != "self" {
		t.Fatalf("self_id = %q, want %q", resp.SelfID, "self")
	}
}

func TestHandleColumnUnknownReturnsNotFound(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("GET /v1/columns/{id}", HandleColumn(eng))

	req := httptest.NewRequest(http.MethodGet, "/v1/columns/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleColumnKnownReturnsValues(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()

	ctx := context.Background()
	if _, err := eng.ApplyChange(ctx, engine.ChangeRequest{
		SourceNodeID: "self",
		ColumnID:     "c1",
		Pairs:        []model.CellPair{{RowID: "r1", Value: model.LongValue(42, 1000)}},
	}); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /v1/columns/{id}", HandleColumn(eng))

	req := httptest.NewRequest(http.MethodGet, "/v1/columns/c1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp columnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ColumnID != "c1" {
		t.Fatalf("column_id = %q, want c1", resp.ColumnID)
	}
}

func TestHandleSimCutAndRestore(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()

	body := strings.NewReader(`{"node_id":"peer"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sim/cut", body)
	rec := httptest.NewRecorder()
	HandleSimCut(eng)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cut status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if online := eng.Snapshot().OnlineNodes["peer"]; online {
		t.Fatal("peer should be offline after sim/cut")
	}

	body = strings.NewReader(`{"node_id":"peer"}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/sim/restore", body)
	rec = httptest.NewRecorder()
	HandleSimRestore(eng)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if online := eng.Snapshot().OnlineNodes["peer"]; !online {
		t.Fatal("peer should be online after sim/restore")
	}
}

func TestHandleSimCutRequiresNodeID(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/sim/cut", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	HandleSimCut(eng)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleMetricsReturnsSnapshot(t *testing.T) {
	m := metrics.NewManager()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rec := httptest.NewRecorder()
	HandleMetrics(m)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerRoutesRequireAuth(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()
	m := metrics.NewManager()

	srv := NewServer(0, "secret-token", eng, m, 1<<20, true)

	req := httptest.NewRequest(http.MethodGet, "/v1/node", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/node", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid token", rec.Code)
	}
}

func TestServerHidesSimRoutesWhenSimModeDisabled(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()
	m := metrics.NewManager()

	srv := NewServer(0, "secret-token", eng, m, 1<<20, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/sim/cut", strings.NewReader(`{"node_id":"peer"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when sim-mode disabled", rec.Code)
	}
}

func TestServerHealthzNeedsNoAuth(t *testing.T) {
	eng, cancel := buildTestEngine(t)
	defer cancel()
	m := metrics.NewManager()

	srv := NewServer(0, "secret-token", eng, m, 1<<20, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
