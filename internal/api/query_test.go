package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/auth"
	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/export"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/query"
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/store"
)

type fakeStore struct {
	docs      int
	aggs      elastic.Aggregations
	searchErr error

	pageSize int
	served   int
	cursors  int
	cleared  []string
}

func (f *fakeStore) Search(_ context.Context, req *compiler.Request) (store.Response, error) {
	if f.searchErr != nil {
		return store.Response{}, f.searchErr
	}
	if req.Aggregating() {
		return store.Response{Aggregations: f.aggs, Total: int64(f.docs)}, nil
	}
	f.pageSize = req.Size
	f.served = 0
	resp := store.Response{Total: int64(f.docs), Hits: f.page()}
	if req.Scroll {
		f.cursors++
		resp.Cursor = "c" + strconv.Itoa(f.cursors)
	}
	return resp, nil
}

func (f *fakeStore) Scroll(_ context.Context, cursor, _ string) (store.Response, error) {
	hits := f.page()
	if len(hits) == 0 {
		return store.Response{}, nil
	}
	return store.Response{Hits: hits, Total: int64(f.docs), Cursor: cursor}, nil
}

func (f *fakeStore) ClearScroll(_ context.Context, cursor string) error {
	f.cleared = append(f.cleared, cursor)
	return nil
}

func (f *fakeStore) page() []*elastic.SearchHit {
	var hits []*elastic.SearchHit
	for len(hits) < f.pageSize && f.served < f.docs {
		f.served++
		hits = append(hits, &elastic.SearchHit{
			Id:     strconv.Itoa(f.served),
			Index:  "logs",
			Source: json.RawMessage(fmt.Sprintf(`{"n":%d,"host":"h%d"}`, f.served, f.served%2)),
		})
	}
	return hits
}

type fakeExporter struct {
	calls []string
	err   error
}

func (f *fakeExporter) Export(_ context.Context, queryID string, rs *resultset.ResultSet) (export.Result, error) {
	if f.err != nil {
		return export.Result{}, f.err
	}
	key := fmt.Sprintf("exports/%s/window-%d.parquet", queryID, rs.Offset())
	f.calls = append(f.calls, key)
	return export.Result{Key: key, Rows: int64(rs.Len()), Size: 128, URL: "https://objects.example.com/" + key}, nil
}

type testServer struct {
	handler  http.Handler
	store    *fakeStore
	sessions *Sessions
	exporter *fakeExporter
}

func newTestServer(t *testing.T, fs *fakeStore, env map[string]string) *testServer {
	t.Helper()
	cfg := loadConfig(t, env)
	sessions := &Sessions{
		NewState: func() *query.State {
			return &query.State{Store: fs, Config: query.Config{Compiler: compiler.Options{FetchSize: 2, ScrollTimeout: time.Minute}, SplitResults: true}}
		},
	}
	exporter := &fakeExporter{}
	deps := Dependencies{Sessions: sessions, Exporter: exporter}
	if env["ESSQL_AUTH_REQUIRED"] == "true" {
		validator, err := auth.NewStaticAPIKeyValidator("k1:alice:query_reader,k2:bob:query_reader")
		if err != nil {
			t.Fatalf("validator setup failed: %v", err)
		}
		deps.AuthMiddleware = auth.Middleware(nil, validator)
	}
	return &testServer{handler: NewHandler(cfg, deps), store: fs, sessions: sessions, exporter: exporter}
}

func (s *testServer) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeWindow(t *testing.T, rr *httptest.ResponseRecorder) windowResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var out windowResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	return out
}

const scanPlan = `{"plan":{"from":["logs"],"select":[{"field":"n"},{"field":"host"}]}}`

func TestQueryPagesThroughSession(t *testing.T) {
	srv := newTestServer(t, &fakeStore{docs: 5}, map[string]string{})

	first := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query", scanPlan, ""))
	if first.QueryID == "" || len(first.Rows) != 2 || first.Total != 5 || first.Offset != 0 || !first.HasMore {
		t.Fatalf("first window = %+v", first)
	}
	if len(first.Columns) != 2 || first.Columns[0].Label != "n" || first.Columns[1].Label != "host" {
		t.Fatalf("columns = %+v", first.Columns)
	}

	var offsets []int64
	rows := len(first.Rows)
	for i := 0; i < 5; i++ {
		page := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", "", ""))
		if len(page.Rows) == 0 {
			if page.HasMore {
				t.Fatal("empty page must not report has_more")
			}
			break
		}
		offsets = append(offsets, page.Offset)
		rows += len(page.Rows)
	}
	if rows != 5 || fmt.Sprint(offsets) != "[2 4]" {
		t.Fatalf("rows = %d, offsets = %v", rows, offsets)
	}
	if len(srv.store.cleared) != 1 {
		t.Fatalf("cleared = %v", srv.store.cleared)
	}

	closed := srv.do(t, http.MethodDelete, "/v1/query/"+first.QueryID, "", "")
	if closed.Code != http.StatusOK {
		t.Fatalf("close status = %d", closed.Code)
	}
	if srv.sessions.Len() != 0 {
		t.Fatalf("sessions = %d after close", srv.sessions.Len())
	}
	again := srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", "", "")
	if again.Code != http.StatusNotFound || errorCode(t, again) != "QUERY_NOT_FOUND" {
		t.Fatalf("more after close status = %d", again.Code)
	}
}

func TestQueryRowCapOverride(t *testing.T) {
	srv := newTestServer(t, &fakeStore{docs: 5}, map[string]string{})

	body := `{"plan":{"from":["logs"],"select":[{"field":"n"}]},"row_cap":1}`
	first := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query", body, ""))
	if len(first.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(first.Rows))
	}
	next := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", `{"row_cap":0}`, ""))
	if len(next.Rows) != 2 || next.Offset != 1 {
		t.Fatalf("next window = %+v", next)
	}
}

func TestQueryAggregationWithoutRows(t *testing.T) {
	fs := &fakeStore{aggs: elastic.Aggregations{"host": json.RawMessage(`{"buckets":[]}`)}}
	srv := newTestServer(t, fs, map[string]string{})

	body := `{"plan":{"from":["logs"],"select":[{"field":"host"}],"aggregations":[{"name":"host","kind":"terms","field":"host"}]}}`
	out := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query", body, ""))
	if len(out.Rows) != 0 || out.HasMore {
		t.Fatalf("window = %+v", out)
	}
	if len(out.Columns) != 1 || out.Columns[0].Label != "host" {
		t.Fatalf("columns = %+v", out.Columns)
	}
}

func TestQueryErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		store  *fakeStore
		body   string
		status int
		code   string
	}{
		{"malformed body", &fakeStore{}, `{"plan":`, http.StatusBadRequest, "INVALID_JSON"},
		{"missing plan", &fakeStore{}, `{"indices":["logs"]}`, http.StatusBadRequest, "PLAN_REQUIRED"},
		{"negative row cap", &fakeStore{}, `{"plan":{"from":["logs"]},"row_cap":-1}`, http.StatusBadRequest, "INVALID_ROW_CAP"},
		{"compile", &fakeStore{}, `{"plan":{"from":[]}}`, http.StatusBadRequest, "QUERY_COMPILE_FAILED"},
		{"execution", &fakeStore{searchErr: qerr.Execution("search", errors.New("connection refused"))}, scanPlan, http.StatusBadGateway, "STORE_ERROR"},
		{"timeout", &fakeStore{searchErr: qerr.Execution("search", context.DeadlineExceeded)}, scanPlan, http.StatusGatewayTimeout, "QUERY_TIMEOUT"},
		{"reconstruction", &fakeStore{searchErr: qerr.Reconstruction("agg", "unexpected bucket")}, scanPlan, http.StatusUnprocessableEntity, "QUERY_RECONSTRUCTION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, tc.store, map[string]string{})
			rr := srv.do(t, http.MethodPost, "/v1/query", tc.body, "")
			if rr.Code != tc.status || errorCode(t, rr) != tc.code {
				t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
			}
			if srv.sessions.Len() != 0 {
				t.Fatalf("failed query left %d sessions open", srv.sessions.Len())
			}
		})
	}
}

func TestQueryExport(t *testing.T) {
	srv := newTestServer(t, &fakeStore{docs: 3}, map[string]string{})

	body := `{"plan":{"from":["logs"],"select":[{"field":"n"}]},"export":true}`
	first := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query", body, ""))
	if first.Export == nil || first.Export.Key != "exports/"+first.QueryID+"/window-0.parquet" || first.Export.Rows != 2 {
		t.Fatalf("export = %+v", first.Export)
	}
	next := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", `{"export":true}`, ""))
	if next.Export == nil || !strings.HasSuffix(next.Export.Key, "window-2.parquet") {
		t.Fatalf("export = %+v", next.Export)
	}

	srv.exporter.err = errors.New("bucket gone")
	rr := srv.do(t, http.MethodPost, "/v1/query", body, "")
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "EXPORT_FAILED" {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestQueryExportNotConfigured(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	sessions := &Sessions{NewState: func() *query.State { return &query.State{Store: &fakeStore{}} }}
	h := NewHandler(cfg, Dependencies{Sessions: sessions})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"plan":{"from":["logs"]},"export":true}`)))
	if rr.Code != http.StatusNotImplemented || errorCode(t, rr) != "EXPORT_NOT_CONFIGURED" {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionsAreBoundToSubject(t *testing.T) {
	srv := newTestServer(t, &fakeStore{docs: 5}, map[string]string{"ESSQL_AUTH_REQUIRED": "true"})

	first := decodeWindow(t, srv.do(t, http.MethodPost, "/v1/query", scanPlan, "k1"))

	stolen := srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", "", "k2")
	if stolen.Code != http.StatusForbidden {
		t.Fatalf("other subject status = %d", stolen.Code)
	}
	if closed := srv.do(t, http.MethodDelete, "/v1/query/"+first.QueryID, "", "k2"); closed.Code != http.StatusForbidden {
		t.Fatalf("other subject close status = %d", closed.Code)
	}
	if own := srv.do(t, http.MethodPost, "/v1/query/"+first.QueryID+"/more", "", "k1"); own.Code != http.StatusOK {
		t.Fatalf("owner status = %d", own.Code)
	}
}

func TestExplainDoesNotOpenSession(t *testing.T) {
	srv := newTestServer(t, &fakeStore{docs: 5}, map[string]string{})

	rr := srv.do(t, http.MethodPost, "/v1/query/explain", `{"plan":{"from":["logs"],"select":[{"field":"n"}],"limit":1}}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var explanation compiler.Explanation
	if err := json.Unmarshal(rr.Body.Bytes(), &explanation); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(explanation.Indices) != 1 || explanation.Indices[0] != "logs" || explanation.Scroll {
		t.Fatalf("explanation = %+v", explanation)
	}
	if srv.sessions.Len() != 0 {
		t.Fatalf("sessions = %d", srv.sessions.Len())
	}

	bad := srv.do(t, http.MethodPost, "/v1/query/explain", `{"plan":{"from":[]}}`, "")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad plan status = %d", bad.Code)
	}
}
