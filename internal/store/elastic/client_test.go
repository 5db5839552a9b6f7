package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/schema"
)

type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	cleared  []string
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodDelete && strings.TrimSuffix(r.URL.Path, "/") == "/_search/scroll":
		var req struct {
			ScrollID []string `json:"scroll_id"`
		}
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		f.cleared = append(f.cleared, req.ScrollID...)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"succeeded":true,"num_freed":1}`)
	case r.URL.Path == "/_search/scroll":
		if strings.Contains(string(body), `"c2"`) {
			_, _ = io.WriteString(w, `{"_scroll_id":"c2","hits":{"total":{"value":3,"relation":"eq"},"hits":[]}}`)
			return
		}
		_, _ = io.WriteString(w, `{"_scroll_id":"c2","hits":{"total":{"value":3,"relation":"eq"},"hits":[{"_index":"logs","_id":"3","_source":{"n":3}}]}}`)
	case r.URL.Path == "/logs/_search":
		if r.URL.Query().Get("scroll") != "" {
			_, _ = io.WriteString(w, `{"_scroll_id":"c1","hits":{"total":{"value":3,"relation":"eq"},"hits":[{"_index":"logs","_id":"1","_source":{"n":1}},{"_index":"logs","_id":"2","_source":{"n":2}}]}}`)
			return
		}
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":7,"relation":"eq"},"hits":[]},"aggregations":{"host":{"buckets":[{"key":"a","doc_count":7}]}}}`)
	case r.URL.Path == "/missing/_search":
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index [missing]"},"status":404}`)
	case r.URL.Path == "/logs/_mapping":
		_, _ = io.WriteString(w, `{"logs":{"mappings":{"properties":{"host":{"type":"keyword"},"bytes":{"type":"long"},"geo":{"properties":{"city":{"type":"text"}}},"tags":{"type":"nested","properties":{"name":{"type":"keyword"}}}}}}}`)
	case r.URL.Path == "/nothing/_mapping":
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index [nothing]"},"status":404}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{}`)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeCluster) {
	t.Helper()
	cluster := &fakeCluster{}
	server := httptest.NewServer(cluster)
	t.Cleanup(server.Close)

	client, err := New(Config{URLs: []string{server.URL}, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, cluster
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{URLs: []string{" "}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestScrollLifecycle(t *testing.T) {
	client, cluster := newTestClient(t)
	ctx := context.Background()
	req := &compiler.Request{
		Indices:         []string{"logs"},
		Source:          elastic.NewSearchSource().Query(elastic.NewMatchAllQuery()).Size(2),
		Scroll:          true,
		ScrollKeepAlive: "60000ms",
	}

	first, err := client.Search(ctx, req)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if first.Cursor != "c1" || first.Total != 3 || len(first.Hits) != 2 {
		t.Fatalf("first page = %+v", first)
	}

	second, err := client.Scroll(ctx, first.Cursor, req.ScrollKeepAlive)
	if err != nil {
		t.Fatalf("Scroll() error = %v", err)
	}
	if second.Cursor != "c2" || len(second.Hits) != 1 || second.Hits[0].Id != "3" {
		t.Fatalf("second page = %+v", second)
	}

	last, err := client.Scroll(ctx, second.Cursor, req.ScrollKeepAlive)
	if err != nil {
		t.Fatalf("Scroll() exhausted error = %v", err)
	}
	if len(last.Hits) != 0 {
		t.Fatalf("exhausted page hits = %d", len(last.Hits))
	}

	if err := client.ClearScroll(ctx, "c2"); err != nil {
		t.Fatalf("ClearScroll() error = %v", err)
	}
	if len(cluster.cleared) != 1 || cluster.cleared[0] != "c2" {
		t.Fatalf("cleared = %v, requests = %v", cluster.cleared, cluster.requests)
	}
	if err := client.ClearScroll(ctx, ""); err != nil {
		t.Fatalf("ClearScroll(empty) error = %v", err)
	}
}

func TestSearchReturnsAggregations(t *testing.T) {
	client, _ := newTestClient(t)
	req := &compiler.Request{
		Indices: []string{"logs"},
		Source:  elastic.NewSearchSource().Size(0).Aggregation("host", elastic.NewTermsAggregation().Field("host")),
		Mode:    compiler.ModeAggregation,
	}
	resp, err := client.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 7 || resp.Cursor != "" {
		t.Fatalf("response = %+v", resp)
	}
	terms, ok := resp.Aggregations.Terms("host")
	if !ok || len(terms.Buckets) != 1 || terms.Buckets[0].DocCount != 7 {
		t.Fatalf("terms = %+v", terms)
	}
}

func TestSearchErrorsAreExecutionErrors(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Search(context.Background(), &compiler.Request{
		Indices: []string{"missing"},
		Source:  elastic.NewSearchSource(),
	})
	if !qerr.IsKind(err, qerr.KindExecution) {
		t.Fatalf("Search() error = %v, want execution error", err)
	}
	if _, err := client.Search(context.Background(), &compiler.Request{}); err != qerr.ErrNotBuilt {
		t.Fatalf("Search(unbuilt) error = %v", err)
	}
}

func TestFieldTypesFromMapping(t *testing.T) {
	client, cluster := newTestClient(t)
	types, err := client.FieldTypes(context.Background(), "logs")
	if err != nil {
		t.Fatalf("FieldTypes() error = %v", err)
	}
	want := map[string]schema.Type{
		"host":      schema.TypeVarchar,
		"bytes":     schema.TypeBigint,
		"geo":       schema.TypeObject,
		"geo.city":  schema.TypeVarchar,
		"tags":      schema.TypeObject,
		"tags.name": schema.TypeVarchar,
	}
	for path, typ := range want {
		if types[path] != typ {
			t.Fatalf("type of %q = %q, want %q", path, types[path], typ)
		}
	}

	if got := cluster.requests[len(cluster.requests)-1]; got != "GET /logs/_mapping?" {
		t.Fatalf("mapping request = %q, want typeless endpoint", got)
	}

	if _, err := client.FieldTypes(context.Background(), "nothing"); err != catalog.ErrNotFound {
		t.Fatalf("FieldTypes(nothing) error = %v, want ErrNotFound", err)
	}
}
