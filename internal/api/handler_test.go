package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/essql/essql/internal/auth"
	"github.com/essql/essql/internal/config"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"service":"essql-api"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace id header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	h := NewHandler(cfg, Dependencies{
		Readiness: CheckStore(pingerFunc(func(context.Context) error { return errors.New("cluster down") })),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if errorCode(t, rr) != "NOT_READY" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	h := NewHandler(cfg, Dependencies{})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "essql_http_requests_total") {
		t.Fatal("expected http request counter in metrics output")
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ESSQL_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:analyst:query_reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Catalog:        newMemoryCatalog(),
	})

	unauth := httptest.NewRecorder()
	h.ServeHTTP(unauth, httptest.NewRequest(http.MethodGet, "/v1/catalog", nil))
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauth.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/catalog", nil)
	req.Header.Set("X-API-Key", "k1")
	authed := httptest.NewRecorder()
	h.ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("auth status = %d, body=%s", authed.Code, authed.Body.String())
	}
}

func TestAuthRequiredWithoutMiddleware(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ESSQL_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{}`)))
	if rr.Code != http.StatusInternalServerError || errorCode(t, rr) != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	if err := combined(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckStoreWithoutStore(t *testing.T) {
	if err := CheckStore(nil)(context.Background()); err == nil {
		t.Fatal("expected error without store")
	}
	if CheckCatalog(nil) != nil {
		t.Fatal("CheckCatalog(nil) should be skipped")
	}
	repo := newMemoryCatalog()
	repo.healthErr = errors.New("db down")
	if err := CheckCatalog(repo)(context.Background()); err == nil {
		t.Fatal("expected catalog health error")
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("essql-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	code, _ := body["error_code"].(string)
	return code
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
