// Package api serves queries over HTTP. Each query is a session holding one query.State.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/essql/essql/internal/auth"
	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/config"
	"github.com/essql/essql/internal/export"
	"github.com/essql/essql/internal/observability"
	"github.com/essql/essql/internal/resultset"
)

type ReadinessCheck func(ctx context.Context) error

type Exporter interface {
	Export(ctx context.Context, queryID string, rs *resultset.ResultSet) (export.Result, error)
}

// CacheInvalidator drops memoized field types after the catalog of an index changes.
type CacheInvalidator interface {
	Invalidate(index string)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          *Sessions
	Catalog           catalog.Repository
	CatalogCache      CacheInvalidator
	Exporter          Exporter
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	queries := &queryHandlers{cfg: cfg, deps: deps}
	catalogs := &catalogHandlers{deps: deps}

	protected := http.NewServeMux()
	protected.Handle("POST /v1/query", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(queries.open)))
	protected.Handle("POST /v1/query/explain", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(queries.explain)))
	protected.Handle("POST /v1/query/{id}/more", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(queries.more)))
	protected.Handle("DELETE /v1/query/{id}", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(queries.close)))
	protected.Handle("GET /v1/catalog", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(catalogs.list)))
	protected.Handle("GET /v1/catalog/{index}", auth.RequireRole(auth.RoleQueryReader, http.HandlerFunc(catalogs.get)))
	protected.Handle("PUT /v1/catalog/{index}", auth.RequireRole(auth.RoleCatalogAdmin, http.HandlerFunc(catalogs.put)))

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("/v1/query", protectedHandler)
	mux.Handle("/v1/query/", protectedHandler)
	mux.Handle("/v1/catalog", protectedHandler)
	mux.Handle("/v1/catalog/", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func CheckStore(store Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if store == nil {
			return errors.New("document store is not configured")
		}
		return store.Ping(ctx)
	}
}

func CheckCatalog(repo catalog.Repository) ReadinessCheck {
	if repo == nil {
		return nil
	}
	return repo.HealthCheck
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func subjectFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Subject
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
