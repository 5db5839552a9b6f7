package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/essql/essql/internal/config"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
)

type queryRequest struct {
	Plan    json.RawMessage `json:"plan"`
	Indices []string        `json:"indices"`
	RowCap  int             `json:"row_cap"`
	Lateral *bool           `json:"lateral"`
	Export  bool            `json:"export"`
}

type moreRequest struct {
	RowCap  *int  `json:"row_cap"`
	Lateral *bool `json:"lateral"`
	Export  bool  `json:"export"`
}

type columnView struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type exportView struct {
	Key  string `json:"key"`
	Rows int64  `json:"rows"`
	Size int64  `json:"size_bytes"`
	URL  string `json:"url,omitempty"`
}

type windowResponse struct {
	QueryID string       `json:"query_id"`
	Columns []columnView `json:"columns"`
	Rows    [][]any      `json:"rows"`
	Total   int64        `json:"total"`
	Offset  int64        `json:"offset"`
	HasMore bool         `json:"has_more"`
	Export  *exportView  `json:"export,omitempty"`
}

type queryHandlers struct {
	cfg  config.Config
	deps Dependencies
}

func (h *queryHandlers) open(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}
	if request.Export && h.deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "object store is not configured", false, nil)
		return
	}

	session := h.deps.Sessions.Open(subjectFromRequest(r))
	ctx, cancel := h.queryContext(r.Context())
	defer cancel()

	session.State.SetRowCap(request.RowCap)
	if err := session.State.Build(ctx, string(request.Plan), request.Indices...); err != nil {
		_ = h.deps.Sessions.Close(ctx, session)
		writeQueryError(r.Context(), w, err)
		return
	}

	window, err := session.State.Execute(ctx, h.lateral(request.Lateral))
	if errors.Is(err, qerr.ErrNoRows) {
		defer h.deps.Sessions.Release(session)
		writeJSON(w, http.StatusOK, emptyWindow(session, false))
		return
	}
	if err != nil {
		_ = h.deps.Sessions.Close(ctx, session)
		writeQueryError(r.Context(), w, err)
		return
	}
	defer h.deps.Sessions.Release(session)
	h.respondWindow(ctx, w, r, session, window, request.Export)
}

func (h *queryHandlers) more(w http.ResponseWriter, r *http.Request) {
	session, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer h.deps.Sessions.Release(session)

	var request moreRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid more request body", false, map[string]any{"details": err.Error()})
		return
	}
	if request.Export && h.deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "object store is not configured", false, nil)
		return
	}
	if request.RowCap != nil {
		session.State.SetRowCap(*request.RowCap)
	}

	ctx, cancel := h.queryContext(r.Context())
	defer cancel()
	window, err := session.State.MoreResults(ctx, h.lateral(request.Lateral))
	if errors.Is(err, qerr.ErrNoMoreResults) {
		writeJSON(w, http.StatusOK, emptyWindow(session, false))
		return
	}
	if err != nil {
		writeQueryError(r.Context(), w, err)
		return
	}
	h.respondWindow(ctx, w, r, session, window, request.Export)
}

func (h *queryHandlers) close(w http.ResponseWriter, r *http.Request) {
	session, ok := h.acquire(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.queryContext(r.Context())
	defer cancel()
	if err := h.deps.Sessions.Close(ctx, session); err != nil {
		writeQueryError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "query_id": session.ID})
}

func (h *queryHandlers) explain(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil || h.deps.Sessions.NewState == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.queryContext(r.Context())
	defer cancel()

	state := h.deps.Sessions.NewState()
	state.SetRowCap(request.RowCap)
	explanation, err := state.Explain(ctx, string(request.Plan), request.Indices...)
	if err != nil {
		writeQueryError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, explanation)
}

func (h *queryHandlers) acquire(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	if h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return nil, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	session, err := h.deps.Sessions.Acquire(id, subjectFromRequest(r))
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "QUERY_NOT_FOUND", "query was not found or has expired", false, map[string]any{"query_id": id})
		return nil, false
	case errors.Is(err, ErrSessionForbidden):
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return nil, false
	}
	return session, true
}

func (h *queryHandlers) respondWindow(ctx context.Context, w http.ResponseWriter, r *http.Request, session *Session, window *resultset.ResultSet, exportWindow bool) {
	cols, rows := window.Visible()
	resp := windowResponse{
		QueryID: session.ID,
		Columns: columnViews(cols),
		Rows:    rows,
		Total:   window.Total(),
		Offset:  window.Offset(),
		HasMore: session.State.HasMore(),
	}
	if exportWindow {
		result, err := h.deps.Exporter.Export(ctx, session.ID, window)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadGateway, "EXPORT_FAILED", "failed to export result window", true, map[string]any{"query_id": session.ID, "details": err.Error()})
			return
		}
		resp.Export = &exportView{Key: result.Key, Rows: result.Rows, Size: result.Size, URL: result.URL}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *queryHandlers) queryContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.Query.QueryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, h.cfg.Query.QueryTimeout)
}

func (h *queryHandlers) lateral(override *bool) bool {
	if override != nil {
		return *override
	}
	return h.cfg.Query.NestedLateral
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return request, false
	}
	plan := strings.TrimSpace(string(request.Plan))
	if plan == "" || plan == "null" {
		writeError(r.Context(), w, http.StatusBadRequest, "PLAN_REQUIRED", "plan is required", false, nil)
		return request, false
	}
	if request.RowCap < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_CAP", "row_cap must be >= 0", false, nil)
		return request, false
	}
	return request, true
}

func emptyWindow(session *Session, hasMore bool) windowResponse {
	resp := windowResponse{QueryID: session.ID, Columns: []columnView{}, Rows: [][]any{}, HasMore: hasMore}
	if req := session.State.Request(); req != nil && req.Heading != nil {
		resp.Columns = columnViews(req.Heading.Visible())
	}
	return resp
}

func columnViews(cols []*schema.Column) []columnView {
	out := make([]columnView, 0, len(cols))
	for _, col := range cols {
		out = append(out, columnView{Name: col.Name, Label: col.Label(), Type: string(col.Type)})
	}
	return out
}

// writeQueryError maps query error kinds onto HTTP statuses.
func writeQueryError(ctx context.Context, w http.ResponseWriter, err error) {
	extra := map[string]any{"details": err.Error()}
	var qe *qerr.Error
	if errors.As(err, &qe) && qe.Field != "" {
		extra["field"] = qe.Field
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "query timed out", true, extra)
	case qerr.IsKind(err, qerr.KindCompile):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_COMPILE_FAILED", "query could not be compiled", false, extra)
	case qerr.IsKind(err, qerr.KindReconstruction):
		writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_RECONSTRUCTION_FAILED", "store response could not be reconstructed", false, extra)
	case qerr.IsKind(err, qerr.KindExecution):
		writeError(ctx, w, http.StatusBadGateway, "STORE_ERROR", "document store request failed", true, extra)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "QUERY_FAILED", "query failed", false, extra)
	}
}
