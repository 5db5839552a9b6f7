package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/schema"
)

type fieldView struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type catalogPutRequest struct {
	Fields []fieldView `json:"fields"`
}

type catalogHandlers struct {
	deps Dependencies
}

func (h *catalogHandlers) list(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "field catalog is not configured", false, nil)
		return
	}
	indices, err := h.deps.Catalog.ListIndices(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list indices", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indices": indices})
}

func (h *catalogHandlers) get(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	fields, err := h.deps.Catalog.ListFields(r.Context(), index)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list fields", true, map[string]any{"details": err.Error()})
		return
	}
	if len(fields) == 0 {
		writeError(r.Context(), w, http.StatusNotFound, "INDEX_NOT_FOUND", "index has no catalogued fields", false, map[string]any{"index": index})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "fields": fieldViews(fields)})
}

func (h *catalogHandlers) put(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}

	var request catalogPutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid catalog request body", false, map[string]any{"details": err.Error()})
		return
	}
	if len(request.Fields) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "FIELDS_REQUIRED", "fields are required", false, nil)
		return
	}

	fields := make([]catalog.Field, 0, len(request.Fields))
	for _, f := range request.Fields {
		t := schema.ParseType(f.Type)
		if strings.TrimSpace(f.Type) != "" && t == schema.TypeUnknown {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FIELD_TYPE", "unknown field type", false, map[string]any{"path": f.Path, "type": f.Type})
			return
		}
		fields = append(fields, catalog.Field{Path: f.Path, Type: t})
	}
	fields = catalog.NormalizeFields(index, fields)
	if len(fields) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "FIELDS_REQUIRED", "fields must have a path", false, nil)
		return
	}

	count, err := h.deps.Catalog.ReplaceFields(r.Context(), index, fields)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to replace fields", true, map[string]any{"details": err.Error()})
		return
	}
	if h.deps.CatalogCache != nil {
		h.deps.CatalogCache.Invalidate(index)
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "fields": fieldViews(fields), "replaced": count})
}

func (h *catalogHandlers) index(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "field catalog is not configured", false, nil)
		return "", false
	}
	index := strings.TrimSpace(r.PathValue("index"))
	if index == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INDEX_REQUIRED", "index path parameter is required", false, nil)
		return "", false
	}
	return index, true
}

func fieldViews(fields []catalog.Field) []fieldView {
	out := make([]fieldView, 0, len(fields))
	for _, f := range fields {
		out = append(out, fieldView{Path: f.Path, Type: string(f.Type)})
	}
	return out
}
