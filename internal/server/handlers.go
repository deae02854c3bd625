package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/control"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *control.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// OpenAPISpec is optional.
type HandlersDeps struct {
	Service             *control.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Service,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, s := range h.svc.StatusAll() {
		if !s.State.Terminal() {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"active_runs":    active,
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeDetail(w, http.StatusNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.openapiSpec)
}

// listOptions reads the listing controls shared by every collection route:
// ids, tags, categories, exclude_categories, find, sort and either
// pagination="(page, size)" or page and size.
func listOptions(r *http.Request) (query.Options, error) {
	q := r.URL.Query()
	opts := query.Options{
		IDs:               splitList(q["ids"]),
		Tags:              q.Get("tags"),
		IncludeCategories: splitList(q["categories"]),
		ExcludeCategories: splitList(q["exclude_categories"]),
		Find:              q.Get("find"),
		Sort:              q.Get("sort"),
	}
	if p := q.Get("pagination"); p != "" {
		page, size, err := query.ParsePagination(p)
		if err != nil {
			return query.Options{}, err
		}
		opts.Page, opts.Size, opts.Paginate = page, size, true
		return opts, nil
	}
	if q.Has("page") || q.Has("size") {
		page, err := queryInt(r, "page", 1)
		if err != nil {
			return query.Options{}, err
		}
		size, err := queryInt(r, "size", 10)
		if err != nil {
			return query.Options{}, err
		}
		opts.Page, opts.Size, opts.Paginate = page, size, true
	}
	return opts, nil
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.Validation, "", "%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.New(apperr.Validation, "", "%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// --- generic route bodies ---

func (h *Handlers) list(w http.ResponseWriter, r *http.Request, fn func(query.Options) (any, error)) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out, err := fn(opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func listed[T any](items []query.Item[T], err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (h *Handlers) names(w http.ResponseWriter, r *http.Request, fn func() ([]string, error)) {
	ids, err := fn()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func getByID[T any](h *Handlers, w http.ResponseWriter, r *http.Request, fn func(string) (T, error)) {
	v, err := fn(r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func create[In, Out any](h *Handlers, w http.ResponseWriter, r *http.Request, fn func(context.Context, In) (Out, error)) {
	var in In
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out, err := fn(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func update[In, Out any](h *Handlers, w http.ResponseWriter, r *http.Request, fn func(context.Context, string, In) (Out, error)) {
	var in In
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out, err := fn(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) remove(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
