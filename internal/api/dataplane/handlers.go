package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/domain"
	"github.com/oriys/snapcache/internal/health"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/resolver"
	"github.com/oriys/snapcache/internal/store"
)

// RequestIDHeader carries the caller's request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Resolver is the subset of *resolver.Resolver the handlers need.
type Resolver interface {
	ResolveQuery(ctx context.Context, key string, q store.Query, bypass bool) (resolver.Result, error)
}

// Handler handles data plane HTTP requests (dataset reads and observability).
type Handler struct {
	Resolver Resolver
	Catalog  *catalog.Catalog
	Checker  *health.Checker
	// RequestTimeout bounds one dataset read. Zero means no extra bound.
	RequestTimeout time.Duration
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Datasets
	mux.HandleFunc("GET /datasets", h.ListDatasets)
	mux.HandleFunc("GET /datasets/{name}", h.GetDataset)

	// Health probes
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	// Observability
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
}

// DatasetResponse is the body of a successful GET /datasets/{name}.
type DatasetResponse struct {
	Dataset       string         `json:"dataset"`
	Key           string         `json:"key"`
	Source        string         `json:"source"`
	RowCount      int            `json:"row_count"`
	Records       domain.Dataset `json:"records"`
	AgeMs         int64          `json:"age_ms"`
	StoredAt      *time.Time     `json:"stored_at,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Coalesced     bool           `json:"coalesced,omitempty"`
	CacheDegraded bool           `json:"cache_degraded,omitempty"`
	RequestID     string         `json:"request_id"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

// ListDatasets handles GET /datasets
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	names := h.Catalog.Names()
	out := make([]catalog.Definition, 0, len(names))
	for _, name := range names {
		d, _ := h.Catalog.Get(name)
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDataset handles GET /datasets/{name}?refresh=true&<param>=<value>
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)

	query := r.URL.Query()
	refresh := false
	if v := query.Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "refresh must be a boolean", RequestID: reqID})
			return
		}
		refresh = b
	}
	query.Del("refresh")

	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}

	binding, err := h.Catalog.Bind(r.PathValue("name"), params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, catalog.ErrUnknownDataset) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: reqID})
		return
	}

	ctx := logging.WithRequestID(r.Context(), reqID)
	if h.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestTimeout)
		defer cancel()
	}

	res, err := h.Resolver.ResolveQuery(ctx, binding.Key, binding.Query, refresh)
	if err != nil {
		if resolver.KindOf(err) == resolver.KindStoreUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, statusForError(err), ErrorResponse{
			Error:     err.Error(),
			Kind:      resolver.KindOf(err).String(),
			Retryable: resolver.IsRetryable(err),
			RequestID: reqID,
		})
		return
	}

	resp := DatasetResponse{
		Dataset:       binding.Dataset,
		Key:           res.Key,
		Source:        string(res.Source),
		RowCount:      len(res.Records),
		Records:       res.Records,
		AgeMs:         res.Age(time.Now()).Milliseconds(),
		Coalesced:     res.Coalesced,
		CacheDegraded: res.CacheErr != nil,
		RequestID:     reqID,
	}
	if !res.StoredAt.IsZero() {
		resp.StoredAt = &res.StoredAt
	}
	if !res.ExpiresAt.IsZero() {
		resp.ExpiresAt = &res.ExpiresAt
	}
	w.Header().Set("X-Cache", string(res.Source))
	writeJSON(w, http.StatusOK, resp)
}

// statusForError maps a resolve failure to an HTTP status.
func statusForError(err error) int {
	switch resolver.KindOf(err) {
	case resolver.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case resolver.KindTimeout:
		return http.StatusGatewayTimeout
	case resolver.KindQueryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Health handles GET /health - detailed status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.Checker.Check(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// HealthLive handles GET /health/live - Kubernetes liveness probe
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready - Kubernetes readiness probe
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	report := h.Checker.Check(r.Context())
	if !report.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": report.Status,
			"error":  "store unavailable: " + report.Components["store"].Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": h.Catalog.Names(),
		"latency":  metrics.Global().Latency().GetAllStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("failed to encode response", "error", err)
	}
}
