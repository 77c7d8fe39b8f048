package api

import (
	"net/http"
	"time"

	"github.com/oriys/snapcache/internal/api/dataplane"
	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/health"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/observability"
	"github.com/oriys/snapcache/internal/ratelimit"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Resolver       dataplane.Resolver
	Catalog        *catalog.Catalog
	Checker        *health.Checker
	RequestTimeout time.Duration
	// RefreshLimiter throttles refresh=true requests. Optional.
	RefreshLimiter *ratelimit.Limiter
}

// NewHandler builds the routed, instrumented handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	dpHandler := &dataplane.Handler{
		Resolver:       cfg.Resolver,
		Catalog:        cfg.Catalog,
		Checker:        cfg.Checker,
		RequestTimeout: cfg.RequestTimeout,
	}
	dpHandler.RegisterRoutes(mux)

	var handler http.Handler = mux
	if cfg.RefreshLimiter != nil {
		handler = ratelimit.RefreshMiddleware(cfg.RefreshLimiter)(handler)
	}

	// Wrap with tracing middleware
	return observability.HTTPMiddleware(handler)
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	logging.Op().Info("HTTP server started", "addr", addr)
	return server
}
