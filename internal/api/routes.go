package api

import (
	"net/http"
	"reconciler/internal/health"
	"reconciler/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Passes        Passes
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates the serve-mode HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Passes, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes are unauthenticated.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/passes/studies", auth(http.HandlerFunc(handler.RunStudies)))
	mux.Handle("POST /v1/passes/errors", auth(http.HandlerFunc(handler.RunErrors)))

	// Outermost last.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
