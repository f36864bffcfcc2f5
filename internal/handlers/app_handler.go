package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/metrics"
)

// HealthChecker reports the health of an optional dependency.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// AppHandler serves the service-level routes: health, metrics and static files
type AppHandler struct {
	static config.StaticConfig
	redis  HealthChecker
	logger *zap.Logger
}

// NewAppHandler creates a new app handler. redis may be nil.
func NewAppHandler(static config.StaticConfig, redis HealthChecker, logger *zap.Logger) *AppHandler {
	return &AppHandler{static: static, redis: redis, logger: logger}
}

// RegisterRoutes registers the app routes. Static files are registered last
// so the prefix never shadows an API route.
func (h *AppHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// RegisterStatic mounts the static directory when configured.
func (h *AppHandler) RegisterStatic(r *mux.Router) {
	if !h.static.Enabled() {
		return
	}
	prefix := "/" + strings.Trim(h.static.URLPath, "/") + "/"
	h.logger.Info("Serving static files",
		zap.String("url_path", prefix),
		zap.String("dir", h.static.Dir))
	r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(h.static.Dir))))
}

// handleHealth handles GET /health - returns service health status
func (h *AppHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "adb-invocation-server",
	}
	if h.redis != nil {
		body["redis"] = h.redis.IsHealthy(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// NewRouter builds the HTTP router with every handler and the metrics
// middleware installed.
func NewRouter(app *AppHandler, devices *DeviceHandler, store *StoreHandler) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	app.RegisterRoutes(r)
	devices.RegisterRoutes(r)
	store.RegisterRoutes(r)
	app.RegisterStatic(r)
	return r
}
