package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 promhttp 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterMetrics 注册 /metrics
func (r *Router) RegisterMetrics(reg *prometheus.Registry) {
	r.HandleHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}

// RegisterGeofenceRoutes 注册围栏监控路由
func (r *Router) RegisterGeofenceRoutes(h *GeofenceHandler) {
	r.Handle("/healthz", methodOnly(http.MethodGet, h.Health))
	r.Handle("/geofence/api/v1/stats", methodOnly(http.MethodGet, h.GetStats))
	r.Handle("/geofence/api/v1/events", methodOnly(http.MethodGet, h.ListEvents))
	r.Handle("/geofence/api/v1/events/stream", methodOnly(http.MethodGet, h.StreamEvents))
	r.Handle("/geofence/api/v1/positions", methodOnly(http.MethodPost, h.PostPosition))
	r.Handle("/geofence/api/v1/sweep", methodOnly(http.MethodPost, h.TriggerSweep))
}

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
