package api

import (
	"net/http"
	"time"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/health"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
	"github.com/qobuzdl/server/internal/middleware"
	"github.com/qobuzdl/server/internal/websocket"
)

// slowRequestThreshold is when Timing starts logging API calls.
const slowRequestThreshold = 2 * time.Second

// RouterConfig wires the HTTP surface. Health, WebSocket and Metrics are
// optional.
type RouterConfig struct {
	Handlers       *Handlers
	ImageProxy     *ImageProxy
	Health         *health.Handler
	WebSocket      *websocket.Handler
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
	AllowedOrigins []string
}

type Router struct {
	mux     *http.ServeMux
	handler http.Handler
}

// NewRouter builds the mux and wraps it in the middleware chain.
func NewRouter(cfg *RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = logger.Default().WithComponent("http")
	}

	r := &Router{mux: http.NewServeMux()}
	r.setupRoutes(cfg, log)

	chain := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Logging(log),
		middleware.Recoverer(log),
		middleware.CORS(cfg.AllowedOrigins),
	}
	if cfg.Metrics != nil {
		chain = append(chain, metrics.MetricsMiddleware(cfg.Metrics))
	}
	r.handler = middleware.Chain(r.mux, chain...)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes(cfg *RouterConfig, log *logger.Logger) {
	// API routes get response shaping; the websocket and probes do not.
	api := http.NewServeMux()
	h := cfg.Handlers
	api.HandleFunc("POST /api/server-download", h.ServerDownload)
	api.HandleFunc("GET /api/queue-status", h.QueueStatus)
	api.HandleFunc("GET /api/search", apperrors.HandleFunc(h.Search))
	api.HandleFunc("GET /api/get-album", apperrors.HandleFunc(h.GetAlbum))
	api.HandleFunc("GET /api/get-artist-releases", apperrors.HandleFunc(h.GetArtistReleases))
	if cfg.ImageProxy != nil {
		api.Handle("GET /api/image-proxy", cfg.ImageProxy)
	}
	r.mux.Handle("/api/", middleware.Chain(api,
		middleware.Timing(log, slowRequestThreshold),
		middleware.Gzip,
		middleware.ETag,
	))

	if cfg.WebSocket != nil {
		r.mux.HandleFunc("GET /ws/queue", cfg.WebSocket.ServeWS)
	}
	if cfg.Health != nil {
		r.mux.HandleFunc("GET /health", cfg.Health.HealthHandler)
		r.mux.HandleFunc("GET /health/live", cfg.Health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", cfg.Health.ReadinessHandler)
	}
	if cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
}
