package server

import (
	"net/http"
	"net/url"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/4citeB4U/familyreunion/internal/relay"
)

// Options configure the relay HTTP surface.
type Options struct {
	// AllowedOrigins lists accepted Origin hosts. Empty accepts every origin.
	AllowedOrigins []string
	Conn           relay.ConnOptions
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Logger receives one line per request.
	Logger zerolog.Logger
}

// NewRouter mounts the websocket endpoint, the health check and metrics.
func NewRouter(hub *relay.Hub, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", healthCheckHandler)
	r.Get("/ws", ServeWs(hub, opts))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return r
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades websocket requests and
// hands each connection to the hub.
func ServeWs(hub *relay.Hub, opts Options) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to upgrade connection")
			return
		}

		// Serve blocks in the read pump; the handler goroutine owns the connection.
		relay.NewConn(hub, ws, opts.Conn).Serve()
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native clients send no Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Host)
	}
}
