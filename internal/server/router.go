package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaygate/relaygate/internal/metrics"
)

// Options wires the router's collaborators. Admin and Proxy are mounted as
// opaque handlers; nil means the group is not served.
type Options struct {
	Logger            *slog.Logger
	BuildInfo         string
	StartedAt         time.Time
	QuietPaths        []string
	TrustProxyHeaders bool
	Origins           OriginPolicy
	Metrics           *metrics.Metrics
	Admin             http.Handler
	Proxy             http.Handler
}

// NewRouter assembles the filter chain and mounts the route groups behind
// it. Stage order: context init, request logging, metrics, fault recovery,
// CORS, health short-circuit, body parsing, origin gate, dispatch.
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(InitRequestContext)
	r.Use(RequestLogger(opts.Logger, opts.QuietPaths, opts.TrustProxyHeaders))
	if opts.Metrics != nil {
		r.Use(Instrument(opts.Metrics))
	}
	r.Use(Recoverer(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(HealthCheck)
	r.Use(BodyParser(opts.Logger, MaxBodyBytes))
	if opts.Origins != nil {
		r.Use(OriginGate(opts.Logger, opts.Origins))
	}

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "relaygate")
	})

	r.Get("/", infoHandler(opts))

	if opts.Admin != nil {
		r.Mount("/admin", opts.Admin)
	}
	if opts.Proxy != nil {
		r.Mount("/proxy", opts.Proxy)
	}

	r.NotFound(NotFoundHandler())
	r.MethodNotAllowed(NotFoundHandler())

	return r
}

// infoHandler serves the informational root page.
func infoHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "relaygate",
			"build":   opts.BuildInfo,
			"uptime":  time.Since(opts.StartedAt).Round(time.Second).String(),
			"endpoints": map[string]string{
				"health": healthPath,
				"admin":  "/admin",
				"proxy":  "/proxy",
			},
		})
	}
}
