package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/reqctx"
)

// MaxBodyBytes is the request body ceiling for both JSON and form payloads.
const MaxBodyBytes = 10 << 20

// healthPath short-circuits with an empty 200 before any route logic.
const healthPath = "/health"

// logFieldsKey identifies request-scoped logging fields.
type logFieldsKey struct{}

// InitRequestContext attaches the per-request record. It is the first
// middleware in the chain with no bypass path; downstream consumers (queue,
// retry accounting) rely on it being present.
func InitRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &reqctx.Context{
			ID:         uuid.New().String(),
			ReceivedAt: time.Now(),
		}
		w.Header().Set("X-Request-ID", rc.ID)
		next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
	})
}

// RequestLogger logs request start and completion with structured fields.
// Paths in quiet are exempt from the per-request log lines; everything else
// about the chain still applies to them.
func RequestLogger(logger *slog.Logger, quiet []string, trustProxy bool) func(http.Handler) http.Handler {
	quietSet := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		quietSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quietSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Attach mutable log fields map to context for handlers to enrich
			fields := make(map[string]string)
			ctxWithFields := context.WithValue(r.Context(), logFieldsKey{}, fields)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestID := ""
			if rc := reqctx.From(r.Context()); rc != nil {
				requestID = rc.ID
			}

			logger.Info("request started",
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("client_addr", clientAddr(r, trustProxy)),
			)

			next.ServeHTTP(wrapped, r.WithContext(ctxWithFields))

			duration := time.Since(start)
			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", duration),
			}
			for k, v := range fields {
				attrs = append(attrs, slog.String(k, v))
			}

			logger.LogAttrs(ctxWithFields, slog.LevelInfo, "request completed", attrs...)
		})
	}
}

// clientAddr resolves the client address, honoring forwarded headers only
// when the deployment says there is a trusted reverse proxy in front.
func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.Index(xff, ","); i >= 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
		if rip := r.Header.Get("X-Real-IP"); rip != "" {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports
// http.Flusher, preserving streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AddLogField attaches a key/value to the request-scoped log fields map so
// RequestLogger can emit it. No-op if the middleware isn't present.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if fields, ok := ctx.Value(logFieldsKey{}).(map[string]string); ok {
		fields[key] = value
	}
}

// AddError attaches an error message to the request-scoped log fields map so
// it appears in the structured request log. No-op if the middleware isn't
// present or err is nil.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	AddLogField(ctx, "error", err.Error())
}

// HealthCheck answers the health path immediately, skipping body parsing,
// origin validation and routing. Context init and CORS still apply because
// they run earlier in the chain.
func HealthCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BodyParser buffers and parses JSON and form bodies up to maxBytes. Bodies
// over the ceiling get a 413, malformed JSON a 400, before any route handler
// runs. The parsed body lands on the request record and the raw bytes are
// restored for downstream passthrough.
func BodyParser(logger *slog.Logger, maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			buf, err := io.ReadAll(r.Body)
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					WriteError(w, r, logger, Errorf(http.StatusRequestEntityTooLarge,
						"Request body exceeds %d bytes", maxBytes))
					return
				}
				WriteError(w, r, logger, Errorf(http.StatusBadRequest, "Failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(buf))
			r.ContentLength = int64(len(buf))

			rc := reqctx.From(r.Context())
			ct := r.Header.Get("Content-Type")
			if i := strings.Index(ct, ";"); i >= 0 {
				ct = ct[:i]
			}
			ct = strings.TrimSpace(strings.ToLower(ct))

			switch ct {
			case "application/json":
				var body map[string]any
				if err := json.Unmarshal(buf, &body); err != nil {
					WriteError(w, r, logger, Errorf(http.StatusBadRequest, "Malformed JSON body"))
					return
				}
				if rc != nil {
					rc.Body = body
				}
			case "application/x-www-form-urlencoded":
				form, err := url.ParseQuery(string(buf))
				if err != nil {
					WriteError(w, r, logger, Errorf(http.StatusBadRequest, "Malformed form body"))
					return
				}
				if rc != nil {
					rc.Form = form
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginPolicy is the origin-validation contract supplied by the gatekeeper.
type OriginPolicy interface {
	AllowOrigin(origin string) bool
}

// OriginGate rejects requests from disallowed origins after parsing, before
// dispatch.
func OriginGate(logger *slog.Logger, policy OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = r.Header.Get("Referer")
			}
			if !policy.AllowOrigin(origin) {
				WriteError(w, r, logger, Errorf(http.StatusForbidden, "Origin not allowed"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Instrument records request count and duration metrics, labeled by the
// matched chi route pattern to keep cardinality bounded.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			m.ObserveRequest(r.Method, route, wrapped.statusCode, time.Since(start))
		})
	}
}
