package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/relaygate/relaygate/internal/reqctx"
)

// proxyNote distinguishes the gateway's own failures from errors returned by
// an upstream provider.
const proxyNote = "This is an internal error of the gateway itself, not an error from the upstream provider."

// Error is a request-scoped error with an explicit HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errorf builds a status-carrying error.
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError is the terminal error responder. Errors carrying an explicit
// status map to that status with the message as the error body; everything
// else is an internal failure: logged in full and answered with a 500
// proxy_error payload.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, map[string]string{"error": apiErr.Message})
		return
	}
	internalError(w, r, logger, err, debug.Stack())
}

func internalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, stack []byte) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
		slog.String("stack", string(stack)),
		slog.Any("headers", RedactHeaders(r.Header)),
	}
	if rc := reqctx.From(r.Context()); rc != nil {
		attrs = append(attrs, slog.String("request_id", rc.ID))
		if rc.Body != nil {
			attrs = append(attrs, slog.Any("body", RedactBody(rc.Body)))
		}
	}
	logger.LogAttrs(r.Context(), slog.LevelError, "internal gateway error", attrs...)
	AddError(r.Context(), err)

	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{
			"type":       "proxy_error",
			"message":    err.Error(),
			"stack":      string(stack),
			"proxy_note": proxyNote,
		},
	})
}

// Recoverer converts handler panics into logged 500 proxy_error responses so
// no fault escapes to the transport layer.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					internalError(w, r, logger, fmt.Errorf("panic: %v", rec), debug.Stack())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NotFoundHandler answers anything that matched no route.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	}
}

// HandlerFunc is an HTTP handler that may return an error for the fault
// boundary to translate.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handle adapts a HandlerFunc, routing returned errors through WriteError.
func Handle(logger *slog.Logger, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteError(w, r, logger, err)
		}
	}
}
