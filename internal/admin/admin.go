// Package admin serves the administrative route group: service status, key
// pool inspection, user-token management and metrics exposition.
package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/gatekeeper"
	"github.com/relaygate/relaygate/internal/keypool"
	"github.com/relaygate/relaygate/internal/promptlog"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/server"
)

// Options wire the admin group. Tokens, Queue, Prompts and Metrics may be
// nil when the corresponding subsystem is disabled.
type Options struct {
	Logger    *slog.Logger
	Key       string
	BuildInfo string
	StartedAt time.Time
	Pool      *keypool.Pool
	Queue     *queue.Queue
	Tokens    *gatekeeper.TokenStore
	Prompts   *promptlog.Logger
	Metrics   http.Handler
}

type Handler struct {
	opts    Options
	keyHash [32]byte
}

func New(opts Options) *Handler {
	return &Handler{
		opts:    opts,
		keyHash: sha256.Sum256([]byte(opts.Key)),
	}
}

// Routes mounts the admin group behind the admin-key check.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.auth)

	log := h.opts.Logger
	r.Get("/status", server.Handle(log, h.status))
	r.Get("/keys", server.Handle(log, h.keys))
	r.Post("/tokens", server.Handle(log, h.issueToken))
	r.Delete("/tokens/{token}", server.Handle(log, h.disableToken))
	if h.opts.Metrics != nil {
		r.Handle("/metrics", h.opts.Metrics)
	}

	return r
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		hash := sha256.Sum256([]byte(cred))
		if cred == "" || subtle.ConstantTimeCompare(hash[:], h.keyHash[:]) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) error {
	out := map[string]any{
		"build":  h.opts.BuildInfo,
		"uptime": time.Since(h.opts.StartedAt).Round(time.Second).String(),
		"keys":   h.opts.Pool.Snapshot(),
	}

	if h.opts.Queue != nil {
		out["queue"] = h.opts.Queue.Status()
	} else {
		out["queue"] = queue.Status{Mode: queue.ModeDisabled}
	}
	if h.opts.Prompts != nil {
		out["prompt_log"] = map[string]int64{
			"written": h.opts.Prompts.Written(),
			"dropped": h.opts.Prompts.Dropped(),
		}
	}
	if h.opts.Tokens != nil {
		n, err := h.opts.Tokens.Count()
		if err != nil {
			return err
		}
		out["active_tokens"] = n
	}

	writeJSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) keys(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, h.opts.Pool.Snapshot())
	return nil
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) error {
	if h.opts.Tokens == nil {
		return server.Errorf(http.StatusNotFound, "User token store not enabled")
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return server.Errorf(http.StatusBadRequest, "Malformed JSON body")
	}

	token, err := h.opts.Tokens.Issue(req.Note)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	return nil
}

func (h *Handler) disableToken(w http.ResponseWriter, r *http.Request) error {
	if h.opts.Tokens == nil {
		return server.Errorf(http.StatusNotFound, "User token store not enabled")
	}
	if err := h.opts.Tokens.Disable(chi.URLParam(r, "token")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
