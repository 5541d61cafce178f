// Package proxy forwards requests to configured upstream providers,
// swapping the caller's credential for a key from the shared pool.
package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gatekeeper"
	"github.com/relaygate/relaygate/internal/keypool"
	"github.com/relaygate/relaygate/internal/promptlog"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/reqctx"
	"github.com/relaygate/relaygate/internal/server"
)

type upstream struct {
	name    string
	baseURL *url.URL
}

// Options wire the proxy group's collaborators. Prompts and Queue may be nil
// when the corresponding subsystem is disabled.
type Options struct {
	Logger    *slog.Logger
	Pool      *keypool.Pool
	Gate      *gatekeeper.Gatekeeper
	Prompts   *promptlog.Logger
	Queue     *queue.Queue
	Upstreams []config.UpstreamConfig
	// Transport overrides the outbound round tripper, for tests.
	Transport http.RoundTripper
}

// Handler is the proxy route group.
type Handler struct {
	logger    *slog.Logger
	pool      *keypool.Pool
	gate      *gatekeeper.Gatekeeper
	prompts   *promptlog.Logger
	queue     *queue.Queue
	upstreams map[string]*upstream
	transport http.RoundTripper
}

func New(opts Options) (*Handler, error) {
	h := &Handler{
		logger:    opts.Logger,
		pool:      opts.Pool,
		gate:      opts.Gate,
		prompts:   opts.Prompts,
		queue:     opts.Queue,
		upstreams: make(map[string]*upstream, len(opts.Upstreams)),
		transport: opts.Transport,
	}
	for _, u := range opts.Upstreams {
		parsed, err := url.Parse(u.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", u.Name, err)
		}
		h.upstreams[u.Name] = &upstream{name: u.Name, baseURL: parsed}
	}
	return h, nil
}

// Routes mounts the proxy group. The queue-status poll endpoint stays
// outside the credential check so queued clients can watch their position.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/queue-status", h.queueStatus)

	r.Group(func(g chi.Router) {
		if h.gate != nil {
			g.Use(h.gate.Middleware)
		}
		if h.queue != nil {
			g.Use(h.queue.Middleware)
		}
		g.HandleFunc("/{upstream}/*", h.forward)
	})

	return r
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	status := queue.Status{Mode: queue.ModeDisabled}
	if h.queue != nil {
		status = h.queue.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "upstream")
	u, ok := h.upstreams[name]
	if !ok {
		server.WriteError(w, r, h.logger, server.Errorf(http.StatusNotFound, "Unknown upstream %q", name))
		return
	}

	key, err := h.pool.Checkout(name)
	if err != nil {
		server.WriteError(w, r, h.logger, server.Errorf(http.StatusServiceUnavailable,
			"No usable keys for upstream %q", name))
		return
	}

	h.capturePrompt(r, name)

	tail := chi.URLParam(r, "*")
	rp := &httputil.ReverseProxy{
		Transport: h.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = u.baseURL.Scheme
			pr.Out.URL.Host = u.baseURL.Host
			pr.Out.URL.Path = strings.TrimSuffix(u.baseURL.Path, "/") + "/" + tail
			pr.Out.Host = u.baseURL.Host

			// The caller's credentials never reach the upstream.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-Api-Key")
			pr.Out.Header.Del("Cookie")

			if name == "anthropic" {
				pr.Out.Header.Set("X-Api-Key", key)
			} else {
				pr.Out.Header.Set("Authorization", "Bearer "+key)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				h.pool.Disable(name, key)
				h.logger.Warn("upstream rejected pool key, disabling it",
					slog.String("upstream", name),
					slog.Int("status", resp.StatusCode))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Error("upstream request failed",
				slog.String("upstream", name),
				slog.String("error", err.Error()))
			server.WriteError(w, r, h.logger, server.Errorf(http.StatusBadGateway,
				"Upstream %q unreachable", name))
		},
	}
	rp.ServeHTTP(w, r)
}

// capturePrompt hands the request's prompt content to the prompt logger.
// The parsed body comes from the body-parsing filter stage.
func (h *Handler) capturePrompt(r *http.Request, upstreamName string) {
	if h.prompts == nil {
		return
	}
	rc := reqctx.From(r.Context())
	if rc == nil || rc.Body == nil {
		return
	}

	var prompt string
	if p, ok := rc.Body["prompt"].(string); ok {
		prompt = p
	} else if msgs, ok := rc.Body["messages"]; ok {
		if raw, err := json.Marshal(msgs); err == nil {
			prompt = string(raw)
		}
	}
	if prompt == "" {
		return
	}

	model, _ := rc.Body["model"].(string)
	h.prompts.Log(promptlog.Entry{
		Upstream: upstreamName,
		Endpoint: r.URL.Path,
		Model:    model,
		Prompt:   prompt,
	})
}
