// Package gatekeeper decides which inbound requests may reach the proxy:
// credential checks (shared proxy key or per-user tokens) and origin policy.
package gatekeeper

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Mode selects the access-control scheme.
type Mode string

const (
	// ModeNone admits every request.
	ModeNone Mode = "none"
	// ModeProxyKey requires a single shared secret.
	ModeProxyKey Mode = "proxy_key"
	// ModeUserToken requires a token issued through the token store.
	ModeUserToken Mode = "user_token"
)

// Config carries the gatekeeper settings.
type Config struct {
	Mode           Mode
	ProxyKey       string
	TokenDB        string
	BlockedOrigins []string
}

// Gatekeeper authenticates proxy traffic and enforces the origin policy.
type Gatekeeper struct {
	mode         Mode
	proxyKeyHash [32]byte
	store        *TokenStore
	blocked      []string
	logger       *slog.Logger
}

// New builds a gatekeeper. The token store is opened only in user_token mode;
// in other modes the store stays wholly uninitialized.
func New(cfg Config, logger *slog.Logger) (*Gatekeeper, error) {
	g := &Gatekeeper{
		mode:    cfg.Mode,
		blocked: cfg.BlockedOrigins,
		logger:  logger,
	}

	switch cfg.Mode {
	case ModeNone:
	case ModeProxyKey:
		g.proxyKeyHash = sha256.Sum256([]byte(cfg.ProxyKey))
	case ModeUserToken:
		store, err := OpenTokenStore(cfg.TokenDB)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		g.store = store
	default:
		return nil, fmt.Errorf("unknown gatekeeper mode %q", cfg.Mode)
	}

	return g, nil
}

// Mode reports the configured access-control mode.
func (g *Gatekeeper) Mode() Mode { return g.mode }

// Tokens returns the token store, or nil outside user_token mode.
func (g *Gatekeeper) Tokens() *TokenStore { return g.store }

// Close releases the token store, when one was opened.
func (g *Gatekeeper) Close() error {
	if g.store != nil {
		return g.store.Close()
	}
	return nil
}

// Middleware rejects requests whose credential does not check out for the
// configured mode.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.mode {
		case ModeNone:
			next.ServeHTTP(w, r)
			return
		case ModeProxyKey:
			cred := extractCredential(r)
			hash := sha256.Sum256([]byte(cred))
			if subtle.ConstantTimeCompare(hash[:], g.proxyKeyHash[:]) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
			return
		case ModeUserToken:
			cred := extractCredential(r)
			if cred == "" {
				unauthorized(w)
				return
			}
			ok, err := g.store.Authenticate(cred)
			if err != nil {
				g.logger.Error("token lookup failed", slog.String("error", err.Error()))
				unauthorized(w)
				return
			}
			if !ok {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

// AllowOrigin applies the origin blocklist. The origin may be an Origin
// header value or a Referer URL; an empty origin is allowed.
func (g *Gatekeeper) AllowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, blocked := range g.blocked {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return false
		}
	}
	return true
}

func extractCredential(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "Unauthorized"}`))
}
