// Package gateway sequences startup of the HTTP front end: build-info
// resolution, configuration validation, collaborator initialization, and
// finally listener binding. The sequence is strictly ordered; the listener
// never binds before validation succeeds.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/admin"
	"github.com/relaygate/relaygate/internal/buildinfo"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gatekeeper"
	"github.com/relaygate/relaygate/internal/keypool"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/promptlog"
	"github.com/relaygate/relaygate/internal/proxy"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/server"
)

// Stage is a startup milestone. Stages advance strictly in order; optional
// stages are skipped when configuration disables the subsystem.
type Stage int

const (
	StageInit Stage = iota
	StageBuildInfoResolved
	StageConfigValidated
	StageKeyPoolReady
	StageAuthStoreReady
	StagePromptLogRunning
	StageQueueRunning
	StageListening
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageBuildInfoResolved:
		return "build_info_resolved"
	case StageConfigValidated:
		return "config_validated"
	case StageKeyPoolReady:
		return "key_pool_ready"
	case StageAuthStoreReady:
		return "auth_store_ready"
	case StagePromptLogRunning:
		return "prompt_log_running"
	case StageQueueRunning:
		return "queue_running"
	case StageListening:
		return "listening"
	}
	return "unknown"
}

// Gateway owns the HTTP front end and its collaborators.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	buildInfo string
	pool      *keypool.Pool
	gate      *gatekeeper.Gatekeeper
	prompts   *promptlog.Logger
	admission *queue.Queue
	metrics   *metrics.Metrics

	server   *http.Server
	listener net.Listener
	sup      *Supervisor

	startedAt time.Time
	cancel    context.CancelFunc

	mu    sync.Mutex
	stage Stage
}

func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		stage:  StageInit,
	}
}

func (g *Gateway) advance(s Stage) {
	g.mu.Lock()
	g.stage = s
	g.mu.Unlock()
	g.logger.Info("startup stage reached", slog.String("stage", s.String()))
}

// Stage reports the last milestone reached.
func (g *Gateway) Stage() Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stage
}

// BuildInfo reports the resolved build identifier. Empty before Start.
func (g *Gateway) BuildInfo() string { return g.buildInfo }

// Addr reports the bound listener address. Empty before Listening.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Start runs the startup sequence. Any returned error means the listener was
// never bound; configuration validation failure is the expected fatal case.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.startedAt = time.Now()
	g.sup = NewSupervisor(g.logger)

	// Build info is diagnostic only: resolve first so even a failed startup
	// logs which build it was.
	g.buildInfo = buildinfo.Resolve(ctx, g.logger, buildinfo.Options{
		ProbeTimeout:     g.cfg.ProbeTimeout(),
		DeployDescriptor: g.cfg.BuildInfo.DeployDescriptor,
	})
	g.logger.Info("build resolved", slog.String("build", g.buildInfo))
	g.advance(StageBuildInfoResolved)

	if err := g.cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	g.advance(StageConfigValidated)

	g.pool = keypool.New()
	for _, u := range g.cfg.Upstreams {
		n := g.pool.Add(u.Name, u.Keys)
		g.logger.Info("key pool loaded", slog.String("upstream", u.Name), slog.Int("keys", n))
	}
	g.advance(StageKeyPoolReady)

	gate, err := gatekeeper.New(gatekeeper.Config{
		Mode:           gatekeeper.Mode(g.cfg.Gatekeeper.Mode),
		ProxyKey:       g.cfg.Gatekeeper.ProxyKey,
		TokenDB:        g.cfg.Gatekeeper.TokenDB,
		BlockedOrigins: g.cfg.Gatekeeper.BlockedOrigins,
	}, g.logger)
	if err != nil {
		return fmt.Errorf("init gatekeeper: %w", err)
	}
	g.gate = gate
	if gate.Mode() == gatekeeper.ModeUserToken {
		g.advance(StageAuthStoreReady)
	}

	if g.cfg.PromptLog.Enabled {
		prompts, err := promptlog.New(g.cfg.PromptLog.DB, g.logger)
		if err != nil {
			return fmt.Errorf("init prompt log: %w", err)
		}
		g.prompts = prompts
		g.sup.Go("promptlog", func() { prompts.Run(ctx) })
		g.advance(StagePromptLogRunning)
	}

	if g.cfg.Queue.Mode != string(queue.ModeDisabled) {
		g.admission = queue.New(queue.Mode(g.cfg.Queue.Mode), g.cfg.Queue.Concurrency)
		g.advance(StageQueueRunning)
	}

	g.metrics = metrics.New()
	if g.admission != nil {
		q := g.admission
		g.metrics.RegisterQueue(
			func() float64 { return float64(q.Status().Waiting) },
			func() float64 { return float64(q.Status().InFlight) },
		)
	}
	if g.prompts != nil {
		p := g.prompts
		g.metrics.RegisterPromptLog(func() float64 { return float64(p.Dropped()) })
	}

	router, err := g.buildRouter()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	g.listener = ln

	g.server = &http.Server{
		Handler: router,
		// No WriteTimeout: proxied completions stream for longer than any
		// sane fixed bound.
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.sup.Go("http-server", func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	})
	g.advance(StageListening)

	g.logger.Info("gateway listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("build", g.buildInfo),
		slog.String("gatekeeper_mode", string(g.gate.Mode())),
		slog.Bool("prompt_log", g.prompts != nil),
		slog.Bool("queue", g.admission != nil))

	return nil
}

func (g *Gateway) buildRouter() (http.Handler, error) {
	var adminHandler http.Handler
	if g.cfg.Admin.Key != "" {
		adminHandler = admin.New(admin.Options{
			Logger:    g.logger,
			Key:       g.cfg.Admin.Key,
			BuildInfo: g.buildInfo,
			StartedAt: g.startedAt,
			Pool:      g.pool,
			Queue:     g.admission,
			Tokens:    g.gate.Tokens(),
			Prompts:   g.prompts,
			Metrics:   g.metrics.Handler(),
		}).Routes()
	}

	var proxyHandler http.Handler
	if len(g.cfg.Upstreams) > 0 {
		ph, err := proxy.New(proxy.Options{
			Logger:    g.logger,
			Pool:      g.pool,
			Gate:      g.gate,
			Prompts:   g.prompts,
			Queue:     g.admission,
			Upstreams: g.cfg.Upstreams,
		})
		if err != nil {
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		proxyHandler = ph.Routes()
	}

	return server.NewRouter(server.Options{
		Logger:            g.logger,
		BuildInfo:         g.buildInfo,
		StartedAt:         g.startedAt,
		QuietPaths:        g.cfg.Logging.QuietPaths,
		TrustProxyHeaders: g.cfg.Server.TrustProxyHeaders,
		Origins:           g.gate,
		Metrics:           g.metrics,
		Admin:             adminHandler,
		Proxy:             proxyHandler,
	}), nil
}

// Shutdown stops the listener, drains background tasks and releases
// collaborator resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var firstErr error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			firstErr = err
		}
	}

	if g.cancel != nil {
		g.cancel()
	}
	if g.sup != nil {
		g.sup.Wait()
	}

	if g.prompts != nil {
		if err := g.prompts.Close(); err != nil {
			g.logger.Error("failed to close prompt log", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if g.gate != nil {
		if err := g.gate.Close(); err != nil {
			g.logger.Error("failed to close gatekeeper", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	g.logger.Info("gateway shutdown complete")
	return firstErr
}
