package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0},
		Logging: config.LoggingConfig{
			QuietPaths: []string{"/health", "/proxy/queue-status"},
		},
		BuildInfo:  config.BuildInfoConfig{ProbeTimeout: "1s"},
		Gatekeeper: config.GatekeeperConfig{Mode: "none"},
		Queue:      config.QueueConfig{Mode: "disabled"},
	}
}

func TestStartValidationFailureNeverBinds(t *testing.T) {
	cfg := validConfig()
	cfg.Gatekeeper.Mode = "password"

	g := New(cfg, testLogger())
	if err := g.Start(context.Background()); err == nil {
		t.Fatal("Start should fail on invalid configuration")
	}

	if g.Addr() != "" {
		t.Errorf("Addr = %q, listener must never bind on validation failure", g.Addr())
	}
	if g.Stage() != StageBuildInfoResolved {
		t.Errorf("Stage = %v, want build_info_resolved", g.Stage())
	}
}

func TestStartAndServe(t *testing.T) {
	g := New(validConfig(), testLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	if g.Stage() != StageListening {
		t.Errorf("Stage = %v, want listening", g.Stage())
	}
	if g.BuildInfo() == "" {
		t.Error("BuildInfo is empty after Start")
	}

	_, port, err := net.SplitHostPort(g.Addr())
	if err != nil {
		t.Fatalf("Addr = %q: %v", g.Addr(), err)
	}
	resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", port) + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("health body = %q, want empty", body)
	}
}

func TestOptionalStagesSkippedWhenDisabled(t *testing.T) {
	// With prompt log and queue off, neither optional milestone should be
	// crossed; the sequence jumps from key_pool_ready to listening.
	g := New(validConfig(), testLogger())

	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	}()

	if g.prompts != nil {
		t.Error("prompt logger created while disabled")
	}
	if g.admission != nil {
		t.Error("queue created while disabled")
	}
}

func TestSupervisorContainsPanics(t *testing.T) {
	sup := NewSupervisor(testLogger())

	done := make(chan struct{})
	sup.Go("healthy", func() { <-done })
	sup.Go("crashing", func() { panic("background task exploded") })

	// The panic must not take the process (or this test) down, and the
	// healthy task keeps running.
	time.Sleep(50 * time.Millisecond)
	close(done)
	sup.Wait()
}
