package promptlog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogAndFlush(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "prompts.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		l.Log(Entry{
			Upstream: "openai",
			Endpoint: "/v1/chat/completions",
			Model:    "gpt-4",
			Prompt:   "hello there",
		})
	}

	// Cancelling drains the buffer and flushes the final batch.
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := l.Written(); got != 10 {
		t.Errorf("Written = %d, want 10", got)
	}
	if got := l.Dropped(); got != 0 {
		t.Errorf("Dropped = %d, want 0", got)
	}

	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM prompt_log").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("rows = %d, want 10", n)
	}
}

func TestLogNeverBlocks(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "prompts.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	// Without Run draining, entries past the buffer must be dropped, not
	// block the caller.
	for i := 0; i < bufferSize+50; i++ {
		l.Log(Entry{Upstream: "openai", Endpoint: "/v1/completions", Prompt: "p"})
	}
	if got := l.Dropped(); got != 50 {
		t.Errorf("Dropped = %d, want 50", got)
	}
}

func TestEntryTimeDefaulted(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "prompts.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Log(Entry{Upstream: "anthropic", Endpoint: "/v1/messages", Prompt: "p"})
	e := <-l.ch
	if e.Time.IsZero() {
		t.Error("entry time was not defaulted")
	}
}
