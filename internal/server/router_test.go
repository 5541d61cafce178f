package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/metrics"
)

func testRouter(buf *bytes.Buffer) http.Handler {
	logger := discardLogger()
	if buf != nil {
		logger = bufLogger(buf)
	}
	return NewRouter(Options{
		Logger:     logger,
		BuildInfo:  "abc1234 (main@acme/relaygate)",
		StartedAt:  time.Now(),
		QuietPaths: []string{"/health"},
		Metrics:    metrics.New(),
	})
}

func TestRouterInfoPage(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("info page is not JSON: %v", err)
	}
	if body["build"] != "abc1234 (main@acme/relaygate)" {
		t.Errorf("build = %v", body["build"])
	}
}

func TestRouterNotFound(t *testing.T) {
	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/no/such/route", nil),
		httptest.NewRequest("DELETE", "/", nil),
	} {
		rec := httptest.NewRecorder()
		testRouter(nil).ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", req.Method, req.URL.Path, rec.Code)
		}
		checkErrorBody(t, rec, "Not found")
	}
}

func TestRouterHealthQuiet(t *testing.T) {
	var buf bytes.Buffer
	router := testRouter(&buf)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("health body = %q, want empty", rec.Body.String())
	}
	if strings.Contains(buf.String(), "request completed") {
		t.Error("health check appeared in request log")
	}

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !strings.Contains(buf.String(), "request completed") {
		t.Error("info page missing from request log")
	}
}

func TestRouterCORS(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://client.example")
	rec := httptest.NewRecorder()
	testRouter(nil).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestRouterHealthHasRequestContext(t *testing.T) {
	// Even the health short-circuit must run after context init.
	rec := httptest.NewRecorder()
	testRouter(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("health response missing X-Request-ID, context init was bypassed")
	}
}
