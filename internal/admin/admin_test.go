package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/gatekeeper"
	"github.com/relaygate/relaygate/internal/keypool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	opts.Logger = testLogger()
	if opts.Key == "" {
		opts.Key = "admin-secret"
	}
	opts.BuildInfo = "abc1234 (main@acme/relaygate)"
	opts.StartedAt = time.Now()
	if opts.Pool == nil {
		opts.Pool = keypool.New()
		opts.Pool.Add("openai", "sk-1,sk-2")
	}
	return New(opts)
}

func adminReq(method, path, key string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(t, Options{})

	for _, key := range []string{"", "wrong-key"} {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, adminReq("GET", "/status", key, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, rec.Code)
		}
	}
}

func TestStatus(t *testing.T) {
	h := newTestHandler(t, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminReq("GET", "/status", "admin-secret", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["build"] != "abc1234 (main@acme/relaygate)" {
		t.Errorf("build = %v", body["build"])
	}
	if _, ok := body["keys"]; !ok {
		t.Error("status missing keys section")
	}
	if _, ok := body["queue"]; !ok {
		t.Error("status missing queue section")
	}
}

func TestKeysNeverExposeValues(t *testing.T) {
	h := newTestHandler(t, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminReq("GET", "/keys", "admin-secret", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-1") {
		t.Error("key material leaked through the admin surface")
	}
	var snap map[string]keypool.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap["openai"].Total != 2 {
		t.Errorf("openai total = %d, want 2", snap["openai"].Total)
	}
}

func TestTokenLifecycle(t *testing.T) {
	store, err := gatekeeper.OpenTokenStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	h := newTestHandler(t, Options{Tokens: store})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminReq("POST", "/tokens", "admin-secret",
		strings.NewReader(`{"note": "alice"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var issued map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}
	token := issued["token"]
	if token == "" {
		t.Fatal("no token in response")
	}
	if ok, _ := store.Authenticate(token); !ok {
		t.Error("issued token does not authenticate")
	}

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminReq("DELETE", "/tokens/"+token, "admin-secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if ok, _ := store.Authenticate(token); ok {
		t.Error("disabled token still authenticates")
	}
}

func TestTokensDisabledWithoutStore(t *testing.T) {
	h := newTestHandler(t, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, adminReq("POST", "/tokens", "admin-secret",
		strings.NewReader(`{"note": "x"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when the token store is off", rec.Code)
	}
}
