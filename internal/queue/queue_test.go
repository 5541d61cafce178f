package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/reqctx"
)

func TestDisabledAdmitsImmediately(t *testing.T) {
	q := New(ModeDisabled, 0)
	reached := false
	handler := q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))
	if !reached {
		t.Fatal("request did not reach the handler")
	}
	if got := q.Status().Admitted; got != 1 {
		t.Errorf("Admitted = %d, want 1", got)
	}
}

func TestConcurrencyLimitAndRetryCount(t *testing.T) {
	q := New(ModeConcurrency, 1)

	occupying := make(chan struct{})
	release := make(chan struct{})
	handler := q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(occupying)
		<-release
	}))

	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))
	<-occupying

	// Second request has to wait for the slot and must record the wait on
	// its retry counter.
	rc := &reqctx.Context{ID: "second", ReceivedAt: time.Now()}
	req := httptest.NewRequest("POST", "/x", nil)
	req = req.WithContext(reqctx.With(req.Context(), rc))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(httptest.NewRecorder(), req)
	}()

	waitFor(t, func() bool { return q.Status().Waiting == 1 })
	close(release)
	wg.Wait()

	if rc.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rc.RetryCount)
	}
	st := q.Status()
	if st.Waiting != 0 {
		t.Errorf("Waiting = %d, want 0", st.Waiting)
	}
	if st.Admitted != 2 {
		t.Errorf("Admitted = %d, want 2", st.Admitted)
	}
	if st.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", st.InFlight)
	}
}

func TestAbandonedWhileQueued(t *testing.T) {
	q := New(ModeConcurrency, 1)

	occupying := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(occupying)
		<-release
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))
	<-occupying

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/x", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("abandoned request reached the handler")
		})).ServeHTTP(rec, req)
		close(done)
	}()

	waitFor(t, func() bool { return q.Status().Waiting == 1 })
	cancel()
	<-done

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStatusCapacity(t *testing.T) {
	if got := New(ModeConcurrency, 7).Status().Capacity; got != 7 {
		t.Errorf("Capacity = %d, want 7", got)
	}
	if got := New(ModeDisabled, 7).Status().Capacity; got != 0 {
		t.Errorf("disabled Capacity = %d, want 0", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
