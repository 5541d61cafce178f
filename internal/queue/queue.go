// Package queue gates admission of proxy requests. The current policy is a
// fixed-capacity concurrency limit; requests beyond capacity wait for a slot.
package queue

import (
	"net/http"
	"sync/atomic"

	"github.com/relaygate/relaygate/internal/reqctx"
)

// Mode selects the admission policy.
type Mode string

const (
	// ModeDisabled admits everything immediately.
	ModeDisabled Mode = "disabled"
	// ModeConcurrency admits up to N requests at a time.
	ModeConcurrency Mode = "concurrency"
)

// Queue is the admission gate shared by all proxy requests.
type Queue struct {
	mode     Mode
	slots    chan struct{}
	waiting  atomic.Int64
	inFlight atomic.Int64
	admitted atomic.Int64
}

// Status is a point-in-time snapshot for the queue-status endpoint.
type Status struct {
	Mode     Mode  `json:"mode"`
	Capacity int   `json:"capacity"`
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
	Admitted int64 `json:"admitted"`
}

// New builds a queue. Concurrency is ignored unless mode is
// ModeConcurrency.
func New(mode Mode, concurrency int) *Queue {
	q := &Queue{mode: mode}
	if mode == ModeConcurrency {
		q.slots = make(chan struct{}, concurrency)
	}
	return q
}

// Middleware applies the admission policy. A request that cannot be admitted
// immediately waits for a slot; waiting bumps the request's retry counter,
// which is this package's only write to the request record. A client that
// goes away while waiting gets a 503.
func (q *Queue) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q.mode != ModeConcurrency {
			q.admitted.Add(1)
			next.ServeHTTP(w, r)
			return
		}

		select {
		case q.slots <- struct{}{}:
		default:
			// No free slot: wait.
			if rc := reqctx.From(r.Context()); rc != nil {
				rc.RetryCount++
			}
			q.waiting.Add(1)
			select {
			case q.slots <- struct{}{}:
				q.waiting.Add(-1)
			case <-r.Context().Done():
				q.waiting.Add(-1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error": "Request abandoned while queued"}`))
				return
			}
		}

		q.admitted.Add(1)
		q.inFlight.Add(1)
		defer func() {
			q.inFlight.Add(-1)
			<-q.slots
		}()
		next.ServeHTTP(w, r)
	})
}

// Status snapshots the queue counters.
func (q *Queue) Status() Status {
	s := Status{
		Mode:     q.mode,
		InFlight: q.inFlight.Load(),
		Waiting:  q.waiting.Load(),
		Admitted: q.admitted.Load(),
	}
	if q.slots != nil {
		s.Capacity = cap(q.slots)
	}
	return s
}
