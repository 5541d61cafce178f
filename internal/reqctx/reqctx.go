// Package reqctx carries the per-request bookkeeping record attached at
// ingress and consumed by downstream filters and collaborators.
package reqctx

import (
	"context"
	"net/url"
	"time"
)

// Context is the mutable per-request record. It is created exactly once per
// request, before any route handler runs, and lives for the request's
// processing lifetime. RetryCount is mutated only by the admission queue.
type Context struct {
	ID         string
	ReceivedAt time.Time
	RetryCount int

	// Body holds the parsed JSON body, when one was present and valid.
	Body map[string]any
	// Form holds the parsed form body, when one was present.
	Form url.Values
}

type ctxKey struct{}

// With attaches rc to the given context.
func With(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the request record, or nil when the initializer middleware did
// not run.
func From(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}
