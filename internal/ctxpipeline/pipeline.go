// Package ctxpipeline implements the ContextPipeline described in
// spec.md §4.6: an ordered list of middlewares, each contributing fields
// to a shared per-request context and an optional cleanup that runs in
// reverse registration order on every exit path.
package ctxpipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
)

// Extension is the set of fields a middleware's Action contributes to
// the shared Context.
type Extension map[string]any

// ActionFunc runs a middleware's setup step and returns the fields to
// merge into the context, or an error to abort the pipeline.
type ActionFunc func(ctx context.Context, rc *Context) (Extension, error)

// CleanupFunc runs on the way out, regardless of how the pipeline
// exited. err is the pipeline's terminal error, if any.
type CleanupFunc func(ctx context.Context, rc *Context, err error) error

// Middleware is one {action, cleanup?} pair. Name identifies it in
// wrapped InitializationErrors and logs.
type Middleware struct {
	Name    string
	Action  ActionFunc
	Cleanup CleanupFunc

	// AllowOverride lets this middleware's extension replace keys
	// already present in the context instead of the default
	// disjointness check.
	AllowOverride bool
}

// Context is the shared, growing set of fields a request's middlewares
// and final handler read and write: {id, request, session, log, ...}.
// Access is synchronized since a handler may spawn goroutines that read
// it concurrently with a later middleware's merge (there are none after
// the handler in the current pipeline, but cleanups run concurrently
// with nothing else touching it, so the lock is cheap insurance, not a
// load-bearing one).
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext seeds a Context with the base fields spec.md §4.7 point 3
// requires before any middleware runs.
func NewContext(seed Extension) *Context {
	values := make(map[string]any, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Context{values: values}
}

// Get returns a field and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set installs or replaces a single field directly, bypassing the
// disjointness check middleware merges enforce. Intended for the final
// handler's own bookkeeping (e.g. useState), not for middleware actions.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// merge installs extension's fields. Unless allowOverride, a key already
// present in the context is a programming error — two middlewares
// clobbering the same field silently would corrupt whichever one ran
// first.
func (c *Context) merge(ext Extension, allowOverride bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !allowOverride {
		for k := range ext {
			if _, exists := c.values[k]; exists {
				return fmt.Errorf("context field %q already set", k)
			}
		}
	}
	for k, v := range ext {
		c.values[k] = v
	}
	return nil
}

// ConsumerFunc is the final handler a Pipeline runs once every
// middleware's action has succeeded.
type ConsumerFunc func(ctx context.Context, rc *Context) error

// Pipeline is an ordered, immutable list of middlewares.
type Pipeline struct {
	middlewares []Middleware
}

// New builds a Pipeline that runs middlewares in the given order.
func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: append([]Middleware(nil), middlewares...)}
}

// Run executes the algorithm in spec.md §4.6: actions in order, merging
// each success and pushing its cleanup; on the first action failure (or
// once every action has succeeded and the consumer has run), unwind the
// cleanup stack LIFO and return the pipeline's terminal error.
func (p *Pipeline) Run(ctx context.Context, rc *Context, consumer ConsumerFunc) error {
	var ran []Middleware

	var terminal error
	for _, mw := range p.middlewares {
		ext, err := mw.Action(ctx, rc)
		if err != nil {
			terminal = classifyActionError(mw.Name, err)
			break
		}
		if err := rc.merge(ext, mw.AllowOverride); err != nil {
			terminal = classifyActionError(mw.Name, err)
			break
		}
		ran = append(ran, mw)
	}

	if terminal == nil {
		if err := consumer(ctx, rc); err != nil {
			if crawlerrors.IsSession(err) {
				terminal = err
			} else {
				terminal = &crawlerrors.HandlerError{Err: err}
			}
		}
	}

	return unwind(ctx, rc, ran, terminal)
}

// classifyActionError propagates a SessionError or InterruptedError
// unwrapped; anything else is wrapped so the caller can tell an
// initialization failure from a handler failure.
func classifyActionError(name string, err error) error {
	if crawlerrors.IsSession(err) || crawlerrors.IsInterrupted(err) {
		return err
	}
	return &crawlerrors.InitializationError{Middleware: name, Err: err}
}

// unwind runs cleanups in reverse registration order, aggregating any
// cleanup failures into a CleanupError that supersedes a plain
// terminal error but never overwrites a prior SessionError.
func unwind(ctx context.Context, rc *Context, ran []Middleware, terminal error) error {
	var cleanupErrs []error
	for i := len(ran) - 1; i >= 0; i-- {
		mw := ran[i]
		if mw.Cleanup == nil {
			continue
		}
		if err := mw.Cleanup(ctx, rc, terminal); err != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("%s: %w", mw.Name, err))
		}
	}

	if crawlerrors.IsSession(terminal) {
		return terminal
	}
	if cleanupErr := crawlerrors.NewCleanupError(cleanupErrs...); cleanupErr != nil {
		return cleanupErr
	}
	return terminal
}
