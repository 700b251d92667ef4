package crawler

import (
	"context"
	"fmt"
)

// Handler processes one request's CrawlingContext.
type Handler func(ctx context.Context, cc *CrawlingContext) error

// Router is the default label-router consumer spec.md §4.7 point 4
// describes: dispatch on request.userData.label to a registered
// handler, falling back to a default handler if set.
type Router struct {
	handlers map[string]Handler
	def      Handler
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for requests whose label equals label.
func (r *Router) Handle(label string, h Handler) *Router {
	r.handlers[label] = h
	return r
}

// Default registers the handler used when a request's label has no
// matching registration (including the empty label).
func (r *Router) Default(h Handler) *Router {
	r.def = h
	return r
}

// Dispatch runs the handler registered for cc.Request.Label(), or the
// default handler if none matches.
func (r *Router) Dispatch(ctx context.Context, cc *CrawlingContext) error {
	label := cc.Request.Label()
	if h, ok := r.handlers[label]; ok {
		return h(ctx, cc)
	}
	if r.def != nil {
		return r.def(ctx, cc)
	}
	return fmt.Errorf("crawler: no handler registered for label %q and no default handler", label)
}
