package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/ctxpipeline"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/storage"
)

// capabilities is the narrow back-reference object spec.md §9's cyclic
// reference risk calls for: a CrawlingContext holds exactly the
// collaborators its methods need (a narrowed request queue, the KV
// store, the dataset, the fetcher, the state store, and the session
// retirer) rather than the whole Crawler, so the active-contexts map and
// the crawler don't own each other.
type capabilities struct {
	queue    requestQueue
	kv       storage.KeyValueStore
	dataset  storage.Dataset
	fetcher  Fetcher
	state    *StateStore
	sessions blockedCodeRetirer
}

// requestQueue is the subset of *requestqueue.RequestQueue a
// CrawlingContext needs, kept as an interface so tests can stub it
// without standing up a full queue.
type requestQueue interface {
	BatchAddRequests(ctx context.Context, reqs []*requests.Request, forefront bool) (storage.BatchAddResult, error)
}

// blockedCodeRetirer is the subset of *session.Pool a CrawlingContext
// needs to implement spec.md §4.3's automatic session rotation on a
// blocked status code.
type blockedCodeRetirer interface {
	RetireOnBlockedStatusCodes(s *session.Session, code int) bool
}

// CrawlingContext is the open record assembled per request (spec.md
// §4.7 point 3): the base {id, request, session, log, enqueueLinks,
// sendRequest, useState, getKeyValueStore, pushData, addRequests} plus
// whatever fields pipeline middlewares merge in (response, body, ...).
type CrawlingContext struct {
	*ctxpipeline.Context

	ID      string
	Request *requests.Request
	Session *session.Session
	Log     *slog.Logger

	caps capabilities
}

// PushData appends one or more records to the configured Dataset.
func (cc *CrawlingContext) PushData(ctx context.Context, items ...any) error {
	if cc.caps.dataset == nil {
		return fmt.Errorf("crawler: pushData called with no Dataset configured")
	}
	return cc.caps.dataset.PushItems(ctx, items)
}

// AddRequests enqueues new requests discovered while handling this one.
func (cc *CrawlingContext) AddRequests(ctx context.Context, reqs []*requests.Request, forefront bool) error {
	_, err := cc.caps.queue.BatchAddRequests(ctx, reqs, forefront)
	return err
}

// EnqueueLinks is a thin convenience over AddRequests for plain URLs;
// extracting those URLs from a response body is a pipeline middleware's
// job (e.g. one built on an HTML-parsing library), not this package's.
func (cc *CrawlingContext) EnqueueLinks(ctx context.Context, urls []string, forefront bool) error {
	reqs := make([]*requests.Request, len(urls))
	for i, u := range urls {
		reqs[i] = requests.New(u)
	}
	return cc.AddRequests(ctx, reqs, forefront)
}

// SendRequest performs an out-of-band HTTP request through the
// configured Fetcher, for handlers that need to fetch something beyond
// the request already being processed (pagination, an API companion
// call, ...). If the response's status code is one of the session
// pool's blocked codes, the active session is retired (spec.md §4.3)
// and SendRequest returns a *crawlerrors.SessionError instead of the
// response, so the crawler's retry handling rotates sessions and
// reclaims the request.
func (cc *CrawlingContext) SendRequest(ctx context.Context, req *requests.Request) (*http.Response, error) {
	if cc.caps.fetcher == nil {
		return nil, fmt.Errorf("crawler: sendRequest called with no Fetcher configured")
	}
	resp, err := cc.caps.fetcher.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if cc.caps.sessions != nil && cc.Session != nil && cc.caps.sessions.RetireOnBlockedStatusCodes(cc.Session, resp.StatusCode) {
		resp.Body.Close()
		return nil, crawlerrors.Session(fmt.Errorf("blocked status code %d from %s", resp.StatusCode, req.URL))
	}
	return resp, nil
}

// GetKeyValueStore exposes the raw KV store for handlers needing
// ad hoc persistence beyond useState.
func (cc *CrawlingContext) GetKeyValueStore() storage.KeyValueStore { return cc.caps.kv }

// State returns the StateStore backing this crawl's useState/setState
// calls (see the package-level UseState/SetState functions).
func (cc *CrawlingContext) State() *StateStore { return cc.caps.state }
