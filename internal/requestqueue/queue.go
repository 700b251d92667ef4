// Package requestqueue implements the RequestQueue described in spec.md
// §4.1: a deduplicated, lockable, forefront-priority work queue backed by
// a storage.RequestQueueClient. Order numbers are assigned by the storage
// client; a bounded LRU head cache avoids round-tripping to
// the backing store on every fetchNextRequest call, the way the
// teacher's Frontier avoids re-locking on every Pop.
package requestqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sony/gobreaker"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/storage"
)

const (
	defaultHeadCacheSize = 1000
	defaultLockSecs      = 180
)

// Options configures a RequestQueue.
type Options struct {
	// Client is the backing store. Required.
	Client storage.RequestQueueClient

	Clock  events.Clock
	Logger *slog.Logger

	// HeadCacheSize bounds the in-memory head cache (default 1000).
	HeadCacheSize int

	// HandlerTimeout sizes the internal retry timeout: the internal
	// timeout is max(2*HandlerTimeout, 5m) per spec.md §4.1.
	HandlerTimeout time.Duration

	// LockSecs is how long a fetched request's lock lasts before it is
	// eligible for reclamation by another worker (default 180s).
	LockSecs int
}

// RequestQueue is a deduplicated, lockable, priority work queue.
type RequestQueue struct {
	client storage.RequestQueueClient
	clock  events.Clock
	logger *slog.Logger

	lockSecs int
	headCacheSize int
	internalTimeout time.Duration

	headCache *lru.Cache
	breaker   *gobreaker.CircuitBreaker

	mu             sync.Mutex
	assumedTotal   int
	assumedHandled int
}

// New builds a RequestQueue. Panics if opts.Client is nil, matching the
// teacher's convention of failing fast on missing required dependencies.
func New(opts Options) *RequestQueue {
	if opts.Client == nil {
		panic("requestqueue: Client is required")
	}
	if opts.Clock == nil {
		opts.Clock = events.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeadCacheSize <= 0 {
		opts.HeadCacheSize = defaultHeadCacheSize
	}
	if opts.LockSecs <= 0 {
		opts.LockSecs = defaultLockSecs
	}

	internalTimeout := 2 * opts.HandlerTimeout
	if internalTimeout < 5*time.Minute {
		internalTimeout = 5 * time.Minute
	}

	cache, err := lru.New(opts.HeadCacheSize)
	if err != nil {
		panic(err)
	}

	logger := opts.Logger.With("component", "request_queue")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "request_queue_client",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	return &RequestQueue{
		client:          opts.Client,
		clock:           opts.Clock,
		logger:          logger,
		lockSecs:        opts.LockSecs,
		headCacheSize:   opts.HeadCacheSize,
		internalTimeout: internalTimeout,
		headCache:       cache,
		breaker:         cb,
	}
}

// AddRequest enqueues a single request, returning whether it was already
// present (and if so, whether it was already handled).
func (q *RequestQueue) AddRequest(ctx context.Context, req *requests.Request, forefront bool) (storage.AddRequestResult, error) {
	opts := storage.AddRequestOpts{Forefront: forefront}
	res, err := callWithRetry(q, ctx, "AddRequest", func(ctx context.Context) (storage.AddRequestResult, error) {
		return q.client.AddRequest(ctx, req, opts)
	})
	if err != nil {
		return storage.AddRequestResult{}, err
	}
	q.mu.Lock()
	if !res.WasAlreadyPresent {
		q.assumedTotal++
	}
	q.mu.Unlock()
	return res, nil
}

// BatchAddRequests enqueues many requests in one round trip.
func (q *RequestQueue) BatchAddRequests(ctx context.Context, reqs []*requests.Request, forefront bool) (storage.BatchAddResult, error) {
	opts := storage.AddRequestOpts{Forefront: forefront}
	res, err := callWithRetry(q, ctx, "BatchAddRequests", func(ctx context.Context) (storage.BatchAddResult, error) {
		return q.client.BatchAddRequests(ctx, reqs, opts)
	})
	if err != nil {
		return storage.BatchAddResult{}, err
	}
	q.mu.Lock()
	q.assumedTotal += len(res.Processed) - countAlreadyPresent(res.Processed)
	q.mu.Unlock()
	return res, nil
}

func countAlreadyPresent(results []storage.AddRequestResult) int {
	n := 0
	for _, r := range results {
		if r.WasAlreadyPresent {
			n++
		}
	}
	return n
}

// FetchNextRequest locks and returns the highest-priority unhandled
// request, or (nil, false) if the queue's head is currently empty.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*requests.Request, bool, error) {
	if cached, ok := q.popCache(); ok {
		return cached, true, nil
	}

	res, err := callWithRetry(q, ctx, "ListAndLockHead", func(ctx context.Context) (storage.ListHeadResult, error) {
		return q.client.ListAndLockHead(ctx, q.headCacheSize, q.lockSecs)
	})
	if err != nil {
		return nil, false, err
	}
	if len(res.Items) == 0 {
		return nil, false, nil
	}

	next := res.Items[0]
	for _, r := range res.Items[1:] {
		q.headCache.Add(r.ID, r)
	}
	return next, true, nil
}

func (q *RequestQueue) popCache() (*requests.Request, bool) {
	keys := q.headCache.Keys()
	if len(keys) == 0 {
		return nil, false
	}
	key := keys[0]
	v, ok := q.headCache.Get(key)
	if !ok {
		return nil, false
	}
	q.headCache.Remove(key)
	return v.(*requests.Request), true
}

// MarkRequestHandled stamps the request handled and persists it. If
// req.HandledAt is not already set, it is set to the queue clock's Now.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, req *requests.Request) error {
	if !req.IsHandled() {
		req.MarkHandled(q.clock.Now())
	}
	_, err := callWithRetry(q, ctx, "MarkRequestHandled", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.client.UpdateRequest(ctx, req, storage.AddRequestOpts{})
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.assumedHandled++
	q.mu.Unlock()
	return nil
}

// ReclaimRequest releases a request's lock back to the queue without
// marking it handled, optionally moving it to the forefront for an
// immediate retry.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *requests.Request, forefront bool) error {
	_, err := callWithRetry(q, ctx, "DeleteRequestLock", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.client.DeleteRequestLock(ctx, req.ID, forefront)
	})
	return err
}

// ProlongRequestLock extends a fetched request's lock, used by handlers
// that expect to run longer than the default lock window.
func (q *RequestQueue) ProlongRequestLock(ctx context.Context, req *requests.Request) error {
	_, err := callWithRetry(q, ctx, "ProlongRequestLock", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.client.ProlongRequestLock(ctx, req.ID, q.lockSecs, false)
	})
	return err
}

// GetRequest fetches a request by ID without affecting its lock state.
func (q *RequestQueue) GetRequest(ctx context.Context, id string) (*requests.Request, bool, error) {
	type result struct {
		req *requests.Request
		ok  bool
	}
	res, err := callWithRetry(q, ctx, "GetRequest", func(ctx context.Context) (result, error) {
		r, ok, err := q.client.GetRequest(ctx, id)
		return result{req: r, ok: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.req, res.ok, nil
}

// IsEmpty reports whether the head cache is empty and the client's
// ListHead returns no unhandled request. Whether locked requests count
// depends on the client's ListHead; the in-memory client includes them.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	if q.headCache.Len() > 0 {
		return false, nil
	}
	res, err := callWithRetry(q, ctx, "ListHead", func(ctx context.Context) (storage.ListHeadResult, error) {
		return q.client.ListHead(ctx, 1)
	})
	if err != nil {
		return false, err
	}
	return len(res.Items) == 0, nil
}

// IsFinished reports whether the queue is empty and no requests remain
// in flight (fetched but not yet handled or reclaimed).
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	empty, err := q.IsEmpty(ctx)
	if err != nil || !empty {
		return false, err
	}
	q.mu.Lock()
	inFlight := q.assumedTotal > q.assumedHandled
	q.mu.Unlock()
	return !inFlight, nil
}

// callWithRetry wraps a backing-store call with bounded exponential
// backoff and a circuit breaker. Three consecutive failures trip the
// breaker, which is surfaced to the caller as a CriticalError so the
// autoscaled pool can abort instead of spinning forever. Go methods
// cannot carry their own type parameters, so this is a package-level
// function taking the queue explicitly.
func callWithRetry[T any](q *RequestQueue, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	bo := backoff.WithContext(newBackoff(q.internalTimeout), ctx)

	var result T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		v, callErr := q.breaker.Execute(func() (any, error) {
			return fn(ctx)
		})
		if callErr != nil {
			return callErr
		}
		result = v.(T)
		return nil
	}, bo, func(err error, wait time.Duration) {
		q.logger.Warn("request queue operation failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, crawlerrors.Critical(err)
		}
		return zero, crawlerrors.Timeout(op, err)
	}
	return result, nil
}

func newBackoff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}
