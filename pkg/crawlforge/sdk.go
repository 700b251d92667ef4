// Package crawlforge is the public SDK for embedding the crawler engine
// as a library.
//
// Example usage:
//
//	cf := crawlforge.New(
//	    crawlforge.WithMinConcurrency(1),
//	    crawlforge.WithMaxConcurrency(50),
//	    crawlforge.WithSessionPool(true),
//	)
//
//	cf.Handle("product", func(ctx context.Context, cc *crawler.CrawlingContext) error {
//	    return cc.PushData(ctx, map[string]any{"url": cc.Request.URL})
//	})
//
//	cf.Default(func(ctx context.Context, cc *crawler.CrawlingContext) error {
//	    return cc.EnqueueLinks(ctx, discoverLinks(cc), false)
//	})
//
//	cf.AddRequests(ctx, "https://example.com")
//	cf.Run(ctx)
package crawlforge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/crawlforge/crawlforge/internal/autoscale"
	"github.com/crawlforge/crawlforge/internal/config"
	"github.com/crawlforge/crawlforge/internal/crawler"
	"github.com/crawlforge/crawlforge/internal/ctxpipeline"
	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/requestlist"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/snapshot"
	"github.com/crawlforge/crawlforge/internal/stats"
	"github.com/crawlforge/crawlforge/internal/storage"
)

// Crawler is the high-level API for using the engine as a library. It
// wires the RequestQueue, SessionPool, Snapshotter, ContextPipeline,
// Router, and AutoscaledPool into one runnable unit.
type Crawler struct {
	cfg    *config.Config
	logger *slog.Logger

	kv      storage.KeyValueStore
	dataset storage.Dataset
	queue   *requestqueue.RequestQueue
	list    *requestlist.RequestList
	sess    *session.Pool
	snap    *snapshot.Snapshotter
	bus     *events.Bus
	clock   events.Clock

	router      *crawler.Router
	middlewares []ctxpipeline.Middleware
	fetcher     crawler.Fetcher

	errorHandler         crawler.ErrorHandlerFunc
	failedRequestHandler crawler.FailedRequestHandlerFunc

	engine *crawler.Crawler
}

// Option configures a Crawler at construction time.
type Option func(*Crawler)

// WithMinConcurrency sets the AutoscaledPool's floor.
func WithMinConcurrency(n int) Option {
	return func(c *Crawler) { c.cfg.Pool.MinConcurrency = n }
}

// WithMaxConcurrency sets the AutoscaledPool's ceiling.
func WithMaxConcurrency(n int) Option {
	return func(c *Crawler) { c.cfg.Pool.MaxConcurrency = n }
}

// WithMaxRequestsPerMinute limits task starts with the AutoscaledPool's
// token bucket (see autoscale.Options.MaxTasksPerMinute); it is not a
// strict per-60s-window cap.
func WithMaxRequestsPerMinute(n float64) Option {
	return func(c *Crawler) { c.cfg.Pool.MaxRequestsPerMinute = n }
}

// WithMaxRequestRetries sets how many times a failed request is retried.
func WithMaxRequestRetries(n int) Option {
	return func(c *Crawler) { c.cfg.Request.MaxRequestRetries = n }
}

// WithMaxRequestsPerCrawl caps the total number of requests dispatched
// over the run. Zero (the default) means unbounded.
func WithMaxRequestsPerCrawl(n int) Option {
	return func(c *Crawler) { c.cfg.Request.MaxRequestsPerCrawl = n }
}

// WithRequestHandlerTimeout bounds each handler invocation.
func WithRequestHandlerTimeout(d time.Duration) Option {
	return func(c *Crawler) { c.cfg.Request.RequestHandlerTimeoutSecs = int(d.Seconds()) }
}

// WithSessionPool enables session-aware requests (cookies, blocked-code
// retirement, usage/error scoring).
func WithSessionPool(enabled bool) Option {
	return func(c *Crawler) { c.cfg.Session.UseSessionPool = enabled }
}

// WithKeyValueStore sets the KV store backing CRAWLEE_STATE, the request
// list's persisted state, and the session pool's checkpoint.
func WithKeyValueStore(kv storage.KeyValueStore) Option {
	return func(c *Crawler) { c.kv = kv }
}

// WithDataset sets the Dataset pushData writes to.
func WithDataset(ds storage.Dataset) Option {
	return func(c *Crawler) { c.dataset = ds }
}

// WithQueueClient overrides the RequestQueue's backing storage client
// (defaults to an in-memory client).
func WithQueueClient(client storage.RequestQueueClient) Option {
	return func(c *Crawler) { c.queue = requestqueue.New(requestqueue.Options{Client: client, Clock: c.clock, Logger: c.logger}) }
}

// WithFetcher overrides the HTTP fetcher CrawlingContext.SendRequest uses.
func WithFetcher(f crawler.Fetcher) Option {
	return func(c *Crawler) { c.fetcher = f }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *Crawler) { c.cfg.Logging.Level = "debug" }
}

// WithMiddleware appends a ContextPipeline middleware, run in
// registration order ahead of the router dispatch.
func WithMiddleware(mw ctxpipeline.Middleware) Option {
	return func(c *Crawler) { c.middlewares = append(c.middlewares, mw) }
}

// WithErrorHandler observes a retryable failure before the request is
// reclaimed.
func WithErrorHandler(h crawler.ErrorHandlerFunc) Option {
	return func(c *Crawler) { c.errorHandler = h }
}

// WithFailedRequestHandler observes a final failure after the request
// is marked handled.
func WithFailedRequestHandler(h crawler.FailedRequestHandlerFunc) Option {
	return func(c *Crawler) { c.failedRequestHandler = h }
}

// New builds a Crawler with the given options applied over
// config.DefaultConfig(). The session pool and snapshotter are not
// constructed until Run. The queue is built on an in-memory client
// before the options are applied, so WithQueueClient replaces it.
func New(opts ...Option) *Crawler {
	cfg := config.DefaultConfig()
	clock := events.SystemClock{}

	level := slog.LevelInfo
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	bus := events.New(logger)

	c := &Crawler{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		bus:     bus,
		kv:      storage.NewMemoryKeyValueStore(),
		dataset: storage.NewMemoryDataset(),
		router:  crawler.NewRouter(),
	}
	c.queue = requestqueue.New(requestqueue.Options{
		Client: storage.NewMemoryRequestQueueClient(),
		Clock:  clock,
		Logger: logger,
	})

	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.Logging.Level == "debug" {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return c
}

// Handle registers a handler for requests whose label matches label (see
// requests.Request.Label and crawler.Router).
func (c *Crawler) Handle(label string, h crawler.Handler) *Crawler {
	c.router.Handle(label, h)
	return c
}

// Default registers the handler used for requests with no matching label.
func (c *Crawler) Default(h crawler.Handler) *Crawler {
	c.router.Default(h)
	return c
}

// AddRequests enqueues one or more seed URLs ahead of Run.
func (c *Crawler) AddRequests(ctx context.Context, urls ...string) error {
	for _, u := range urls {
		if _, err := c.queue.AddRequest(ctx, requests.New(u), false); err != nil {
			return fmt.Errorf("crawlforge: add seed %q: %w", u, err)
		}
	}
	return nil
}

// UseRequestList configures a RequestList to seed (and, on restart,
// replay into) the queue. Per spec.md §4.2, the list feeds the queue
// once at Run's start; the queue is the durable source of truth after
// that.
func (c *Crawler) UseRequestList(name string, urls ...string) error {
	sources := make([]requestlist.Source, len(urls))
	for i, u := range urls {
		sources[i] = requestlist.Source{Request: requests.New(u)}
	}
	list := requestlist.New(requestlist.Options{Name: name, KV: c.kv, Logger: c.logger})
	if err := list.Initialize(context.Background(), sources); err != nil {
		return fmt.Errorf("crawlforge: initialize request list: %w", err)
	}
	c.list = list
	return nil
}

// Run assembles the SessionPool, Snapshotter, and Crawler from the
// configured options and drives them to completion via the
// AutoscaledPool, honoring SIGINT as a graceful-then-forced abort.
func (c *Crawler) Run(ctx context.Context) error {
	if c.cfg.Session.UseSessionPool && c.sess == nil {
		c.sess = session.New(session.Options{
			MaxPoolSize:   c.cfg.Session.MaxPoolSize,
			MaxUsageCount: c.cfg.Session.MaxUsageCount,
			MaxErrorScore: float64(c.cfg.Session.MaxErrorScore),
			KV:            c.kv,
			Bus:           c.bus,
			Clock:         c.clock,
			Logger:        c.logger,
		})
	}

	c.snap = snapshot.New(snapshot.Options{
		MaxUsedMemoryRatio: c.cfg.Snapshot.MaxUsedMemoryRatio,
		MaxBlockedMillis:   float64(c.cfg.Snapshot.MaxBlockedMillis),
		MaxClientErrorRate: c.cfg.Snapshot.MaxClientErrorRatio,
		Clock:              c.clock,
		Bus:                c.bus,
		Logger:             c.logger,
	})
	snapCtx, stopSnap := context.WithCancel(ctx)
	defer stopSnap()
	go c.snap.Run(snapCtx)

	pipeline := ctxpipeline.New(c.middlewares...)
	runStats := stats.New(stats.Options{KV: c.kv, Clock: c.clock, Logger: c.logger})

	c.engine = crawler.New(crawler.Options{
		Queue:                c.queue,
		List:                 c.list,
		SessionPool:          c.sess,
		Pipeline:             pipeline,
		Router:               c.router,
		Stats:                runStats,
		KV:                   c.kv,
		Dataset:              c.dataset,
		Fetcher:              c.fetcher,
		Clock:                c.clock,
		Logger:               c.logger,
		Bus:                  c.bus,
		HandlerTimeout:       time.Duration(c.cfg.Request.RequestHandlerTimeoutSecs) * time.Second,
		InternalTimeout:      c.cfg.InternalTimeout(),
		MaxRequestRetries:    c.cfg.Request.MaxRequestRetries,
		MaxRequestsPerCrawl:  c.cfg.Request.MaxRequestsPerCrawl,
		PersistStateInterval: time.Duration(c.cfg.Pool.PersistStateIntervalSecs) * time.Second,
		SafeMigrationWait:    time.Duration(c.cfg.Pool.SafeMigrationWaitMillis) * time.Millisecond,
		ErrorHandler:         c.errorHandler,
		FailedRequestHandler: c.failedRequestHandler,
		Pool: autoscale.Options{
			MinConcurrency:           c.cfg.Pool.MinConcurrency,
			MaxConcurrency:           c.cfg.Pool.MaxConcurrency,
			DesiredConcurrency:       c.cfg.Pool.DesiredConcurrency,
			MaybeRunInterval:         time.Duration(c.cfg.Pool.MaybeRunIntervalMillis) * time.Millisecond,
			ScaleUpInterval:          time.Duration(c.cfg.Pool.ScaleUpIntervalMillis) * time.Millisecond,
			ScaleDownInterval:        time.Duration(c.cfg.Pool.ScaleDownIntervalMillis) * time.Millisecond,
			LoggingInterval:          time.Duration(c.cfg.Pool.LoggingIntervalSecs) * time.Second,
			MaxTasksPerMinute:        c.cfg.Pool.MaxRequestsPerMinute,
			OverloadedRatioThreshold: c.cfg.Snapshot.MaxEventLoopOverloadedRatio,
			Status:                   c.snap.Status(),
			Logger:                   c.logger,
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolOpts, err := c.engine.Prepare(runCtx)
	if err != nil {
		return fmt.Errorf("crawlforge: prepare crawl: %w", err)
	}
	pool := autoscale.New(poolOpts)
	autoscale.ListenForInterrupt(pool, 30*time.Second, cancel)
	go c.engine.RunPersistenceLoop(runCtx, pool)

	return pool.Run(runCtx)
}

// Stats returns the current run's statistics snapshot, or the zero value
// before Run has started.
func (c *Crawler) Stats() stats.Snapshot {
	if c.engine == nil {
		return stats.Snapshot{}
	}
	return c.engine.Stats().Snapshot()
}
