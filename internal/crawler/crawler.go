// Package crawler implements the task function described in spec.md
// §4.7: per request, fetch from the queue, acquire a session, build a
// CrawlingContext, run it through the ContextPipeline and label Router,
// then record success or failure against Statistics and the session.
package crawler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crawlforge/crawlforge/internal/autoscale"
	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/ctxpipeline"
	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/requestlist"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/stats"
	"github.com/crawlforge/crawlforge/internal/storage"
)

// ErrorHandlerFunc observes a retryable failure before the request is
// reclaimed to the queue.
type ErrorHandlerFunc func(ctx context.Context, cc *CrawlingContext, err error)

// FailedRequestHandlerFunc observes a final (non-retryable or
// retries-exhausted) failure after the request is marked handled.
type FailedRequestHandlerFunc func(ctx context.Context, cc *CrawlingContext, err error)

// Options configures a Crawler.
type Options struct {
	Queue *requestqueue.RequestQueue
	// List, if set, is drained into Queue once at Run's start per
	// spec.md §4.2's list-feeds-the-queue rule.
	List *requestlist.RequestList

	SessionPool *session.Pool

	Pipeline *ctxpipeline.Pipeline
	Router   *Router

	Stats   *stats.Statistics
	KV      storage.KeyValueStore
	Dataset storage.Dataset
	Fetcher Fetcher

	Clock  events.Clock
	Logger *slog.Logger
	// Bus, if set, carries PersistState/Migrating/Aborting/SystemInfo
	// signals; RunPersistenceLoop subscribes to it.
	Bus *events.Bus

	// HandlerTimeout bounds the handler (default 60s); InternalTimeout
	// bounds queue/session operations (default 5m). The pool's per-task
	// context gets HandlerTimeout + InternalTimeout + a 10s buffer.
	HandlerTimeout    time.Duration
	InternalTimeout   time.Duration
	MaxRequestRetries int

	// PersistStateInterval bounds how often PersistState fires on its own
	// (default 60s, spec.md §9's "at least once per configured interval"
	// invariant). SafeMigrationWait bounds how long a Migrating event's
	// quiesce waits for in-flight tasks before giving up on them
	// (default 20s).
	PersistStateInterval time.Duration
	SafeMigrationWait    time.Duration

	// MaxRequestsPerCrawl caps the total number of requests dispatched
	// over the run (spec.md's maxRequestsPerCrawl). Zero means
	// unbounded.
	MaxRequestsPerCrawl int

	ErrorHandler         ErrorHandlerFunc
	FailedRequestHandler FailedRequestHandlerFunc

	// Pool carries the AutoscaledPool tuning (concurrency bounds,
	// interval overrides, MaxTasksPerMinute, Status). RunTask/IsReady/
	// IsFinished are set by Run regardless of what's passed here.
	Pool autoscale.Options
}

// Crawler drives one crawl: it owns the queue/list/session wiring and
// exposes RunTask as the AutoscaledPool's dispatch target.
type Crawler struct {
	opts   Options
	logger *slog.Logger
	clock  events.Clock
	state  *StateStore
}

// New builds a Crawler. Panics if Queue, Pipeline, or Router is nil —
// these are required collaborators, matching the teacher's
// fail-fast-on-missing-dependency convention.
func New(opts Options) *Crawler {
	if opts.Queue == nil {
		panic("crawler: Queue is required")
	}
	if opts.Pipeline == nil {
		panic("crawler: Pipeline is required")
	}
	if opts.Router == nil {
		panic("crawler: Router is required")
	}
	if opts.Clock == nil {
		opts.Clock = events.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 60 * time.Second
	}
	if opts.InternalTimeout <= 0 {
		opts.InternalTimeout = 5 * time.Minute
	}
	if opts.MaxRequestRetries <= 0 {
		opts.MaxRequestRetries = 3
	}
	if opts.PersistStateInterval <= 0 {
		opts.PersistStateInterval = 60 * time.Second
	}
	if opts.SafeMigrationWait <= 0 {
		opts.SafeMigrationWait = 20 * time.Second
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(stats.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher()
	}

	return &Crawler{
		opts:   opts,
		logger: opts.Logger.With("component", "crawler"),
		clock:  opts.Clock,
		state:  NewStateStore(opts.KV),
	}
}

// Run drains any configured RequestList into the queue, then drives an
// AutoscaledPool bound to c.RunTask/c.isReady/c.isFinished until the
// crawl completes, ctx is canceled, or a task reports a CriticalError.
// A background loop fires PersistState on PersistStateInterval and
// quiesces on a Migrating event, per spec.md §9.
func (c *Crawler) Run(ctx context.Context) error {
	poolOpts, err := c.Prepare(ctx)
	if err != nil {
		return err
	}
	pool := autoscale.New(poolOpts)

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go c.RunPersistenceLoop(loopCtx, pool)

	return pool.Run(ctx)
}

// RunPersistenceLoop fires PersistState on a fixed interval and, on a
// Migrating event from Bus, quiesces: it pauses pool dispatch for up to
// SafeMigrationWait so in-flight tasks finish or are reclaimed, then
// performs an expedited PersistState with IsMigrating=true. It returns
// when ctx is done. Run spawns this automatically; callers that
// assemble their own *autoscale.Pool around Prepare (e.g. pkg/crawlforge)
// should spawn it themselves alongside the pool.
func (c *Crawler) RunPersistenceLoop(ctx context.Context, pool *autoscale.Pool) {
	ticker := time.NewTicker(c.opts.PersistStateInterval)
	defer ticker.Stop()

	var migrating <-chan events.Event
	if c.opts.Bus != nil {
		migrating = c.opts.Bus.Subscribe(events.KindMigrating)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := c.PersistState(ctx); err != nil {
				c.logger.Warn("periodic PersistState failed", "error", err)
			}
			if c.opts.Bus != nil {
				c.opts.Bus.Emit(events.KindPersistState, events.PersistStatePayload{IsMigrating: false})
			}

		case <-migrating:
			c.logger.Info("migrating event received, quiescing", "safe_migration_wait", c.opts.SafeMigrationWait)
			if pool != nil {
				pool.Pause(c.opts.SafeMigrationWait)
			}
			if err := c.PersistState(ctx); err != nil {
				c.logger.Warn("migration PersistState failed", "error", err)
			}
			if c.opts.Bus != nil {
				c.opts.Bus.Emit(events.KindPersistState, events.PersistStatePayload{IsMigrating: true})
			}
		}
	}
}

// Prepare loads CRAWLEE_STATE, drains any configured RequestList into
// the queue, and returns the AutoscaledPool options bound to this
// Crawler's RunTask/isReady/isFinished. Callers that need direct access
// to the assembled *autoscale.Pool (e.g. to wire ListenForInterrupt
// before running it) call Prepare themselves instead of Run.
func (c *Crawler) Prepare(ctx context.Context) (autoscale.Options, error) {
	if err := c.state.Load(ctx); err != nil {
		c.logger.Warn("failed to load CRAWLEE_STATE, starting empty", "error", err)
	}

	if c.opts.List != nil {
		if err := c.drainList(ctx); err != nil {
			return autoscale.Options{}, err
		}
	}

	poolOpts := c.opts.Pool
	poolOpts.RunTask = c.RunTask
	poolOpts.IsReady = c.isReady
	poolOpts.IsFinished = c.isFinished
	poolOpts.MaxTaskCount = c.opts.MaxRequestsPerCrawl
	if poolOpts.Logger == nil {
		poolOpts.Logger = c.opts.Logger
	}
	return poolOpts, nil
}

// Stats exposes the Statistics tracker backing this crawl.
func (c *Crawler) Stats() *stats.Statistics { return c.opts.Stats }

// drainList implements spec.md §4.2's "when both a list and a queue are
// supplied, the list feeds the queue" rule: each list item is pushed to
// the queue forefront and marked handled in the list, so a restart never
// re-derives it from the list again.
func (c *Crawler) drainList(ctx context.Context) error {
	for {
		req, ok := c.opts.List.FetchNextRequest()
		if !ok {
			return nil
		}
		if _, err := c.opts.Queue.AddRequest(ctx, req, true); err != nil {
			c.opts.List.ReclaimRequest(req)
			return err
		}
		c.opts.List.MarkRequestHandled(req)
	}
}

func (c *Crawler) isReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	empty, err := c.opts.Queue.IsEmpty(ctx)
	if err != nil {
		c.logger.Warn("isReady check failed", "error", err)
		return false
	}
	return !empty
}

func (c *Crawler) isFinished() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished, err := c.opts.Queue.IsFinished(ctx)
	if err != nil {
		c.logger.Warn("isFinished check failed", "error", err)
		return false
	}
	return finished
}

// RunTask is the AutoscaledPool's RunTaskFunc: one full pass of spec.md
// §4.7 for a single dispatched request.
func (c *Crawler) RunTask(ctx context.Context) error {
	taskCtx, cancel := context.WithTimeout(ctx, c.opts.HandlerTimeout+c.opts.InternalTimeout+10*time.Second)
	defer cancel()

	fetchCtx, fetchCancel := context.WithTimeout(taskCtx, c.opts.InternalTimeout)
	req, ok, err := c.opts.Queue.FetchNextRequest(fetchCtx)
	fetchCancel()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return c.processRequest(taskCtx, req)
}

func (c *Crawler) processRequest(ctx context.Context, req *requests.Request) error {
	c.opts.Stats.StartJob(req.ID)

	var sess *session.Session
	if c.opts.SessionPool != nil {
		sess = c.opts.SessionPool.Get("")
		if sess == nil {
			return c.opts.Queue.ReclaimRequest(ctx, req, false)
		}
	}

	rc := ctxpipeline.NewContext(ctxpipeline.Extension{
		"id":      req.ID,
		"request": req,
		"session": sess,
	})
	caps := capabilities{
		queue:   c.opts.Queue,
		kv:      c.opts.KV,
		dataset: c.opts.Dataset,
		fetcher: c.opts.Fetcher,
		state:   c.state,
	}
	// Assigning a nil *session.Pool directly would produce a non-nil
	// interface holding a nil pointer; only set it when there's a real
	// pool to retire sessions against.
	if c.opts.SessionPool != nil {
		caps.sessions = c.opts.SessionPool
	}

	cc := &CrawlingContext{
		Context: rc,
		ID:      req.ID,
		Request: req,
		Session: sess,
		Log:     c.logger.With("request_id", req.ID),
		caps:    caps,
	}

	handlerCtx, hcancel := context.WithTimeout(ctx, c.opts.HandlerTimeout)
	defer hcancel()

	err := c.opts.Pipeline.Run(handlerCtx, rc, func(ctx context.Context, _ *ctxpipeline.Context) error {
		return c.opts.Router.Dispatch(ctx, cc)
	})

	if sess != nil {
		c.opts.SessionPool.Release(sess)
	}

	if err == nil {
		return c.handleSuccess(ctx, req, sess)
	}
	return c.handleFailure(ctx, req, sess, cc, err)
}

func (c *Crawler) handleSuccess(ctx context.Context, req *requests.Request, sess *session.Session) error {
	req.MarkHandled(c.clock.Now())
	if err := c.opts.Queue.MarkRequestHandled(ctx, req); err != nil {
		return err
	}
	c.opts.Stats.FinishJob(req.ID, 0)
	if sess != nil {
		sess.MarkGood()
	}
	return nil
}

func (c *Crawler) handleFailure(ctx context.Context, req *requests.Request, sess *session.Session, cc *CrawlingContext, failure error) error {
	if crawlerrors.IsCritical(failure) {
		return failure
	}

	if sess != nil && crawlerrors.IsSession(failure) {
		sess.Retire()
	}

	shouldRetry := !req.NoRetry && req.RetryCount < c.opts.MaxRequestRetries && !crawlerrors.IsNonRetryable(failure)
	if crawlerrors.IsRetryRequest(failure) {
		shouldRetry = true
	}

	if shouldRetry {
		c.opts.Stats.ErrorTrackerRetry.Add(stats.ClassifyError(failure, 1))
		if c.opts.ErrorHandler != nil {
			c.opts.ErrorHandler(ctx, cc, failure)
		}
		req.AppendError(failure.Error())
		c.opts.Stats.RecordRetry()
		if sess != nil {
			sess.MarkBad()
		}
		return c.opts.Queue.ReclaimRequest(ctx, req, false)
	}

	c.opts.Stats.ErrorTracker.Add(stats.ClassifyError(failure, 1))
	req.AppendError(failure.Error())
	req.MarkHandled(c.clock.Now())
	if err := c.opts.Queue.MarkRequestHandled(ctx, req); err != nil {
		return err
	}
	c.opts.Stats.FailJob(req.ID, 0)
	if c.opts.FailedRequestHandler != nil {
		c.opts.FailedRequestHandler(ctx, cc, failure)
	}
	if sess != nil {
		sess.MarkBad()
	}
	return nil
}

// PersistState flushes Statistics, the session pool, the request list,
// and CRAWLEE_STATE — the full set of periodically-persisted state
// spec.md §6 lists.
func (c *Crawler) PersistState(ctx context.Context) error {
	var errs []error
	if err := c.opts.Stats.PersistState(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.opts.SessionPool != nil {
		if err := c.opts.SessionPool.PersistState(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.opts.List != nil {
		if err := c.opts.List.PersistState(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.state.PersistState(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
