// Package autoscale implements the AutoscaledPool described in spec.md
// §4.5: a single-threaded cooperative driver loop that dispatches
// independent task goroutines, scales desired concurrency up and down
// against a SystemStatus verdict, and honors a per-minute task-start
// budget and a pause/abort cancellation protocol.
package autoscale

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/snapshot"
)

// RunTaskFunc dispatches one unit of work. A returned *crawlerrors.CriticalError
// aborts the whole pool; any other error is logged and otherwise ignored —
// task-level retry policy lives in the caller (the crawler), not here.
type RunTaskFunc func(ctx context.Context) error

// IsTaskReadyFunc reports whether at least one task is available to run
// right now (e.g. the request queue is non-empty).
type IsTaskReadyFunc func() bool

// IsFinishedFunc reports whether the crawl is complete: no task is ready
// now and none will become ready later.
type IsFinishedFunc func() bool

// Options configures an AutoscaledPool.
type Options struct {
	MinConcurrency     int // default 1
	MaxConcurrency     int // default 200
	DesiredConcurrency int // default MinConcurrency

	MaybeRunInterval   time.Duration // default 500ms
	ScaleUpInterval    time.Duration // default 5s
	ScaleDownInterval  time.Duration // default 5s, independent timer from ScaleUpInterval
	LoggingInterval    time.Duration // default 60s
	CompletionInterval time.Duration // default 10s

	ScaleUpStepRatio   float64 // default 0.05
	ScaleDownStepRatio float64 // default 0.05

	// MaxTasksPerMinute limits task *starts* with a token bucket that
	// refills at MaxTasksPerMinute/60 tokens per second and holds at most
	// MaxTasksPerMinute tokens. Zero means unbounded. It is not a strict
	// sliding-window cap: a full bucket plus one minute of refill allows
	// up to twice MaxTasksPerMinute starts within a single 60s window.
	MaxTasksPerMinute float64

	// MaxTaskCount bounds the total number of tasks dispatched over the
	// pool's lifetime (spec.md's maxRequestsPerCrawl). Zero means
	// unbounded. Once reached, dispatch stops and the pool finishes as
	// soon as in-flight tasks drain.
	MaxTaskCount int

	// OverloadedRatioThreshold is the hasBeenOverloadedRecently
	// threshold that triggers a scale-down (maxEventLoopOverloadedRatio
	// in spec terms). Default 0.6.
	OverloadedRatioThreshold float64

	Status *snapshot.SystemStatus

	RunTask    RunTaskFunc
	IsReady    IsTaskReadyFunc
	IsFinished IsFinishedFunc

	Logger *slog.Logger
}

// Pool is the AutoscaledPool driver.
type Pool struct {
	opts   Options
	logger *slog.Logger

	desired    atomic.Int64
	running    atomic.Int64
	dispatched atomic.Int64

	limiter *rate.Limiter

	paused  atomic.Bool
	aborted atomic.Bool
}

// New builds a Pool from Options, applying spec defaults for every unset field.
func New(opts Options) *Pool {
	if opts.MinConcurrency <= 0 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 200
	}
	if opts.DesiredConcurrency <= 0 {
		opts.DesiredConcurrency = opts.MinConcurrency
	}
	if opts.MaybeRunInterval <= 0 {
		opts.MaybeRunInterval = 500 * time.Millisecond
	}
	if opts.ScaleUpInterval <= 0 {
		opts.ScaleUpInterval = 5 * time.Second
	}
	if opts.ScaleDownInterval <= 0 {
		opts.ScaleDownInterval = 5 * time.Second
	}
	if opts.LoggingInterval <= 0 {
		opts.LoggingInterval = 60 * time.Second
	}
	if opts.CompletionInterval <= 0 {
		opts.CompletionInterval = 10 * time.Second
	}
	if opts.ScaleUpStepRatio <= 0 {
		opts.ScaleUpStepRatio = 0.05
	}
	if opts.ScaleDownStepRatio <= 0 {
		opts.ScaleDownStepRatio = 0.05
	}
	if opts.OverloadedRatioThreshold <= 0 {
		opts.OverloadedRatioThreshold = 0.6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IsReady == nil {
		opts.IsReady = func() bool { return true }
	}
	if opts.IsFinished == nil {
		opts.IsFinished = func() bool { return false }
	}

	p := &Pool{
		opts:   opts,
		logger: opts.Logger.With("component", "autoscaled_pool"),
	}
	p.desired.Store(int64(opts.DesiredConcurrency))

	if opts.MaxTasksPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.MaxTasksPerMinute/60), int(math.Ceil(opts.MaxTasksPerMinute)))
	}
	return p
}

// Running returns the current number of in-flight tasks.
func (p *Pool) Running() int64 { return p.running.Load() }

// Desired returns the current desired concurrency target.
func (p *Pool) Desired() int64 { return p.desired.Load() }

// Run drives the pool until the crawl finishes, ctx is canceled, or a
// task reports a CriticalError — whichever happens first.
func (p *Pool) Run(ctx context.Context) error {
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	g, gctx := errgroup.WithContext(dispatchCtx)
	if p.opts.MaxConcurrency > 0 {
		g.SetLimit(p.opts.MaxConcurrency)
	}

	maybeRun := time.NewTicker(p.opts.MaybeRunInterval)
	scaleUp := time.NewTicker(p.opts.ScaleUpInterval)
	scaleDown := time.NewTicker(p.opts.ScaleDownInterval)
	logging := time.NewTicker(p.opts.LoggingInterval)
	completion := time.NewTicker(p.opts.CompletionInterval)
	defer maybeRun.Stop()
	defer scaleUp.Stop()
	defer scaleDown.Stop()
	defer logging.Stop()
	defer completion.Stop()

	finishing := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-gctx.Done():
			// A task returned a CriticalError (or ctx was canceled): stop
			// dispatching and surface the task's error once in-flight tasks exit.
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()

		case <-maybeRun.C:
			if finishing || p.paused.Load() || p.aborted.Load() {
				continue
			}
			p.dispatch(gctx, g)

		case <-scaleUp.C:
			p.maybeScaleUp()

		case <-scaleDown.C:
			p.maybeScaleDown()

		case <-logging.C:
			p.logStatus()

		case <-completion.C:
			if !finishing && (p.opts.IsFinished() || p.capReached()) {
				finishing = true
				p.logger.Info("completion check passed, draining in-flight tasks", "running", p.running.Load())
			}
			if finishing && p.running.Load() == 0 {
				return g.Wait()
			}
		}
	}
}

// dispatch probes readiness and fires as many task goroutines as the
// gap between running and desired allows, respecting the per-minute
// start budget.
func (p *Pool) dispatch(ctx context.Context, g *errgroup.Group) {
	for p.running.Load() < p.desired.Load() && p.opts.IsReady() && !p.capReached() {
		if p.limiter != nil && !p.limiter.Allow() {
			return
		}
		p.running.Add(1)
		p.dispatched.Add(1)
		g.Go(func() error {
			defer p.running.Add(-1)
			err := p.opts.RunTask(ctx)
			if err != nil && crawlerrors.IsCritical(err) {
				p.logger.Error("critical error, aborting pool", "error", err)
				return err
			}
			if err != nil {
				p.logger.Warn("task failed", "error", err)
			}
			return nil
		})
	}
}

// capReached reports whether MaxTaskCount tasks have already been
// dispatched (spec.md's maxRequestsPerCrawl). Always false when
// MaxTaskCount is zero (unbounded).
func (p *Pool) capReached() bool {
	return p.opts.MaxTaskCount > 0 && p.dispatched.Load() >= int64(p.opts.MaxTaskCount)
}

// maybeScaleUp implements spec.md §4.5 point 2.
func (p *Pool) maybeScaleUp() {
	if p.opts.Status == nil || p.paused.Load() || p.aborted.Load() {
		return
	}
	desired := p.desired.Load()
	running := p.running.Load()
	budgetOK := p.limiter == nil || p.limiter.Tokens() >= 1

	if p.opts.Status.IsSystemIdle() &&
		float64(running) >= 0.9*float64(desired) &&
		desired < int64(p.opts.MaxConcurrency) &&
		budgetOK {
		step := int64(math.Ceil(p.opts.ScaleUpStepRatio * float64(desired)))
		if step < 1 {
			step = 1
		}
		next := desired + step
		if next > int64(p.opts.MaxConcurrency) {
			next = int64(p.opts.MaxConcurrency)
		}
		p.desired.Store(next)
		p.opts.Status.MarkScaleChange(time.Now())
		p.logger.Info("scaling up", "from", desired, "to", next)
	}
}

// maybeScaleDown implements spec.md §4.5 point 3.
func (p *Pool) maybeScaleDown() {
	if p.opts.Status == nil || p.aborted.Load() {
		return
	}
	desired := p.desired.Load()

	if p.opts.Status.HasBeenOverloadedRecently(p.opts.OverloadedRatioThreshold) &&
		desired > int64(p.opts.MinConcurrency) {
		step := int64(math.Ceil(p.opts.ScaleDownStepRatio * float64(desired)))
		if step < 1 {
			step = 1
		}
		next := desired - step
		if next < int64(p.opts.MinConcurrency) {
			next = int64(p.opts.MinConcurrency)
		}
		p.desired.Store(next)
		p.opts.Status.MarkScaleChange(time.Now())
		p.logger.Info("scaling down", "from", desired, "to", next)
	}
}

func (p *Pool) logStatus() {
	p.logger.Info("autoscaled pool status",
		"running", p.running.Load(),
		"desired", p.desired.Load(),
		"min", p.opts.MinConcurrency,
		"max", p.opts.MaxConcurrency,
		"paused", p.paused.Load(),
	)
}

// Pause stops new dispatch and waits up to gracefulWait for in-flight
// tasks to drain. It returns once draining completes or the deadline
// passes, whichever is first; callers wanting a hard stop should follow
// up with Abort.
func (p *Pool) Pause(gracefulWait time.Duration) {
	p.paused.Store(true)
	p.logger.Info("pool paused", "graceful_wait", gracefulWait)

	deadline := time.After(gracefulWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.running.Load() == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// Resume reverses a prior Pause, unblocking the dispatch loop.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.logger.Info("pool resumed")
}

// Abort marks the pool aborted; the next dispatch probe becomes a no-op
// and Run's errgroup context is canceled once the driver loop observes
// ctx.Done via the caller canceling the context passed to Run.
func (p *Pool) Abort() {
	p.aborted.Store(true)
	p.logger.Warn("pool aborted")
}

// ListenForInterrupt wires SIGINT (os.Interrupt) to the spec's
// pause-then-abort protocol: the first signal pauses with gracefulWait,
// the second aborts immediately. SIGTERM is not handled. cancel should
// cancel the context passed to Run.
func ListenForInterrupt(p *Pool, gracefulWait time.Duration, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		p.logger.Info("received interrupt, pausing", "graceful_wait", gracefulWait)
		go p.Pause(gracefulWait)

		<-sigCh
		p.logger.Warn("received second interrupt, aborting")
		p.Abort()
		cancel()
	}()
}
