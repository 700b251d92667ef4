package autoscale

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/snapshot"
)

func TestDispatchNeverExceedsDesiredConcurrency(t *testing.T) {
	var inFlight, maxObserved atomic.Int64
	release := make(chan struct{})

	p := New(Options{
		MinConcurrency:     1,
		MaxConcurrency:     10,
		DesiredConcurrency: 3,
		RunTask: func(ctx context.Context) error {
			n := inFlight.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		},
	})

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(p.opts.MaxConcurrency)

	for i := 0; i < 5; i++ {
		p.dispatch(gctx, g)
	}
	if p.running.Load() != 3 {
		t.Fatalf("expected dispatch to cap in-flight at desired=3, got %d", p.running.Load())
	}

	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("g.Wait: %v", err)
	}
	if maxObserved.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent tasks, observed %d", maxObserved.Load())
	}
}

func TestDispatchStopsAtMaxTaskCount(t *testing.T) {
	var started atomic.Int64

	p := New(Options{
		MinConcurrency:     1,
		MaxConcurrency:     10,
		DesiredConcurrency: 10,
		MaxTaskCount:       3,
		RunTask: func(ctx context.Context) error {
			started.Add(1)
			return nil
		},
	})

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(p.opts.MaxConcurrency)

	for i := 0; i < 5; i++ {
		p.dispatch(gctx, g)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("g.Wait: %v", err)
	}

	if started.Load() != 3 {
		t.Fatalf("expected exactly 3 tasks dispatched before the cap, got %d", started.Load())
	}
	if !p.capReached() {
		t.Fatal("expected capReached to report true once MaxTaskCount is hit")
	}
}

func TestMaybeScaleUpIncreasesDesiredWhenIdleAndBusy(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	status := snapshot.New(snapshot.Options{Clock: clock}).Status()

	p := New(Options{
		MinConcurrency:     1,
		MaxConcurrency:     100,
		DesiredConcurrency: 10,
		Status:             status,
	})
	p.running.Store(10) // 100% of desired, well above the 0.9 threshold

	p.maybeScaleUp()

	if p.desired.Load() != 11 {
		t.Fatalf("expected desired to grow by ceil(5%%*10)=1 to 11, got %d", p.desired.Load())
	}
}

func TestMaybeScaleUpDoesNothingWhenNotBusyEnough(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	status := snapshot.New(snapshot.Options{Clock: clock}).Status()

	p := New(Options{
		MinConcurrency:     1,
		MaxConcurrency:     100,
		DesiredConcurrency: 10,
		Status:             status,
	})
	p.running.Store(5) // only 50% of desired

	p.maybeScaleUp()

	if p.desired.Load() != 10 {
		t.Fatalf("expected desired to stay at 10, got %d", p.desired.Load())
	}
}

func TestMaybeScaleDownDecreasesDesiredWhenOverloaded(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	s := snapshot.New(snapshot.Options{
		Clock:              clock,
		TotalMemoryBytes:   1, // force every sample overloaded
		MaxUsedMemoryRatio: 0.0001,
	})
	for i := 0; i < 5; i++ {
		s.SampleOnce()
	}

	p := New(Options{
		MinConcurrency:     2,
		MaxConcurrency:     100,
		DesiredConcurrency: 20,
		Status:             s.Status(),
	})

	p.maybeScaleDown()

	if p.desired.Load() != 19 {
		t.Fatalf("expected desired to shrink by ceil(5%%*20)=1 to 19, got %d", p.desired.Load())
	}
}

func TestMaybeScaleDownRespectsMinConcurrency(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	s := snapshot.New(snapshot.Options{
		Clock:              clock,
		TotalMemoryBytes:   1,
		MaxUsedMemoryRatio: 0.0001,
	})
	s.SampleOnce()

	p := New(Options{
		MinConcurrency:     5,
		MaxConcurrency:     100,
		DesiredConcurrency: 5,
		Status:             s.Status(),
	})

	p.maybeScaleDown()

	if p.desired.Load() != 5 {
		t.Fatalf("expected desired to stay at the floor of 5, got %d", p.desired.Load())
	}
}

func TestPauseWaitsForInFlightToDrain(t *testing.T) {
	p := New(Options{DesiredConcurrency: 1, MaxConcurrency: 1})
	p.running.Store(1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.running.Store(0)
	}()

	start := time.Now()
	p.Pause(time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("expected Pause to return promptly once running hit zero")
	}
	if !p.paused.Load() {
		t.Fatal("expected pool to be marked paused")
	}
}

func TestRunStopsOnceFinishedAndDrained(t *testing.T) {
	var dispatched atomic.Int64
	finished := make(chan struct{})

	p := New(Options{
		MinConcurrency:     1,
		MaxConcurrency:     5,
		DesiredConcurrency: 1,
		MaybeRunInterval:   5 * time.Millisecond,
		CompletionInterval: 10 * time.Millisecond,
		ScaleUpInterval:    time.Hour,
		ScaleDownInterval:  time.Hour,
		LoggingInterval:    time.Hour,
		IsReady: func() bool {
			return dispatched.Load() < 3
		},
		RunTask: func(ctx context.Context) error {
			dispatched.Add(1)
			return nil
		},
		IsFinished: func() bool {
			select {
			case <-finished:
				return true
			default:
				return false
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(finished)
	}()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.running.Load() != 0 {
		t.Fatalf("expected no in-flight tasks after Run returns, got %d", p.running.Load())
	}
}
