// Package snapshot implements the Snapshotter and SystemStatus described
// in spec.md §4.4: fixed-interval sampling of memory, event-loop lag,
// CPU, and client error rate, reduced to a rolling overloaded-ratio
// verdict the AutoscaledPool scales on.
package snapshot

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlforge/crawlforge/internal/events"
)

// Sample is one Snapshotter reading: {createdAt, isOverloaded} plus the
// raw measurements that produced the verdict.
type Sample struct {
	CreatedAt       time.Time
	IsOverloaded    bool
	MemUsedRatio    float64
	EventLoopLagMs  float64
	CPUUsage        float64
	ClientErrorRate float64
}

// Options configures a Snapshotter.
type Options struct {
	Interval time.Duration // default 1s

	MaxUsedMemoryRatio float64 // default 0.7
	MaxBlockedMillis   float64 // default 50
	MaxClientErrorRate float64 // default 0.01

	// TotalMemoryBytes is the denominator for MemUsedRatio. Defaults to
	// a conservative 1 GiB when unset, since the Go runtime has no
	// portable way to read total system memory without an external
	// dependency; callers on constrained hosts should set this from
	// their own cgroup/container limit.
	TotalMemoryBytes uint64

	RetentionWindow time.Duration // how long samples are kept, default 10m

	Clock  events.Clock
	Bus    *events.Bus
	Logger *slog.Logger
}

// Snapshotter samples system load at a fixed interval and feeds each
// Sample into a SystemStatus and, if configured, the event bus.
type Snapshotter struct {
	opts   Options
	clock  events.Clock
	logger *slog.Logger
	status *SystemStatus

	requestsTotal atomic.Int64
	requestsErred atomic.Int64

	lastGCFraction float64
}

// New builds a Snapshotter with its own SystemStatus.
func New(opts Options) *Snapshotter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxUsedMemoryRatio <= 0 {
		opts.MaxUsedMemoryRatio = 0.7
	}
	if opts.MaxBlockedMillis <= 0 {
		opts.MaxBlockedMillis = 50
	}
	if opts.MaxClientErrorRate <= 0 {
		opts.MaxClientErrorRate = 0.01
	}
	if opts.TotalMemoryBytes == 0 {
		opts.TotalMemoryBytes = 1 << 30
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = events.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Snapshotter{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "snapshotter"),
		status: newSystemStatus(opts.Clock, opts.RetentionWindow),
	}
}

// Status returns the SystemStatus this Snapshotter feeds.
func (s *Snapshotter) Status() *SystemStatus { return s.status }

// RecordRequestResult feeds the client error rate measurement: callers
// report whether each completed request's response was an error
// (non-2xx or a transport failure).
func (s *Snapshotter) RecordRequestResult(isError bool) {
	s.requestsTotal.Add(1)
	if isError {
		s.requestsErred.Add(1)
	}
}

// Run samples at Options.Interval until ctx is canceled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce takes a single reading immediately, outside the Run ticker
// loop. Exported so callers (and the autoscaled pool's tests) can force a
// deterministic sample without waiting on Options.Interval.
func (s *Snapshotter) SampleOnce() {
	sample := Sample{
		CreatedAt:       s.clock.Now(),
		MemUsedRatio:    s.sampleMemory(),
		EventLoopLagMs:  s.sampleEventLoopLag(),
		CPUUsage:        s.sampleCPU(),
		ClientErrorRate: s.sampleClientErrorRate(),
	}
	sample.IsOverloaded = sample.MemUsedRatio > s.opts.MaxUsedMemoryRatio ||
		sample.EventLoopLagMs > s.opts.MaxBlockedMillis ||
		sample.ClientErrorRate > s.opts.MaxClientErrorRate

	s.status.record(sample)

	if s.opts.Bus != nil {
		s.opts.Bus.Emit(events.KindSystemInfo, events.SystemInfoPayload{
			IsOverloaded:    sample.IsOverloaded,
			MemCurrentBytes: int64(sample.MemUsedRatio * float64(s.opts.TotalMemoryBytes)),
			CPUUsage:        sample.CPUUsage,
			EventLoopLagMs:  sample.EventLoopLagMs,
			ClientErrorRate: sample.ClientErrorRate,
		})
	}
}

func (s *Snapshotter) sampleMemory() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / float64(s.opts.TotalMemoryBytes)
}

// sampleEventLoopLag measures scheduler responsiveness: it schedules a
// short timer and reports how much longer than requested it took to
// fire, the Go analogue of Node's event-loop-lag probe.
func (s *Snapshotter) sampleEventLoopLag() float64 {
	const probe = 5 * time.Millisecond
	start := time.Now()
	<-time.After(probe)
	actual := time.Since(start)
	lag := actual - probe
	if lag < 0 {
		lag = 0
	}
	return float64(lag.Milliseconds())
}

// sampleCPU approximates load using the change, since the last sample, in
// the runtime's GCCPUFraction (the share of CPU time spent in garbage
// collection since the process started), the only CPU-load proxy
// available from the standard library without
// pulling in a host-stats dependency absent from the example corpus.
func (s *Snapshotter) sampleCPU() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	delta := m.GCCPUFraction - s.lastGCFraction
	s.lastGCFraction = m.GCCPUFraction
	if delta < 0 {
		delta = m.GCCPUFraction
	}
	return delta
}

func (s *Snapshotter) sampleClientErrorRate() float64 {
	total := s.requestsTotal.Swap(0)
	erred := s.requestsErred.Swap(0)
	if total == 0 {
		return 0
	}
	return float64(erred) / float64(total)
}

// SystemStatus reduces a Snapshotter's rolling samples into the
// isSystemIdle / hasBeenOverloadedRecently verdicts the AutoscaledPool
// scales on.
type SystemStatus struct {
	mu              sync.Mutex
	samples         []Sample
	lastScaleChange time.Time
	clock           events.Clock
	retention       time.Duration
}

func newSystemStatus(clock events.Clock, retention time.Duration) *SystemStatus {
	return &SystemStatus{clock: clock, retention: retention, lastScaleChange: clock.Now()}
}

func (s *SystemStatus) record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	cutoff := sample.CreatedAt.Add(-s.retention)
	i := 0
	for i < len(s.samples) && s.samples[i].CreatedAt.Before(cutoff) {
		i++
	}
	s.samples = s.samples[i:]
}

// MarkScaleChange resets the "since last scale change" window used by
// HasBeenOverloadedRecently.
func (s *SystemStatus) MarkScaleChange(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScaleChange = now
}

// OverloadRatio returns the fraction of samples within [now-window, now]
// whose IsOverloaded verdict was true.
func (s *SystemStatus) OverloadRatio(since time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, overloaded := 0, 0
	for _, sample := range s.samples {
		if sample.CreatedAt.Before(since) {
			continue
		}
		total++
		if sample.IsOverloaded {
			overloaded++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(overloaded) / float64(total)
}

// IsSystemIdle reports whether no sample in the last 5 seconds was
// overloaded.
func (s *SystemStatus) IsSystemIdle() bool {
	now := s.clock.Now()
	return s.OverloadRatio(now.Add(-5*time.Second)) == 0
}

// HasBeenOverloadedRecently reports whether the overload ratio since the
// last scale change exceeds threshold (the pool's
// maxEventLoopOverloadedRatio).
func (s *SystemStatus) HasBeenOverloadedRecently(threshold float64) bool {
	s.mu.Lock()
	since := s.lastScaleChange
	s.mu.Unlock()
	return s.OverloadRatio(since) > threshold
}
