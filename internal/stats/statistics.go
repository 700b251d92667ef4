// Package stats implements Statistics & ErrorTracker (spec.md §4.8):
// per-job timing, a histogram of successes indexed by attempt count, and the two
// ErrorTracker instances (retry and final) errors flow into.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/storage"
)

const statsKeyPrefix = "SDK_CRAWLER_STATISTICS_"

// Options configures a Statistics instance.
type Options struct {
	// ID names this crawl run; the persistence key is
	// SDK_CRAWLER_STATISTICS_{ID}.
	ID string

	KV        storage.KeyValueStore
	Clock     events.Clock
	Logger    *slog.Logger
	Registrer prometheus.Registerer
}

// Statistics accumulates per-job timing and error counts for one crawl.
type Statistics struct {
	opts   Options
	clock  events.Clock
	logger *slog.Logger

	ErrorTrackerRetry *ErrorTracker
	ErrorTracker      *ErrorTracker

	mu sync.Mutex

	requestsFinished int64
	requestsFailed   int64
	requestsRetries  int64

	minFinished, maxFinished, totalFinished time.Duration
	minFailed, maxFailed, totalFailed       time.Duration

	statusCodes    map[int]int64
	retryHistogram []int64

	inProgress map[string]jobStart

	instanceStart time.Time

	metrics *prometheusMetrics
}

type jobStart struct {
	at       time.Time
	attempts int
}

// New builds a Statistics tracker.
func New(opts Options) *Statistics {
	if opts.Clock == nil {
		opts.Clock = events.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Statistics{
		opts:              opts,
		clock:             opts.Clock,
		logger:            opts.Logger.With("component", "statistics"),
		ErrorTrackerRetry: NewErrorTracker(),
		ErrorTracker:      NewErrorTracker(),
		statusCodes:       make(map[int]int64),
		inProgress:        make(map[string]jobStart),
		instanceStart:     opts.Clock.Now(),
	}
	if opts.Registrer != nil {
		s.metrics = newPrometheusMetrics(opts.Registrer, opts.ID)
	}
	return s
}

// StartJob records a job's start time and increments its attempt count.
// The Nth call for a given id (N starting at 1) is the Nth attempt, so
// a job that fails twice and succeeds on the third dispatch finishes
// with attempts==3.
func (s *Statistics) StartJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js := s.inProgress[id]
	js.attempts++
	js.at = s.clock.Now()
	s.inProgress[id] = js
}

// FinishJob accumulates a successful job's duration, updates min/max,
// and increments the histogram at the job's attempt count (1 for a
// first-try success, 3 for a success on the third dispatch).
func (s *Statistics) FinishJob(id string, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.inProgress[id]
	if !ok {
		js = jobStart{at: s.clock.Now(), attempts: 1}
	}
	delete(s.inProgress, id)

	dur := s.clock.Now().Sub(js.at)
	s.requestsFinished++
	s.totalFinished += dur
	if s.minFinished == 0 || dur < s.minFinished {
		s.minFinished = dur
	}
	if dur > s.maxFinished {
		s.maxFinished = dur
	}

	for len(s.retryHistogram) <= js.attempts {
		s.retryHistogram = append(s.retryHistogram, 0)
	}
	s.retryHistogram[js.attempts]++

	if statusCode != 0 {
		s.statusCodes[statusCode]++
	}

	if s.metrics != nil {
		s.metrics.requestsFinished.Inc()
		s.metrics.jobDuration.Observe(dur.Seconds())
	}
}

// FailJob accumulates a final-failure job's duration and updates min/max.
func (s *Statistics) FailJob(id string, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.inProgress[id]
	if !ok {
		js = jobStart{at: s.clock.Now(), attempts: 1}
	}
	delete(s.inProgress, id)

	dur := s.clock.Now().Sub(js.at)
	s.requestsFailed++
	s.totalFailed += dur
	if s.minFailed == 0 || dur < s.minFailed {
		s.minFailed = dur
	}
	if dur > s.maxFailed {
		s.maxFailed = dur
	}
	if statusCode != 0 {
		s.statusCodes[statusCode]++
	}

	if s.metrics != nil {
		s.metrics.requestsFailed.Inc()
	}
}

// RecordRetry increments the retry counter, called once per reclaimed
// (non-final) failure.
func (s *Statistics) RecordRetry() {
	s.mu.Lock()
	s.requestsRetries++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.requestsRetried.Inc()
	}
}

// Snapshot is the read-only view of Statistics' current counters.
type Snapshot struct {
	RequestsFinished int64
	RequestsFailed   int64
	RequestsRetries  int64
	MinFinished      time.Duration
	MaxFinished      time.Duration
	TotalFinished    time.Duration
	MinFailed        time.Duration
	MaxFailed        time.Duration
	TotalFailed      time.Duration
	StatusCodes      map[int]int64
	RetryHistogram   []int64
	InstanceStart    time.Time
}

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make(map[int]int64, len(s.statusCodes))
	for k, v := range s.statusCodes {
		codes[k] = v
	}
	return Snapshot{
		RequestsFinished: s.requestsFinished,
		RequestsFailed:   s.requestsFailed,
		RequestsRetries:  s.requestsRetries,
		MinFinished:      s.minFinished,
		MaxFinished:      s.maxFinished,
		TotalFinished:    s.totalFinished,
		MinFailed:        s.minFailed,
		MaxFailed:        s.maxFailed,
		TotalFailed:      s.totalFailed,
		StatusCodes:      codes,
		RetryHistogram:   append([]int64(nil), s.retryHistogram...),
		InstanceStart:    s.instanceStart,
	}
}

type persistedStatistics struct {
	RequestsFinished int64           `json:"requestsFinished"`
	RequestsFailed   int64           `json:"requestsFailed"`
	RequestsRetries  int64           `json:"requestsRetries"`
	MinFinishedNanos int64           `json:"minFinishedNanos"`
	MaxFinishedNanos int64           `json:"maxFinishedNanos"`
	TotalFinishedNanos int64         `json:"totalFinishedNanos"`
	MinFailedNanos   int64           `json:"minFailedNanos"`
	MaxFailedNanos   int64           `json:"maxFailedNanos"`
	TotalFailedNanos int64           `json:"totalFailedNanos"`
	StatusCodes      map[int]int64   `json:"statusCodes"`
	RetryHistogram   []int64         `json:"retryHistogram"`
	LastStartTimestamp time.Time     `json:"lastStartTimestamp"`
	PersistedAt      time.Time       `json:"persistedAt"`
}

// PersistState writes the current counters to the KV store under
// SDK_CRAWLER_STATISTICS_{ID}.
func (s *Statistics) PersistState(ctx context.Context) error {
	if s.opts.KV == nil {
		return nil
	}
	s.mu.Lock()
	now := s.clock.Now()
	state := persistedStatistics{
		RequestsFinished:   s.requestsFinished,
		RequestsFailed:     s.requestsFailed,
		RequestsRetries:    s.requestsRetries,
		MinFinishedNanos:   int64(s.minFinished),
		MaxFinishedNanos:   int64(s.maxFinished),
		TotalFinishedNanos: int64(s.totalFinished),
		MinFailedNanos:     int64(s.minFailed),
		MaxFailedNanos:     int64(s.maxFailed),
		TotalFailedNanos:   int64(s.totalFailed),
		StatusCodes:        s.statusCodes,
		RetryHistogram:     s.retryHistogram,
		LastStartTimestamp: s.instanceStart,
		PersistedAt:        now,
	}
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.opts.KV.SetValue(ctx, statsKeyPrefix+s.opts.ID, data)
}

// Resume reconstructs counters from a prior PersistState, shifting
// instanceStart by persistedAt - lastStartTimestamp so rate calculations
// (requests/sec since start) remain consistent across a restart.
func (s *Statistics) Resume(ctx context.Context) error {
	if s.opts.KV == nil {
		return nil
	}
	data, ok, err := s.opts.KV.GetValue(ctx, statsKeyPrefix+s.opts.ID)
	if err != nil || !ok {
		return err
	}
	var state persistedStatistics
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsFinished = state.RequestsFinished
	s.requestsFailed = state.RequestsFailed
	s.requestsRetries = state.RequestsRetries
	s.minFinished = time.Duration(state.MinFinishedNanos)
	s.maxFinished = time.Duration(state.MaxFinishedNanos)
	s.totalFinished = time.Duration(state.TotalFinishedNanos)
	s.minFailed = time.Duration(state.MinFailedNanos)
	s.maxFailed = time.Duration(state.MaxFailedNanos)
	s.totalFailed = time.Duration(state.TotalFailedNanos)
	if state.StatusCodes != nil {
		s.statusCodes = state.StatusCodes
	}
	s.retryHistogram = state.RetryHistogram

	elapsed := state.PersistedAt.Sub(state.LastStartTimestamp)
	s.instanceStart = s.clock.Now().Add(-elapsed)
	return nil
}
