package crawler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/ctxpipeline"
	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/stats"
	"github.com/crawlforge/crawlforge/internal/storage"
)

func newTestCrawler(t *testing.T, router *Router, pipeline *ctxpipeline.Pipeline) (*Crawler, *requestqueue.RequestQueue) {
	t.Helper()
	clock := events.NewFixedClock(time.Unix(0, 0))
	client := storage.NewMemoryRequestQueueClient()
	queue := requestqueue.New(requestqueue.Options{Client: client, Clock: clock})

	if pipeline == nil {
		pipeline = ctxpipeline.New()
	}

	c := New(Options{
		Queue:    queue,
		Pipeline: pipeline,
		Router:   router,
		Stats:    stats.New(stats.Options{Clock: clock}),
		Clock:    clock,
	})
	return c, queue
}

func TestProcessRequestSuccessMarksHandledAndScoresStats(t *testing.T) {
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return nil })
	c, queue := newTestCrawler(t, router, nil)

	req := requests.New("https://example.com/a")
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.RunTask(context.Background()); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, ok, err := queue.GetRequest(context.Background(), req.ID)
	if err != nil || !ok {
		t.Fatalf("GetRequest: ok=%v err=%v", ok, err)
	}
	if !got.IsHandled() {
		t.Fatal("expected the request to be marked handled after a successful handler")
	}
	if c.opts.Stats.Snapshot().RequestsFinished != 1 {
		t.Fatalf("expected 1 finished job, got %d", c.opts.Stats.Snapshot().RequestsFinished)
	}
}

func TestProcessRequestRetriesOnTransientFailure(t *testing.T) {
	boom := errors.New("network blip")
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return boom })
	c, queue := newTestCrawler(t, router, nil)

	req := requests.New("https://example.com/b")
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.RunTask(context.Background()); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, ok, err := queue.GetRequest(context.Background(), req.ID)
	if err != nil || !ok {
		t.Fatalf("GetRequest: ok=%v err=%v", ok, err)
	}
	if got.IsHandled() {
		t.Fatal("expected a retryable failure to leave the request unhandled")
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retryCount=1 after one failure, got %d", got.RetryCount)
	}
}

func TestProcessRequestFinalFailureAfterMaxRetries(t *testing.T) {
	boom := errors.New("still broken")
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return boom })
	c, queue := newTestCrawler(t, router, nil)
	c.opts.MaxRequestRetries = 1

	req := requests.New("https://example.com/c")
	req.RetryCount = 1 // already exhausted the single allowed retry
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.RunTask(context.Background()); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, ok, err := queue.GetRequest(context.Background(), req.ID)
	if err != nil || !ok {
		t.Fatalf("GetRequest: ok=%v err=%v", ok, err)
	}
	if !got.IsHandled() {
		t.Fatal("expected retries-exhausted to mark the request handled (final failure)")
	}
	if c.opts.Stats.Snapshot().RequestsFailed != 1 {
		t.Fatalf("expected 1 failed job, got %d", c.opts.Stats.Snapshot().RequestsFailed)
	}
}

func TestProcessRequestNonRetryableFailsImmediately(t *testing.T) {
	nonRetryable := crawlerrors.NonRetryable(errors.New("bad request, do not retry"))
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return nonRetryable })
	c, queue := newTestCrawler(t, router, nil)

	req := requests.New("https://example.com/d")
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.RunTask(context.Background()); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, ok, err := queue.GetRequest(context.Background(), req.ID)
	if err != nil || !ok {
		t.Fatalf("GetRequest: ok=%v err=%v", ok, err)
	}
	if !got.IsHandled() {
		t.Fatal("expected a NonRetryableError to fail immediately regardless of retryCount")
	}
}

func TestProcessRequestCriticalErrorPropagates(t *testing.T) {
	critical := crawlerrors.Critical(errors.New("storage circuit open"))
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return critical })
	c, queue := newTestCrawler(t, router, nil)

	req := requests.New("https://example.com/e")
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	err := c.RunTask(context.Background())
	if !crawlerrors.IsCritical(err) {
		t.Fatalf("expected CriticalError to propagate out of RunTask, got %v", err)
	}
}

func TestRunTaskReturnsNilWhenQueueEmpty(t *testing.T) {
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return nil })
	c, _ := newTestCrawler(t, router, nil)

	if err := c.RunTask(context.Background()); err != nil {
		t.Fatalf("expected a nil error when no request is ready, got %v", err)
	}
}

func TestRouterDispatchesByLabel(t *testing.T) {
	var sawLabel string
	router := NewRouter().
		Handle("product", func(ctx context.Context, cc *CrawlingContext) error {
			sawLabel = "product"
			return nil
		}).
		Default(func(ctx context.Context, cc *CrawlingContext) error {
			sawLabel = "default"
			return nil
		})

	req := requests.New("https://example.com/p/1")
	req.UserData["label"] = "product"
	cc := &CrawlingContext{Request: req}

	if err := router.Dispatch(context.Background(), cc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sawLabel != "product" {
		t.Fatalf("expected the product handler to run, got %q", sawLabel)
	}
}

func TestUseStateReturnsInitialThenStoredValue(t *testing.T) {
	kv := storage.NewMemoryKeyValueStore()
	s := NewStateStore(kv)

	v, err := UseState(s, "count", 0)
	if err != nil {
		t.Fatalf("UseState: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected initial value 0, got %d", v)
	}

	if err := SetState(s, "count", 5); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	v2, err := UseState(s, "count", 0)
	if err != nil {
		t.Fatalf("UseState: %v", err)
	}
	if v2 != 5 {
		t.Fatalf("expected updated value 5, got %d", v2)
	}
}

func TestRunPersistenceLoopFiresPersistStateOnInterval(t *testing.T) {
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return nil })
	c, _ := newTestCrawler(t, router, nil)
	c.opts.Bus = events.New(slog.Default())
	c.opts.PersistStateInterval = 10 * time.Millisecond

	persisted := c.opts.Bus.Subscribe(events.KindPersistState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunPersistenceLoop(ctx, nil)

	select {
	case evt := <-persisted:
		payload, ok := evt.Payload.(events.PersistStatePayload)
		if !ok || payload.IsMigrating {
			t.Fatalf("expected a non-migrating PersistState event, got %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected PersistState to fire within one interval")
	}
}

func TestRunPersistenceLoopQuiescesOnMigratingEvent(t *testing.T) {
	router := NewRouter().Default(func(ctx context.Context, cc *CrawlingContext) error { return nil })
	c, _ := newTestCrawler(t, router, nil)
	c.opts.Bus = events.New(slog.Default())
	c.opts.PersistStateInterval = time.Hour // only the Migrating path should fire here
	c.opts.SafeMigrationWait = 50 * time.Millisecond

	persisted := c.opts.Bus.Subscribe(events.KindPersistState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunPersistenceLoop(ctx, nil)

	c.opts.Bus.Emit(events.KindMigrating, nil)

	select {
	case evt := <-persisted:
		payload, ok := evt.Payload.(events.PersistStatePayload)
		if !ok || !payload.IsMigrating {
			t.Fatalf("expected a migrating PersistState event, got %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Migrating event to trigger a quiesced PersistState")
	}
}

func TestStateStorePersistRoundTrip(t *testing.T) {
	kv := storage.NewMemoryKeyValueStore()
	s1 := NewStateStore(kv)
	_, _ = UseState(s1, "seen", []string{})
	_ = SetState(s1, "seen", []string{"a", "b"})
	if err := s1.PersistState(context.Background()); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	s2 := NewStateStore(kv)
	if err := s2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := UseState(s2, "seen", []string{})
	if err != nil {
		t.Fatalf("UseState: %v", err)
	}
	if len(v) != 2 || v[0] != "a" || v[1] != "b" {
		t.Fatalf("expected restored [a b], got %v", v)
	}
}
