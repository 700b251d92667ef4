package requestqueue

import (
	"context"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/storage"
)

func newTestQueue(t *testing.T) *RequestQueue {
	t.Helper()
	return New(Options{
		Client: storage.NewMemoryRequestQueueClient(),
		Clock:  events.NewFixedClock(time.Unix(0, 0)),
	})
}

func TestAddRequestDeduplicatesByUniqueKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.AddRequest(ctx, requests.New("https://example.com/a"), false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if first.WasAlreadyPresent {
		t.Fatalf("expected first insert to be new")
	}

	second, err := q.AddRequest(ctx, requests.New("https://example.com/a"), false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if !second.WasAlreadyPresent {
		t.Fatalf("expected duplicate URL to be recognized as already present")
	}
	if second.RequestID != first.RequestID {
		t.Fatalf("duplicate insert returned a different request id: %s vs %s", second.RequestID, first.RequestID)
	}
}

func TestFetchNextRequestRespectsForefront(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.AddRequest(ctx, requests.New("https://example.com/normal"), false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if _, err := q.AddRequest(ctx, requests.New("https://example.com/priority"), true); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	next, ok, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if !ok {
		t.Fatalf("expected a request to be available")
	}
	if next.URL != "https://example.com/priority" {
		t.Fatalf("expected forefront request first, got %s", next.URL)
	}
}

func TestMarkRequestHandledAndIsFinished(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.AddRequest(ctx, requests.New("https://example.com/a"), false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	next, ok, err := q.FetchNextRequest(ctx)
	if err != nil || !ok {
		t.Fatalf("FetchNextRequest: ok=%v err=%v", ok, err)
	}

	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if finished {
		t.Fatalf("queue should not be finished while a request is in flight")
	}

	if err := q.MarkRequestHandled(ctx, next); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}

	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if !finished {
		t.Fatalf("queue should be finished after its only request is handled")
	}
}

func TestReclaimRequestReturnsItToTheHead(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.AddRequest(ctx, requests.New("https://example.com/a"), false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	next, ok, err := q.FetchNextRequest(ctx)
	if err != nil || !ok {
		t.Fatalf("FetchNextRequest: ok=%v err=%v", ok, err)
	}

	if err := q.ReclaimRequest(ctx, next, true); err != nil {
		t.Fatalf("ReclaimRequest: %v", err)
	}

	empty, err := q.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if empty {
		t.Fatalf("reclaimed request should still be available at the head")
	}
}
