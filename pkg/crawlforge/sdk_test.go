package crawlforge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/internal/crawler"
)

func TestRunProcessesAllSeeds(t *testing.T) {
	var handled atomic.Int64

	cf := New(
		WithMinConcurrency(1),
		WithMaxConcurrency(4),
	)
	cf.Default(func(ctx context.Context, cc *crawler.CrawlingContext) error {
		handled.Add(1)
		return nil
	})

	if err := cf.AddRequests(context.Background(), "https://example.com/a", "https://example.com/b"); err != nil {
		t.Fatalf("AddRequests: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := cf.Run(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Run: %v", err)
	}

	if got := handled.Load(); got != 2 {
		t.Fatalf("expected 2 handled requests, got %d", got)
	}
}
