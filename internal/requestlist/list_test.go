package requestlist

import (
	"context"
	"testing"

	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/storage"
)

type fakeDownloader struct {
	body string
	err  error
}

func (f *fakeDownloader) Download(context.Context, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func TestInitializeDeduplicatesInlineAndRemote(t *testing.T) {
	ctx := context.Background()
	l := New(Options{
		Downloader: &fakeDownloader{body: "https://example.com/a\nhttps://example.com/b\n"},
	})

	err := l.Initialize(ctx, []Source{
		{Request: requests.New("https://example.com/a")},
		{RemoteURL: "https://example.com/sources.txt"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if l.Length() != 2 {
		t.Fatalf("expected 2 deduplicated records, got %d", l.Length())
	}
}

func TestFetchNextRequestInOrder(t *testing.T) {
	ctx := context.Background()
	l := New(Options{})
	if err := l.Initialize(ctx, []Source{
		{Request: requests.New("https://example.com/1")},
		{Request: requests.New("https://example.com/2")},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	first, ok := l.FetchNextRequest()
	if !ok || first.URL != "https://example.com/1" {
		t.Fatalf("expected first URL, got %+v ok=%v", first, ok)
	}
	second, ok := l.FetchNextRequest()
	if !ok || second.URL != "https://example.com/2" {
		t.Fatalf("expected second URL, got %+v ok=%v", second, ok)
	}
	if _, ok := l.FetchNextRequest(); ok {
		t.Fatalf("expected list to be drained")
	}
}

func TestMarkHandledAndIsFinished(t *testing.T) {
	ctx := context.Background()
	l := New(Options{})
	if err := l.Initialize(ctx, []Source{
		{Request: requests.New("https://example.com/1")},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	req, _ := l.FetchNextRequest()
	if l.IsFinished() {
		t.Fatal("list should not be finished while request is in flight")
	}
	l.MarkRequestHandled(req)
	if !l.IsFinished() {
		t.Fatal("list should be finished once its only request is handled")
	}
}

func TestPersistStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKeyValueStore()

	l1 := New(Options{Name: "test-list", KV: kv})
	if err := l1.Initialize(ctx, []Source{
		{Request: requests.New("https://example.com/1")},
		{Request: requests.New("https://example.com/2")},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	req, _ := l1.FetchNextRequest()
	l1.MarkRequestHandled(req)
	if err := l1.PersistState(ctx); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	l2 := New(Options{Name: "test-list", KV: kv})
	if err := l2.Initialize(ctx, []Source{
		{Request: requests.New("https://example.com/1")},
		{Request: requests.New("https://example.com/2")},
	}); err != nil {
		t.Fatalf("Initialize (resume): %v", err)
	}
	if l2.HandledCount() != 1 {
		t.Fatalf("expected 1 handled record after resume, got %d", l2.HandledCount())
	}
}

func TestInitializeRejectsChangedSources(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKeyValueStore()

	l1 := New(Options{Name: "test-list", KV: kv})
	if err := l1.Initialize(ctx, []Source{{Request: requests.New("https://example.com/1")}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := l1.PersistState(ctx); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	l2 := New(Options{Name: "test-list", KV: kv})
	err := l2.Initialize(ctx, []Source{{Request: requests.New("https://example.com/DIFFERENT")}})
	if err == nil {
		t.Fatal("expected an error when sources change without clearing persisted state")
	}
}
