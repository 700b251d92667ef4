package session

import (
	"context"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/storage"
)

func TestPoolGetReturnsUsableSession(t *testing.T) {
	p := New(Options{MaxPoolSize: 5})
	s := p.Get("")
	if s == nil {
		t.Fatal("expected a session")
	}
	if !s.IsUsable(time.Now()) {
		t.Fatal("session returned by Get must be usable")
	}
}

func TestPoolGetByIDReturnsNilWhenRetired(t *testing.T) {
	p := New(Options{MaxPoolSize: 5})
	s := p.Get("")
	s.Retire()

	if got := p.Get(s.ID); got != nil {
		t.Fatalf("expected nil for retired session, got %v", got)
	}
}

func TestRetireOnBlockedStatusCodes(t *testing.T) {
	p := New(Options{MaxPoolSize: 5})
	s := p.Get("")

	if p.RetireOnBlockedStatusCodes(s, 200) {
		t.Fatal("200 should not retire the session")
	}
	if !p.RetireOnBlockedStatusCodes(s, 403) {
		t.Fatal("403 should retire the session")
	}
	if s.IsUsable(time.Now()) {
		t.Fatal("session should be unusable after retirement")
	}
}

func TestMarkGoodPartiallyResetsErrorScore(t *testing.T) {
	s := newSession(time.Now(), 0, 0, time.Hour, 1)
	s.MarkBad()
	s.MarkBad()
	if s.ErrorScore != 2 {
		t.Fatalf("expected error score 2, got %v", s.ErrorScore)
	}
	s.MarkGood()
	if s.ErrorScore != 1.5 {
		t.Fatalf("expected error score 1.5 after one MarkGood, got %v", s.ErrorScore)
	}
}

func TestPoolPersistStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKeyValueStore()

	p1 := New(Options{MaxPoolSize: 5, KV: kv, Clock: events.NewFixedClock(time.Unix(0, 0))})
	s := p1.Get("")
	s.MarkBad()
	if err := p1.PersistState(ctx); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	p2 := New(Options{MaxPoolSize: 5, KV: kv, Clock: events.NewFixedClock(time.Unix(0, 0))})
	if p2.Size() != 1 {
		t.Fatalf("expected reloaded pool to have 1 session, got %d", p2.Size())
	}
	reloaded := p2.Get(s.ID)
	if reloaded == nil {
		t.Fatalf("expected to find session %s after reload", s.ID)
	}
	if reloaded.ErrorScore != 1 {
		t.Fatalf("expected error score to survive persistence, got %v", reloaded.ErrorScore)
	}
}
