package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/storage"
)

func TestFinishJobAfterRetriesRecordsHistogram(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	s := New(Options{Clock: clock})

	s.StartJob("a") // attempt 1, throws
	clock.Advance(time.Second)
	s.StartJob("a") // attempt 2, throws
	clock.Advance(time.Second)
	s.StartJob("a") // attempt 3, succeeds
	clock.Advance(time.Second)
	s.FinishJob("a", 200)

	snap := s.Snapshot()
	if snap.RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request, got %d", snap.RequestsFinished)
	}
	if len(snap.RetryHistogram) != 4 || snap.RetryHistogram[3] != 1 {
		t.Fatalf("expected retryHistogram[3]=1, got %v", snap.RetryHistogram)
	}
}

func TestFailJobRecordsFailureCounters(t *testing.T) {
	clock := events.NewFixedClock(time.Unix(0, 0))
	s := New(Options{Clock: clock})

	s.StartJob("b")
	clock.Advance(time.Millisecond * 500)
	s.FailJob("b", 500)

	snap := s.Snapshot()
	if snap.RequestsFailed != 1 {
		t.Fatalf("expected 1 failed request, got %d", snap.RequestsFailed)
	}
	if snap.StatusCodes[500] != 1 {
		t.Fatalf("expected one 500 status code, got %v", snap.StatusCodes)
	}
}

func TestPersistStateResumeShiftsInstanceStart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKeyValueStore()
	clock := events.NewFixedClock(time.Unix(1000, 0))

	s1 := New(Options{ID: "run1", KV: kv, Clock: clock})
	s1.StartJob("a")
	s1.FinishJob("a", 200)
	clock.Advance(10 * time.Second)
	if err := s1.PersistState(ctx); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	clock2 := events.NewFixedClock(time.Unix(2000, 0))
	s2 := New(Options{ID: "run1", KV: kv, Clock: clock2})
	if err := s2.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	snap := s2.Snapshot()
	if snap.RequestsFinished != 1 {
		t.Fatalf("expected resumed requestsFinished=1, got %d", snap.RequestsFinished)
	}
	if want := time.Unix(1990, 0); !snap.InstanceStart.Equal(want) {
		t.Fatalf("expected instanceStart shifted to %v, got %v", want, snap.InstanceStart)
	}
}

func TestErrorTrackerGroupsIdenticalErrors(t *testing.T) {
	tr := NewErrorTracker()
	e := ClassifiedError{Location: "x.go:1", Code: "ERR", Name: "*errors.errorString", Message: "connection refused"}
	for i := 0; i < 5; i++ {
		tr.Add(e)
	}
	if tr.Total() != 5 {
		t.Fatalf("expected total=5, got %d", tr.Total())
	}
	popular := tr.GetMostPopularErrors(1)
	if len(popular) != 1 || popular[0].Count != 5 {
		t.Fatalf("expected a single leaf with count=5, got %+v", popular)
	}
}

func TestErrorTrackerResetClearsTree(t *testing.T) {
	tr := NewErrorTracker()
	tr.Add(ClassifyError(errors.New("boom"), 0))
	tr.Reset()
	if tr.Total() != 0 {
		t.Fatalf("expected total=0 after reset, got %d", tr.Total())
	}
	if len(tr.GetMostPopularErrors(10)) != 0 {
		t.Fatalf("expected empty tree after reset")
	}
}

func TestErrorTrackerGeneralizesSimilarMessages(t *testing.T) {
	tr := NewErrorTracker()
	tr.Add(ClassifiedError{Location: "x.go:1", Code: "ERR", Name: "fetchError", Message: "timeout fetching https://a.example.com/1"})
	tr.Add(ClassifiedError{Location: "x.go:1", Code: "ERR", Name: "fetchError", Message: "timeout fetching https://a.example.com/2"})

	popular := tr.GetMostPopularErrors(10)
	if len(popular) != 1 {
		t.Fatalf("expected the two similar messages to merge into one leaf, got %d leaves: %+v", len(popular), popular)
	}
	if popular[0].Count != 2 {
		t.Fatalf("expected merged leaf count=2, got %d", popular[0].Count)
	}
}
