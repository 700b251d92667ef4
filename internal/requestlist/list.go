// Package requestlist implements the RequestList described in spec.md
// §4.2: an append-only, ordered, persistable source of initial work,
// optionally hydrated from remote URL lists.
package requestlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
	"github.com/crawlforge/crawlforge/internal/requests"
	"github.com/crawlforge/crawlforge/internal/storage"
)

// defaultURLPattern matches one http(s) URL per line in a downloaded
// source list.
var defaultURLPattern = regexp.MustCompile(`https?://\S+`)

// Downloader fetches a remote source list's raw bytes. Kept as an
// interface, not a concrete HTTP client, so callers needing proxies or
// custom transports can swap in their own — this package only owns list
// bookkeeping, not request transport.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Source is one entry configuring initialize(): either an inline
// request or a remote URL list to download and parse with URLPattern
// (falling back to defaultURLPattern).
type Source struct {
	Request    *requests.Request
	RemoteURL  string
	URLPattern *regexp.Regexp
}

// Options configures a RequestList.
type Options struct {
	// Name, if non-empty, is used to derive the KV keys the list
	// persists its sources and state under. An empty Name disables
	// persistence.
	Name string

	KeepDuplicateUrls bool

	Downloader Downloader
	KV         storage.KeyValueStore
	Logger     *slog.Logger
}

type record struct {
	req       *requests.Request
	handled   bool
	inFlight  bool
	reclaimed bool
}

// RequestList is an append-only ordered sequence of requests.
type RequestList struct {
	mu      sync.Mutex
	records []*record
	byKey   map[string]*record
	next    int

	opts   Options
	logger *slog.Logger
}

// New builds an uninitialized RequestList. Call Initialize before use.
func New(opts Options) *RequestList {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RequestList{
		byKey:  make(map[string]*record),
		opts:   opts,
		logger: opts.Logger.With("component", "request_list"),
	}
}

func (l *RequestList) sourcesKey() string { return l.opts.Name + "-REQUEST_LIST_SOURCES" }
func (l *RequestList) stateKey() string   { return l.opts.Name + "-REQUEST_LIST_STATE" }

// Initialize downloads remote sources, deduplicates by uniqueKey (unless
// KeepDuplicateUrls), and — if Name is set — persists the materialized
// list and reloads any prior progress. Per spec.md §4.2, state and
// sources are co-versioned: if the persisted sources JSON differs from the
// sources given here, that is a fatal error rather than a silent reset.
func (l *RequestList) Initialize(ctx context.Context, sources []Source) error {
	materialized, err := l.materialize(ctx, sources)
	if err != nil {
		return err
	}

	if l.opts.Name == "" || l.opts.KV == nil {
		l.setRecords(materialized)
		return nil
	}

	sourcesData, err := json.Marshal(urlsOf(materialized))
	if err != nil {
		return err
	}

	existing, ok, err := l.opts.KV.GetValue(ctx, l.sourcesKey())
	if err != nil {
		return err
	}

	var state persistedState
	hasState, err := l.loadState(ctx, &state)
	if err != nil {
		return err
	}

	if ok && hasState && string(existing) != string(sourcesData) {
		return crawlerrors.NonRetryable(crawlerrors.ErrSourcesMismatch)
	}

	if err := l.opts.KV.SetValue(ctx, l.sourcesKey(), sourcesData); err != nil {
		return err
	}

	l.setRecords(materialized)

	if hasState {
		l.applyState(state)
	}
	return nil
}

func (l *RequestList) materialize(ctx context.Context, sources []Source) ([]*requests.Request, error) {
	var out []*requests.Request
	seen := make(map[string]struct{})

	add := func(req *requests.Request) {
		if !l.opts.KeepDuplicateUrls {
			if _, dup := seen[req.UniqueKey]; dup {
				return
			}
			seen[req.UniqueKey] = struct{}{}
		}
		out = append(out, req)
	}

	for _, src := range sources {
		if src.Request != nil {
			add(src.Request)
			continue
		}
		if src.RemoteURL == "" {
			continue
		}
		if l.opts.Downloader == nil {
			return nil, fmt.Errorf("requestlist: remote source %q given but no Downloader configured", src.RemoteURL)
		}
		body, err := l.opts.Downloader.Download(ctx, src.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("requestlist: download %q: %w", src.RemoteURL, err)
		}
		pattern := src.URLPattern
		if pattern == nil {
			pattern = defaultURLPattern
		}
		for _, u := range pattern.FindAllString(string(body), -1) {
			add(requests.New(u))
		}
	}
	return out, nil
}

func urlsOf(reqs []*requests.Request) []string {
	urls := make([]string, len(reqs))
	for i, r := range reqs {
		urls[i] = r.UniqueKey
	}
	return urls
}

func (l *RequestList) setRecords(reqs []*requests.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make([]*record, len(reqs))
	l.byKey = make(map[string]*record, len(reqs))
	for i, r := range reqs {
		rec := &record{req: r}
		l.records[i] = rec
		l.byKey[r.UniqueKey] = rec
	}
	l.next = 0
}

// FetchNextRequest returns the next not-yet-in-flight, unhandled request
// in order, or (nil, false) if none remain.
func (l *RequestList) FetchNextRequest() (*requests.Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.next < len(l.records) {
		rec := l.records[l.next]
		l.next++
		if !rec.handled {
			rec.inFlight = true
			rec.reclaimed = false
			return rec.req, true
		}
	}
	return nil, false
}

// MarkRequestHandled marks req handled, ending its in-flight state.
func (l *RequestList) MarkRequestHandled(req *requests.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.byKey[req.UniqueKey]; ok {
		rec.handled = true
		rec.inFlight = false
	}
}

// ReclaimRequest returns an in-flight request to the pending pool
// without marking it handled.
func (l *RequestList) ReclaimRequest(req *requests.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.byKey[req.UniqueKey]; ok {
		rec.inFlight = false
		rec.reclaimed = true
		// Re-serve before records not yet visited: rewind next to the
		// earliest still-pending index so reclaimed work isn't starved
		// behind records appended after it.
		for i, r := range l.records {
			if r == rec && i < l.next {
				l.next = i
			}
		}
	}
}

// IsEmpty reports whether every record has been handled or is in flight.
func (l *RequestList) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if !rec.handled && !rec.inFlight {
			return false
		}
	}
	return true
}

// IsFinished reports whether every record has been handled.
func (l *RequestList) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if !rec.handled {
			return false
		}
	}
	return true
}

// HandledCount returns the number of handled records.
func (l *RequestList) HandledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.records {
		if rec.handled {
			n++
		}
	}
	return n
}

// Length returns the total number of records.
func (l *RequestList) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type persistedState struct {
	NextIndex int      `json:"nextIndex"`
	InProgress []string `json:"inProgress"`
	Reclaimed  []string `json:"reclaimed"`
}

func (l *RequestList) loadState(ctx context.Context, out *persistedState) (bool, error) {
	data, ok, err := l.opts.KV.GetValue(ctx, l.stateKey())
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (l *RequestList) applyState(state persistedState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inProgress := make(map[string]struct{}, len(state.InProgress))
	for _, k := range state.InProgress {
		inProgress[k] = struct{}{}
	}
	for i, rec := range l.records {
		if i < state.NextIndex {
			if _, stillInFlight := inProgress[rec.req.UniqueKey]; !stillInFlight {
				rec.handled = true
			}
		}
	}
	l.next = state.NextIndex
}

// PersistState writes {nextIndex, inProgress, reclaimed} to the KV store.
func (l *RequestList) PersistState(ctx context.Context) error {
	if l.opts.Name == "" || l.opts.KV == nil {
		return nil
	}
	l.mu.Lock()
	state := persistedState{NextIndex: l.next}
	for _, rec := range l.records {
		if rec.inFlight {
			state.InProgress = append(state.InProgress, rec.req.UniqueKey)
		}
		if rec.reclaimed {
			state.Reclaimed = append(state.Reclaimed, rec.req.UniqueKey)
		}
	}
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return l.opts.KV.SetValue(ctx, l.stateKey(), data)
}
