package storage

import (
	"context"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/internal/requests"
)

func nowNanos() int64 { return time.Now().UnixNano() }

// MemoryKeyValueStore is an in-process KeyValueStore backed by a map. It
// is the zero-configuration default and the implementation the test
// suites across this module exercise; production deployments supply
// their own filesystem/cloud-backed client.
type MemoryKeyValueStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{data: make(map[string][]byte)}
}

func (s *MemoryKeyValueStore) GetValue(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryKeyValueStore) SetValue(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryKeyValueStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// MemoryDataset is an in-process Dataset backed by a slice.
type MemoryDataset struct {
	mu    sync.Mutex
	items []any
}

func NewMemoryDataset() *MemoryDataset {
	return &MemoryDataset{}
}

func (d *MemoryDataset) PushItems(_ context.Context, items []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, items...)
	return nil
}

// Items returns a snapshot of everything pushed so far.
func (d *MemoryDataset) Items() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.items...)
}

// MemoryRequestQueueClient is an in-process RequestQueueClient. It
// implements the full lock/order-number contract so internal/requestqueue
// can be exercised and tested without an external backing store.
type MemoryRequestQueueClient struct {
	mu      sync.Mutex
	byKey   map[string]*record
	byID    map[string]*record
	nextID  int64
	nextSeq int64
}

type record struct {
	req           *requests.Request
	forefront     bool
	orderNo       int64 // tie-breaker within the same priority class
	lockExpiresAt int64 // unix nanos, 0 = unlocked
	seq           int64
}

func NewMemoryRequestQueueClient() *MemoryRequestQueueClient {
	return &MemoryRequestQueueClient{
		byKey: make(map[string]*record),
		byID:  make(map[string]*record),
	}
}

func (c *MemoryRequestQueueClient) AddRequest(_ context.Context, req *requests.Request, opts AddRequestOpts) (AddRequestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[req.UniqueKey]; ok {
		if existing.req.IsHandled() {
			return AddRequestResult{RequestID: existing.req.ID, WasAlreadyPresent: true, WasAlreadyHandled: true}, nil
		}
		if opts.Forefront {
			c.moveToFront(existing)
		}
		return AddRequestResult{RequestID: existing.req.ID, WasAlreadyPresent: true}, nil
	}

	c.nextID++
	req.ID = idFor(c.nextID)
	c.nextSeq++
	rec := &record{req: req, seq: c.nextSeq, forefront: opts.Forefront, orderNo: c.nextSeq}
	c.byKey[req.UniqueKey] = rec
	c.byID[req.ID] = rec

	return AddRequestResult{RequestID: req.ID}, nil
}

func (c *MemoryRequestQueueClient) BatchAddRequests(ctx context.Context, reqs []*requests.Request, opts AddRequestOpts) (BatchAddResult, error) {
	var out BatchAddResult
	for _, r := range reqs {
		res, err := c.AddRequest(ctx, r, opts)
		if err != nil {
			out.Unprocessed = append(out.Unprocessed, r)
			continue
		}
		out.Processed = append(out.Processed, res)
	}
	return out, nil
}

func (c *MemoryRequestQueueClient) GetRequest(_ context.Context, id string) (*requests.Request, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return nil, false, nil
	}
	return rec.req, true, nil
}

func (c *MemoryRequestQueueClient) UpdateRequest(_ context.Context, req *requests.Request, opts AddRequestOpts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[req.ID]
	if !ok {
		return nil
	}
	rec.req = req
	if opts.Forefront {
		c.moveToFront(rec)
	}
	return nil
}

func (c *MemoryRequestQueueClient) ListHead(_ context.Context, limit int) (ListHeadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listHeadLocked(limit, 0), nil
}

func (c *MemoryRequestQueueClient) ListAndLockHead(_ context.Context, limit int, lockSecs int) (ListHeadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := nowNanos()
	res := c.listHeadLocked(limit, now)
	expiry := now + int64(lockSecs)*1e9
	for _, r := range res.Items {
		c.byID[r.ID].lockExpiresAt = expiry
	}
	return res, nil
}

func (c *MemoryRequestQueueClient) ProlongRequestLock(_ context.Context, id string, lockSecs int, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return nil
	}
	rec.lockExpiresAt = nowNanos() + int64(lockSecs)*1e9
	if forefront {
		c.moveToFront(rec)
	}
	return nil
}

func (c *MemoryRequestQueueClient) DeleteRequestLock(_ context.Context, id string, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return nil
	}
	rec.lockExpiresAt = 0
	if forefront {
		c.moveToFront(rec)
	}
	return nil
}

// listHeadLocked must be called with c.mu held. now=0 means "ignore
// locks" (plain listHead); otherwise records locked beyond now are
// excluded, matching the queue's lazy lock-expiry rule.
func (c *MemoryRequestQueueClient) listHeadLocked(limit int, now int64) ListHeadResult {
	candidates := make([]*record, 0, len(c.byKey))
	for _, rec := range c.byKey {
		if rec.req.IsHandled() {
			continue
		}
		if now > 0 && rec.lockExpiresAt > now {
			continue
		}
		candidates = append(candidates, rec)
	}
	sortRecords(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	items := make([]*requests.Request, len(candidates))
	for i, r := range candidates {
		items[i] = r.req
	}
	return ListHeadResult{Items: items}
}

func sortRecords(recs []*record) {
	// Simple insertion sort: head sizes are small (bounded, default
	// 1000) so this avoids importing sort for a one-call-site use.
	for i := 1; i < len(recs); i++ {
		j := i
		for j > 0 && less(recs[j], recs[j-1]) {
			recs[j], recs[j-1] = recs[j-1], recs[j]
			j--
		}
	}
}

// less orders forefront records before normal-priority ones; within the
// same class, lower orderNo (earlier insertion, or more recently moved
// to the front) wins.
func less(a, b *record) bool {
	if a.forefront != b.forefront {
		return a.forefront
	}
	if a.orderNo != b.orderNo {
		return a.orderNo < b.orderNo
	}
	return a.seq < b.seq
}

// moveToFront must be called with c.mu held. It promotes rec into the
// forefront class and gives it the lowest orderNo seen so far, so
// repeated forefront promotions still preserve most-recent-first order.
func (c *MemoryRequestQueueClient) moveToFront(rec *record) {
	c.nextSeq++
	rec.forefront = true
	rec.orderNo = -c.nextSeq
}

func idFor(n int64) string {
	const base = "req_"
	digits := "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return base + "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%int64(len(digits))])
		n /= int64(len(digits))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return base + string(buf)
}
