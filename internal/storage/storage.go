// Package storage defines the CRUD contracts the queue, request list,
// session pool, and statistics packages persist through. Concrete
// filesystem/cloud implementations are external collaborators per
// spec.md §1 — this package only defines the interfaces they must
// satisfy, plus a minimal in-memory implementation used by tests and as
// a zero-configuration default.
package storage

import (
	"context"

	"github.com/crawlforge/crawlforge/internal/requests"
)

// KeyValueStore is the CRUD contract for the named-blob persistence
// layer backing statistics snapshots, request-list state/sources,
// session-pool state, and user-held CRAWLEE_STATE (spec.md §6).
type KeyValueStore interface {
	// GetValue reads the raw bytes stored under key, or (nil, false, nil)
	// if the key does not exist.
	GetValue(ctx context.Context, key string) (data []byte, ok bool, err error)

	// SetValue writes data under key, replacing any prior value.
	SetValue(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Dataset is the append-only output sink for scraped records (pushData).
type Dataset interface {
	// PushItems appends one or more JSON-serializable records.
	PushItems(ctx context.Context, items []any) error
}

// AddRequestResult is the return value of RequestQueueClient.AddRequest.
type AddRequestResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// BatchAddResult is the return value of RequestQueueClient.BatchAddRequests.
type BatchAddResult struct {
	Processed   []AddRequestResult
	Unprocessed []*requests.Request
}

// AddRequestOpts configures a single add/update/lock operation.
type AddRequestOpts struct {
	Forefront bool
	LockSecs  int
}

// ListHeadResult is the return value of ListHead/ListAndLockHead.
type ListHeadResult struct {
	Items []*requests.Request
}

// RequestQueueClient is the backing-store contract a RequestQueue drives.
// It is intentionally storage-agnostic: spec.md §6 lists it as the
// external collaborator a production deployment supplies (filesystem,
// a managed queue service, ...); internal/requestqueue only consumes it.
type RequestQueueClient interface {
	AddRequest(ctx context.Context, req *requests.Request, opts AddRequestOpts) (AddRequestResult, error)
	BatchAddRequests(ctx context.Context, reqs []*requests.Request, opts AddRequestOpts) (BatchAddResult, error)
	GetRequest(ctx context.Context, id string) (*requests.Request, bool, error)
	UpdateRequest(ctx context.Context, req *requests.Request, opts AddRequestOpts) error
	ListHead(ctx context.Context, limit int) (ListHeadResult, error)
	ListAndLockHead(ctx context.Context, limit int, lockSecs int) (ListHeadResult, error)
	ProlongRequestLock(ctx context.Context, id string, lockSecs int, forefront bool) error
	DeleteRequestLock(ctx context.Context, id string, forefront bool) error
}
