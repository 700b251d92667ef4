package crawler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/crawlforge/crawlforge/internal/storage"
)

const stateKVKey = "CRAWLEE_STATE"

// StateStore backs the crawling context's useState capability: a single
// JSON object in the KV store (key CRAWLEE_STATE per spec.md §6), loaded
// once and flushed back by PersistState.
type StateStore struct {
	mu     sync.Mutex
	kv     storage.KeyValueStore
	values map[string]json.RawMessage
}

// NewStateStore builds an unloaded StateStore; call Load before first use.
func NewStateStore(kv storage.KeyValueStore) *StateStore {
	return &StateStore{kv: kv, values: make(map[string]json.RawMessage)}
}

// Load reads CRAWLEE_STATE from the KV store, if any.
func (s *StateStore) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	data, ok, err := s.kv.GetValue(ctx, stateKVKey)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, &s.values)
}

// PersistState flushes the current state to the KV store.
func (s *StateStore) PersistState(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.mu.Lock()
	data, err := json.Marshal(s.values)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.kv.SetValue(ctx, stateKVKey, data)
}

// UseState returns the value stored under key, initializing it to
// initial (and recording that as the stored value) the first time key is
// requested. Go methods cannot carry their own type parameters, so this
// is a package-level function taking the store explicitly.
func UseState[T any](s *StateStore, key string, initial T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.values[key]; ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			var zero T
			return zero, err
		}
		return v, nil
	}
	raw, err := json.Marshal(initial)
	if err != nil {
		var zero T
		return zero, err
	}
	s.values[key] = raw
	return initial, nil
}

// SetState overwrites key's stored value ahead of the next PersistState.
func SetState(s *StateStore, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}
