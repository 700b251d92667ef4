package events

import (
	"log/slog"
	"sync"
)

// Kind identifies one of the four signals the bus carries.
type Kind string

const (
	// KindPersistState asks every subscriber to flush its state to the
	// configured KV store. IsMigrating distinguishes a routine tick from
	// a migration-triggered flush.
	KindPersistState Kind = "persistState"

	// KindMigrating announces that the process will be terminated soon;
	// subscribers should quiesce within SAFE_MIGRATION_WAIT_MILLIS.
	KindMigrating Kind = "migrating"

	// KindAborting announces an unrecoverable abort; subscribers should
	// stop dispatching new work immediately.
	KindAborting Kind = "aborting"

	// KindSystemInfo carries a Snapshotter sample.
	KindSystemInfo Kind = "systemInfo"
)

// PersistStatePayload is the payload of a KindPersistState event.
type PersistStatePayload struct {
	IsMigrating bool
}

// SystemInfoPayload is the payload of a KindSystemInfo event.
type SystemInfoPayload struct {
	IsOverloaded    bool
	MemCurrentBytes int64
	CPUUsage        float64
	EventLoopLagMs  float64
	ClientErrorRate float64
}

// Event is one signal delivered to a subscriber.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus is a process-wide, in-memory publish/subscribe hub. It is the
// in-process analogue of the external event bus described in spec §6 —
// this module owns emission and delivery; nothing here talks to a
// network or disk.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]chan Event
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]chan Event),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe returns a channel that receives every future event of the
// given kind. The channel is buffered so a slow subscriber cannot stall
// Emit; if the buffer fills, the oldest pending event is dropped to make
// room, and a warning is logged only if the new event still cannot be
// queued — subscribers needing guaranteed delivery should drain promptly
// rather than rely on the buffer.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], ch)
	b.mu.Unlock()
	return ch
}

// Emit delivers an event to every subscriber of its kind. Emit never
// blocks: a full subscriber channel has its oldest event discarded to
// make room, matching "PersistState fires at least once per interval"
// rather than "every tick is guaranteed delivered".
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.RLock()
	subs := append([]chan Event(nil), b.subs[kind]...)
	b.mu.RUnlock()

	evt := Event{Kind: kind, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				b.logger.Warn("dropped event, subscriber saturated", "kind", kind)
			}
		}
	}
}
