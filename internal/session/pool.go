package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/internal/events"
	"github.com/crawlforge/crawlforge/internal/storage"
)

const stateKey = "SDK_SESSION_POOL_STATE"

var defaultBlockedCodes = []int{401, 403, 429}

// Options configures a Pool.
type Options struct {
	MaxPoolSize   int
	MaxUsageCount int
	MaxErrorScore float64
	SessionTTL    time.Duration
	BlockedCodes  []int

	KV     storage.KeyValueStore
	Bus    *events.Bus
	Clock  events.Clock
	Logger *slog.Logger
}

// Pool is a bounded set of scored sessions, sized to at most MaxPoolSize
// (spec.md §4.3). Every session returned by Get is usable at the moment
// of return.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	opts     Options
	seq      int
}

// New builds a Pool. If opts.KV is set, previously persisted sessions are
// reloaded; if opts.Bus is set, the pool subscribes to PersistState so it
// is checkpointed on every such event.
func New(opts Options) *Pool {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 1000
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.BlockedCodes == nil {
		opts.BlockedCodes = defaultBlockedCodes
	}
	if opts.Clock == nil {
		opts.Clock = events.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "session_pool")

	p := &Pool{opts: opts}

	if opts.KV != nil {
		p.reload(context.Background())
	}
	if opts.Bus != nil {
		go p.watchPersistState(opts.Bus.Subscribe(events.KindPersistState))
	}
	return p
}

func (p *Pool) watchPersistState(ch <-chan events.Event) {
	for evt := range ch {
		_ = evt
		if err := p.PersistState(context.Background()); err != nil {
			p.opts.Logger.Warn("failed to persist session pool state", "error", err)
		}
	}
}

// Get returns a specific session by id if given, or a random usable
// session; if the pool is not yet full it may instead create a new one,
// with probability 1 - size/max (spec.md §4.3).
func (p *Pool) Get(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Clock.Now()
	p.purgeLocked(now)

	if id != "" {
		for _, s := range p.sessions {
			if s.ID == id && s.IsUsable(now) {
				return s
			}
		}
		return nil
	}

	size := len(p.sessions)
	if size < p.opts.MaxPoolSize {
		threshold := 1 - float64(size)/float64(p.opts.MaxPoolSize)
		if rand.Float64() < threshold {
			return p.createLocked(now)
		}
	}

	usable := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable(now) {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return p.createLocked(now)
	}
	return usable[rand.Intn(len(usable))]
}

func (p *Pool) createLocked(now time.Time) *Session {
	p.seq++
	s := newSession(now, p.opts.MaxUsageCount, p.opts.MaxErrorScore, p.opts.SessionTTL, p.seq)
	p.sessions = append(p.sessions, s)
	if len(p.sessions) > p.opts.MaxPoolSize {
		p.sessions = p.sessions[1:]
	}
	return s
}

// purgeLocked drops expired or retired sessions. Must hold p.mu.
func (p *Pool) purgeLocked(now time.Time) {
	live := p.sessions[:0]
	for _, s := range p.sessions {
		if s.IsUsable(now) {
			live = append(live, s)
		}
	}
	p.sessions = live
}

// Release accounts for one request's usage of s: call MarkGood or
// MarkBad any number of times first, then Release exactly once per
// acquired session to advance its usage counter.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.UsageCount++
}

// RetireOnBlockedStatusCodes retires s if code is blocked, returning
// whether it did.
func (p *Pool) RetireOnBlockedStatusCodes(s *Session, code int) bool {
	return s.RetireOnBlockedStatusCode(code, p.opts.BlockedCodes)
}

// Size returns the current pool size, including sessions that have
// since become unusable but not yet purged.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// persistedSession is the on-disk form of a Session. Cookie jar contents
// are intentionally not persisted: net/http/cookiejar exposes no
// serialization hook, so a restarted pool rebuilds fresh jars for its
// restored identities rather than attempting to round-trip them.
type persistedSession struct {
	ID            string
	CreatedAt     time.Time
	UsageCount    int
	MaxUsageCount int
	ErrorScore    float64
	MaxErrorScore float64
	ExpiresAt     time.Time
	Fingerprint   Fingerprint
	Retired       bool
}

type persistedState struct {
	Sessions []persistedSession
}

// PersistState writes the pool's current sessions to the KV store under
// SDK_SESSION_POOL_STATE.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.opts.KV == nil {
		return nil
	}
	p.mu.Lock()
	state := persistedState{Sessions: make([]persistedSession, 0, len(p.sessions))}
	for _, s := range p.sessions {
		state.Sessions = append(state.Sessions, persistedSession{
			ID:            s.ID,
			CreatedAt:     s.CreatedAt,
			UsageCount:    s.UsageCount,
			MaxUsageCount: s.MaxUsageCount,
			ErrorScore:    s.ErrorScore,
			MaxErrorScore: s.MaxErrorScore,
			ExpiresAt:     s.ExpiresAt,
			Fingerprint:   s.Fingerprint,
			Retired:       s.IsRetired(),
		})
	}
	p.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return p.opts.KV.SetValue(ctx, stateKey, data)
}

// reload restores the pool's sessions from the KV store, if present.
func (p *Pool) reload(ctx context.Context) {
	data, ok, err := p.opts.KV.GetValue(ctx, stateKey)
	if err != nil || !ok {
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		p.opts.Logger.Warn("failed to decode persisted session pool state", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range state.Sessions {
		jar, _ := cookiejar.New(nil)
		s := &Session{
			ID:            ps.ID,
			CreatedAt:     ps.CreatedAt,
			UsageCount:    ps.UsageCount,
			MaxUsageCount: ps.MaxUsageCount,
			ErrorScore:    ps.ErrorScore,
			MaxErrorScore: ps.MaxErrorScore,
			ExpiresAt:     ps.ExpiresAt,
			CookieJar:     jar,
			Fingerprint:   ps.Fingerprint,
		}
		if ps.Retired {
			s.Retire()
		}
		p.sessions = append(p.sessions, s)
		p.seq++
	}
}
