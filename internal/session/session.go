// Package session implements the SessionPool described in spec.md §4.3:
// a bounded pool of scored, rotated identities (cookies, fingerprint)
// that handlers acquire per request and score good or bad afterward.
package session

import (
	"net/http/cookiejar"
	"time"

	"github.com/google/uuid"
)

// Fingerprint is the browser-like identity attached to a Session by the
// default factory. It mirrors the teacher's UserAgents rotation, widened
// to the handful of fields a non-browser fetcher can still vary without
// pulling in a headless driver.
type Fingerprint struct {
	UserAgent      string
	AcceptLanguage string
	ViewportWidth  int
	ViewportHeight int
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

var defaultViewports = [][2]int{{1920, 1080}, {1366, 768}, {1440, 900}, {1536, 864}}

func defaultFingerprint(n int) Fingerprint {
	ua := defaultUserAgents[n%len(defaultUserAgents)]
	vp := defaultViewports[n%len(defaultViewports)]
	return Fingerprint{
		UserAgent:      ua,
		AcceptLanguage: "en-US,en;q=0.9",
		ViewportWidth:  vp[0],
		ViewportHeight: vp[1],
	}
}

// Session is a persistent identity used for one or more requests, scored
// and rotated on failure per spec.md §3.
type Session struct {
	ID             string
	CreatedAt      time.Time
	UsageCount     int
	MaxUsageCount  int
	ErrorScore     float64
	MaxErrorScore  float64
	ExpiresAt      time.Time
	CookieJar      *cookiejar.Jar
	Fingerprint    Fingerprint
	retired        bool
}

func newSession(now time.Time, maxUsageCount int, maxErrorScore float64, ttl time.Duration, seq int) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		MaxUsageCount: maxUsageCount,
		MaxErrorScore: maxErrorScore,
		ExpiresAt:     now.Add(ttl),
		CookieJar:     jar,
		Fingerprint:   defaultFingerprint(seq),
	}
}

// IsUsable reports whether the session can still be handed out, per the
// invariant in spec.md §3: unusable once usageCount, errorScore, or
// expiresAt are exceeded, or once explicitly retired.
func (s *Session) IsUsable(now time.Time) bool {
	if s.retired {
		return false
	}
	if s.MaxUsageCount > 0 && s.UsageCount >= s.MaxUsageCount {
		return false
	}
	if s.MaxErrorScore > 0 && s.ErrorScore >= s.MaxErrorScore {
		return false
	}
	if now.After(s.ExpiresAt) {
		return false
	}
	return true
}

// MarkGood partially resets the error score (by 0.5, floored at 0); it
// does not touch the usage counter. Per spec.md §8, any number of MarkBad
// calls within one request followed by MarkGood still advances usage
// exactly once — usage accounting lives in the caller (Pool.Release), not
// here.
func (s *Session) MarkGood() {
	if s.ErrorScore > 0 {
		s.ErrorScore -= 0.5
		if s.ErrorScore < 0 {
			s.ErrorScore = 0
		}
	}
}

// MarkBad increments the error score by one.
func (s *Session) MarkBad() {
	s.ErrorScore++
}

// Retire marks the session permanently unusable.
func (s *Session) Retire() {
	s.retired = true
}

// IsRetired reports whether Retire has been called.
func (s *Session) IsRetired() bool {
	return s.retired
}

// RetireOnBlockedStatusCode retires the session and returns true if code
// is one of the configured blocked codes (default 401, 403, 429).
func (s *Session) RetireOnBlockedStatusCode(code int, blockedCodes []int) bool {
	for _, c := range blockedCodes {
		if c == code {
			s.Retire()
			return true
		}
	}
	return false
}
