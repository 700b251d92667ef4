package stats

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// ClassifiedError is the (location, code, name, message) tuple an
// ErrorTracker groups by, per spec.md §3's hierarchical error tree.
type ClassifiedError struct {
	Location string
	Code     string
	Name     string
	Message  string
}

// ClassifyError derives a ClassifiedError from a plain error, using a
// caller's file:line as Location (skip=0 is the function calling
// ClassifyError itself; each increment moves one frame further up).
func ClassifyError(err error, skip int) ClassifiedError {
	loc := "unknown"
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		loc = shortLocation(file, line)
	}
	return ClassifiedError{
		Location: loc,
		Code:     "ERR",
		Name:     typeName(err),
		Message:  err.Error(),
	}
}

func shortLocation(file string, line int) string {
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + itoa(line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func typeName(err error) string {
	type named interface{ Name() string }
	if n, ok := err.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", err)
}

type key struct {
	location string
	code     string
	name     string
}

type leaf struct {
	message string
	count   int
}

// ErrorTracker groups errors hierarchically: (location, code, name) buckets
// each hold a small set of generalized-message leaves, merged per
// spec.md §3's longest-common-word-subsequence rule.
type ErrorTracker struct {
	mu     sync.Mutex
	total  int
	leaves map[key][]*leaf
}

// NewErrorTracker builds an empty ErrorTracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{leaves: make(map[key][]*leaf)}
}

// Add classifies and records one error occurrence.
func (t *ErrorTracker) Add(e ClassifiedError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	k := key{location: e.Location, code: e.Code, name: e.Name}
	bucket := t.leaves[k]

	for _, l := range bucket {
		if merged, ok := mergeMessages(l.message, e.Message); ok {
			l.message = merged
			l.count++
			return
		}
	}
	t.leaves[k] = append(bucket, &leaf{message: e.Message, count: 1})
}

// Total returns the number of errors recorded since creation or Reset.
func (t *ErrorTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Reset clears all recorded errors.
func (t *ErrorTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = 0
	t.leaves = make(map[key][]*leaf)
}

// PopularError is one leaf of the tree, flattened for reporting.
type PopularError struct {
	Location string
	Code     string
	Name     string
	Message  string
	Count    int
}

// GetMostPopularErrors returns the n highest-count leaves across the
// whole tree, descending by count.
func (t *ErrorTracker) GetMostPopularErrors(n int) []PopularError {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []PopularError
	for k, bucket := range t.leaves {
		for _, l := range bucket {
			all = append(all, PopularError{
				Location: k.location,
				Code:     k.code,
				Name:     k.name,
				Message:  l.message,
				Count:    l.count,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// mergeMessages attempts to generalize a and b into one template by
// taking their longest common word subsequence and collapsing each
// mismatched run into a single "_" placeholder. The merge is rejected
// (ok=false) if more than half the resulting words are placeholders.
func mergeMessages(a, b string) (string, bool) {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)

	common := longestCommonSubsequence(wordsA, wordsB)
	merged := buildTemplate(wordsA, common)

	if len(merged) == 0 {
		return "", false
	}
	placeholders := 0
	for _, w := range merged {
		if w == "_" {
			placeholders++
		}
	}
	if float64(placeholders)/float64(len(merged)) > 0.5 {
		return "", false
	}
	return strings.Join(merged, " "), true
}

// longestCommonSubsequence returns the common words, in order, between a
// and b (classic DP, indices reconstructed by backtracking).
func longestCommonSubsequence(a, b []string) []string {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = 1 + dp[i+1][j+1]
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var out []string
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}

// buildTemplate walks src against the common subsequence, emitting each
// common word verbatim and collapsing each run of words not in common
// into a single "_" placeholder.
func buildTemplate(src []string, common []string) []string {
	var out []string
	ci := 0
	gapOpen := false
	for _, w := range src {
		if ci < len(common) && w == common[ci] {
			out = append(out, w)
			ci++
			gapOpen = false
			continue
		}
		if !gapOpen {
			out = append(out, "_")
			gapOpen = true
		}
	}
	return out
}
