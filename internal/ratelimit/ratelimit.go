package ratelimit

import (
	"sync"
	"time"
)

// PostLimiter tracks message posts per identity token within a sliding
// window, shared across every connection the identity has open in this
// process.
type PostLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
}

// NewPostLimiter creates a PostLimiter allowing max posts per window.
func NewPostLimiter(max int, window time.Duration) *PostLimiter {
	return &PostLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
	}
}

// Allow returns true if the token has not exceeded the post limit.
// If allowed, the post is recorded.
func (l *PostLimiter) Allow(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	timestamps := l.entries[token]
	// Remove expired entries
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[token] = valid
		return false
	}

	l.entries[token] = append(valid, now)
	return true
}

// Forget drops a token's history, releasing its memory once the identity
// has no open connections.
func (l *PostLimiter) Forget(token string) {
	l.mu.Lock()
	delete(l.entries, token)
	l.mu.Unlock()
}
