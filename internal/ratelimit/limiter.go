// Package ratelimit implements per-key sliding-window admission control for
// inbound message dispatch.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultSweepEvery = 256
	defaultMaxKeys    = 10_000
)

// Limiter admits at most Max+Burst calls per key within a rolling window.
// An empty key is always admitted: it marks an unauthenticated or system
// caller that is exempt from limiting, and callers opt in to that behavior
// by passing it. Max == 0 closes admission for every real key.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	burst   int
	maxKeys int
	ops     int
	hits    map[string][]time.Time
	now     func() time.Time
}

// New creates a limiter admitting max+burst calls per window for each key.
func New(window time.Duration, max, burst int) *Limiter {
	if burst < 0 {
		burst = 0
	}
	return &Limiter{
		window:  window,
		max:     max,
		burst:   burst,
		maxKeys: defaultMaxKeys,
		hits:    map[string][]time.Time{},
		now:     time.Now,
	}
}

// Allow reports whether a call for key is admitted now, and records it if so.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.hits[key][:0]
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	limit := l.max + l.burst
	if l.max <= 0 {
		limit = 0
	}
	admitted := len(recent) < limit
	if admitted {
		recent = append(recent, now)
	}
	if len(recent) == 0 {
		delete(l.hits, key)
	} else {
		l.hits[key] = recent
	}
	l.bump(now)
	return admitted
}

// bump bounds memory for high-cardinality sender populations: every Nth call,
// and whenever the tracked key count passes the cap, stale keys are reaped.
// If the map is still over the cap after that, the least recently hit keys
// are evicted until it fits.
func (l *Limiter) bump(now time.Time) {
	l.ops++
	if l.ops < defaultSweepEvery && len(l.hits) <= l.maxKeys {
		return
	}
	l.ops = 0
	cutoff := now.Add(-l.window)
	for key, stamps := range l.hits {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = kept
		}
	}

	excess := len(l.hits) - l.maxKeys
	if excess <= 0 {
		return
	}
	type lastHit struct {
		key  string
		last time.Time
	}
	order := make([]lastHit, 0, len(l.hits))
	for key, stamps := range l.hits {
		order = append(order, lastHit{key: key, last: stamps[len(stamps)-1]})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].last.Before(order[j].last) })
	for _, h := range order[:excess] {
		delete(l.hits, h.key)
	}
}
