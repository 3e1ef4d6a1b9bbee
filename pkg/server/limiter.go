package server

import (
	"sync"
	"time"
)

// IPLimiter rate limits by client IP using two independent sliding
// windows: one over all requests, one over failed operations only, so
// a client that connects a lot but never fails isn't penalized the same
// way as one whose requests keep failing.
type IPLimiter struct {
	mu    sync.Mutex
	reqs  map[string][]time.Time
	fails map[string][]time.Time

	reqWindow  time.Duration
	maxReqs    int
	failWindow time.Duration
	maxFails   int
}

// NewIPLimiter constructs a limiter with the given window/threshold
// pairs for the request and failure counters.
func NewIPLimiter(reqWindow time.Duration, maxReqs int, failWindow time.Duration, maxFails int) *IPLimiter {
	return &IPLimiter{
		reqs:       make(map[string][]time.Time),
		fails:      make(map[string][]time.Time),
		reqWindow:  reqWindow,
		maxReqs:    maxReqs,
		failWindow: failWindow,
		maxFails:   maxFails,
	}
}

// pruneWindow drops every timestamp in arr older than window, compacting
// in place. Called with the limiter's mutex already held.
func pruneWindow(arr []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := 0
	for _, t := range arr {
		if now.Sub(t) <= window {
			arr[kept] = t
			kept++
		}
	}
	return arr[:kept]
}

func (l *IPLimiter) pruneLocked(now time.Time) {
	for ip, arr := range l.reqs {
		if pruned := pruneWindow(arr, now, l.reqWindow); len(pruned) == 0 {
			delete(l.reqs, ip)
		} else {
			l.reqs[ip] = pruned
		}
	}
	for ip, arr := range l.fails {
		if pruned := pruneWindow(arr, now, l.failWindow); len(pruned) == 0 {
			delete(l.fails, ip)
		} else {
			l.fails[ip] = pruned
		}
	}
}

// Allow reports whether a request from ip should proceed. On a false
// return, the caller should reject the request and may use the
// returned duration as a Retry-After hint.
func (l *IPLimiter) Allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	reqs := append(l.reqs[ip], now)
	l.reqs[ip] = reqs
	if len(reqs) > l.maxReqs {
		return false, waitFor(reqs[0], now, l.reqWindow)
	}

	if fails := l.fails[ip]; len(fails) > l.maxFails {
		return false, waitFor(fails[0], now, l.failWindow)
	}

	return true, 0
}

// RecordFail notes a failed operation (the relay records a /ws request
// with no id and a failed websocket upgrade) from ip, counting toward
// the failure window's threshold.
func (l *IPLimiter) RecordFail(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.fails[ip] = append(l.fails[ip], now)
}

// waitFor returns how long until oldest ages out of window, floored at
// one second so callers never suggest an immediate retry.
func waitFor(oldest, now time.Time, window time.Duration) time.Duration {
	wait := window - now.Sub(oldest)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
