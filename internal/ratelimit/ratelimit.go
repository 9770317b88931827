package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastRefill: now, lastUsed: now}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	if add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate)); add > 0 {
		tb.tokens = min(tb.tokens+add, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}

// PeerLimiter limits accepted connections globally and per peer IP.
// A rate of zero disables the corresponding limit.
type PeerLimiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	peers   map[string]*TokenBucket
	perPeer int
	burst   int
}

// NewPeerLimiter creates a limiter allowing globalRate and perPeerRate
// connections per second, each with the given burst.
func NewPeerLimiter(globalRate, perPeerRate, burst int) *PeerLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &PeerLimiter{peers: make(map[string]*TokenBucket), perPeer: perPeerRate, burst: burst}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *PeerLimiter) Enabled() bool { return l != nil && (l.global != nil || l.perPeer > 0) }

// Allow reports whether a new connection from ip may be accepted.
func (l *PeerLimiter) Allow(ip string) bool {
	if !l.Enabled() {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.perPeer <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.peers[ip]
	if !ok {
		b = NewTokenBucket(l.perPeer, l.burst)
		l.peers[ip] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Prune drops peer buckets unused for longer than maxIdle and returns how many were removed.
func (l *PeerLimiter) Prune(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.peers {
		if b.idleSince(cutoff) {
			delete(l.peers, ip)
			n++
		}
	}
	return n
}
