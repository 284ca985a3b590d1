package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// EventRateLimiter provides per-identifier rate limiting using the token
// bucket algorithm with LRU eviction to prevent unbounded memory growth.
// The flow layer uses it to bound security-event logging so an attacker
// replaying codes cannot flood the audit log.
type EventRateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	rate            int
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// defaultMaxLimiterEntries bounds the number of tracked identifiers.
const defaultMaxLimiterEntries = 10000

// NewEventRateLimiter creates a rate limiter with automatic cleanup and LRU
// eviction.
func NewEventRateLimiter(eventsPerSecond, burst int, logger *slog.Logger) *EventRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &EventRateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            eventsPerSecond,
		burst:           burst,
		maxEntries:      defaultMaxLimiterEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if an event for the given identifier is allowed.
// Evicts the least recently used entry when the tracking limit is reached.
func (rl *EventRateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		rl.lruList.MoveToFront(elem)
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		oldest := rl.lruList.Back()
		if oldest != nil {
			evicted := oldest.Value.(*rateLimiterEntry)
			rl.lruList.Remove(oldest)
			delete(rl.limiters, evicted.identifier)
			rl.logger.Debug("Evicted rate limiter entry", "identifier_count", len(rl.limiters))
		}
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *EventRateLimiter) Stop() {
	close(rl.stopCleanup)
}

func (rl *EventRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes entries idle longer than two cleanup intervals.
func (rl *EventRateLimiter) cleanup() {
	threshold := time.Now().Add(-2 * rl.cleanupInterval)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if entry.lastAccess.After(threshold) {
			break // list is LRU-ordered, the rest are fresher
		}
		prev := elem.Prev()
		rl.lruList.Remove(elem)
		delete(rl.limiters, entry.identifier)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up inactive rate limiters", "removed", removed, "remaining", len(rl.limiters))
	}
}
