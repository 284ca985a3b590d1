package security

import (
	"io"
	"log/slog"
	"testing"
)

func testLimiter(t *testing.T, perSecond, burst int) *EventRateLimiter {
	t.Helper()
	rl := NewEventRateLimiter(perSecond, burst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowWithinBurst(t *testing.T) {
	rl := testLimiter(t, 1, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if rl.Allow("client-a") {
		t.Fatal("request beyond burst should be denied")
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	rl := testLimiter(t, 1, 1)

	if !rl.Allow("client-a") {
		t.Fatal("first request for client-a should be allowed")
	}
	if rl.Allow("client-a") {
		t.Fatal("second request for client-a should be denied")
	}
	if !rl.Allow("client-b") {
		t.Fatal("client-b has its own bucket")
	}
}

func TestLRUEviction(t *testing.T) {
	rl := testLimiter(t, 1, 1)
	rl.maxEntries = 3

	// Exhaust client-a's bucket, then push it out of the LRU.
	rl.Allow("client-a")
	rl.Allow("client-b")
	rl.Allow("client-c")
	rl.Allow("client-d") // evicts client-a

	rl.mu.Lock()
	_, stillTracked := rl.limiters["client-a"]
	entries := len(rl.limiters)
	rl.mu.Unlock()

	if stillTracked {
		t.Fatal("client-a should have been evicted")
	}
	if entries != 3 {
		t.Fatalf("tracked entries = %d, want 3", entries)
	}

	// Eviction resets the bucket: client-a gets a fresh burst.
	if !rl.Allow("client-a") {
		t.Fatal("re-added identifier should start with a fresh bucket")
	}
}
