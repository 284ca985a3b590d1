package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", now.Add(time.Hour), false},
		{"exactly now", now, false},
		{"inside grace period", now.Add(-3 * time.Second), false},
		{"at grace boundary", now.Add(-DefaultClockSkewGracePeriod), false},
		{"past grace period", now.Add(-DefaultClockSkewGracePeriod - time.Second), true},
		{"long expired", now.Add(-time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Fatalf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredWithGracePeriod(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if IsExpiredWithGracePeriod(now.Add(-time.Minute), now, 2*time.Minute) {
		t.Fatal("expiry within a custom grace period should not count")
	}
	if !IsExpiredWithGracePeriod(now.Add(-time.Minute), now, 0) {
		t.Fatal("zero grace period means raw comparison")
	}
}
