package ipc

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow("session-a") {
			t.Errorf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow("session-a") {
		t.Error("4th attempt should be rejected")
	}
	if !rl.Allow("session-b") {
		t.Error("different key should be allowed")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("k")
	rl.Allow("k")
	if rl.Allow("k") {
		t.Fatal("third attempt inside the window should be rejected")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("k") {
		t.Fatal("attempt after the window should be allowed")
	}
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	rl.Allow("k")
	if rl.Allow("k") {
		t.Fatal("second attempt should be rejected")
	}
	rl.Forget("k")
	if !rl.Allow("k") {
		t.Fatal("attempt after Forget should be allowed")
	}
}
