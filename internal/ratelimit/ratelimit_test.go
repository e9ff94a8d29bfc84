package ratelimit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(0, 1, 3) // global disabled; 1/s per key; burst 3

	client := "203.0.113.7"
	for i := 0; i < 3; i++ {
		if !rl.Allow(client) {
			t.Errorf("Expected event %d to be allowed for %s", i, client)
		}
	}
	if rl.Allow(client) {
		t.Error("Expected event to be denied after burst")
	}

	// A different key has its own bucket.
	if !rl.Allow("198.51.100.1") {
		t.Error("Expected a different key to be allowed")
	}
}

func TestRateLimiterGlobal(t *testing.T) {
	rl := NewRateLimiter(1, 0, 2) // global: 1/s burst 2; per-key disabled

	if !rl.Allow("a") {
		t.Error("Expected first global event to be allowed")
	}
	if !rl.Allow("b") {
		t.Error("Expected second global event to be allowed")
	}
	if rl.Allow("a") {
		t.Error("Expected event to be denied due to global limit")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(0, 20, 1)
	if !rl.Allow("k") {
		t.Fatal("Expected first event to be allowed")
	}
	if rl.Allow("k") {
		t.Fatal("Expected second event to be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("Expected event to be allowed after refill")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(0, 1, 1)
	rl.Allow("web")
	rl.Allow("ssh")
	if rl.Len() != 2 {
		t.Fatalf("Expected 2 limiters, got %d", rl.Len())
	}
	rl.CleanupExpired(map[string]bool{"web": true})
	if rl.Len() != 1 {
		t.Fatalf("Expected 1 limiter after cleanup, got %d", rl.Len())
	}
	rl.Forget("web")
	if rl.Len() != 0 {
		t.Fatalf("Expected 0 limiters after Forget, got %d", rl.Len())
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatalf("Expected event %d to be allowed when limits disabled", i)
		}
	}
	var nilRL *RateLimiter
	if !nilRL.Allow("k") {
		t.Fatal("nil limiter should allow everything")
	}
}

func TestBandwidthWriter(t *testing.T) {
	if NewBandwidth(0) != nil {
		t.Fatal("zero bandwidth should disable the limiter")
	}
	var out bytes.Buffer
	w := Writer(context.Background(), &out, NewBandwidth(1<<20))
	data := bytes.Repeat([]byte("x"), 100*1024)
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(data) || !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("wrote %d bytes, buffer has %d", n, out.Len())
	}
}

func TestBandwidthWriterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	lim := NewBandwidth(1)
	lim.AllowN(time.Now(), lim.Burst()) // drain the bucket
	w := Writer(ctx, &out, lim)
	if _, err := w.Write([]byte("hello")); err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}

func TestBandwidthWriterExhaustedBudget(t *testing.T) {
	// a zero rate never refills, so only the initial burst can be written
	var out bytes.Buffer
	w := Writer(context.Background(), &out, rate.NewLimiter(0, 4))
	n, err := w.Write([]byte("hello"))
	if err == nil {
		t.Fatal("expected an error once the budget is spent")
	}
	if n != 4 || out.String() != "hell" {
		t.Fatalf("wrote %d bytes: %q", n, out.String())
	}
}
