package callerlimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("caller-1"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retryAfter := l.Allow("caller-1")
	if ok {
		t.Fatal("4th request should be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfterSeconds = %d, want > 0", retryAfter)
	}
}

func TestAllowIndependentPerKey(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Stop()

	if ok, _ := l.Allow("caller-a"); !ok {
		t.Fatal("caller-a first request should be allowed")
	}
	if ok, _ := l.Allow("caller-b"); !ok {
		t.Fatal("caller-b first request should be allowed, independent window")
	}
	if ok, _ := l.Allow("caller-a"); ok {
		t.Fatal("caller-a second request should be denied")
	}
}

func TestAllowRefillsAfterWindow(t *testing.T) {
	l := New(1, 20*time.Millisecond)
	defer l.Stop()

	if ok, _ := l.Allow("caller-1"); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := l.Allow("caller-1"); ok {
		t.Fatal("second immediate request should be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Allow("caller-1"); !ok {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestEvictsLRUWhenAtCapacity(t *testing.T) {
	l := New(1, time.Minute, WithMaxKeys(2))
	defer l.Stop()

	l.Allow("caller-1")
	l.Allow("caller-2")
	l.Allow("caller-3") // should evict caller-1 (least recently used)

	// caller-1 was evicted, so its window has reset and it should be
	// allowed again immediately.
	if ok, _ := l.Allow("caller-1"); !ok {
		t.Error("expected caller-1 to be re-admitted after eviction")
	}
}
