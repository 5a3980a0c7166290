package cache

import (
	"testing"
)

func TestLRUExpiryUsesCallerClock(t *testing.T) {
	l, err := NewLRU[string](10, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Set("a", "alpha", 1_000)
	l.Set("b", "beta", 0)

	if v, ok := l.Get("a", 999); !ok || v != "alpha" {
		t.Errorf("expected alpha before expiry, got %q %v", v, ok)
	}
	if _, ok := l.Get("a", 1_000); ok {
		t.Error("entry should be gone at its expiry instant")
	}
	if _, ok := l.Get("b", 1<<60); !ok {
		t.Error("entry without expiry should never expire")
	}
}

func TestLRUSweep(t *testing.T) {
	l, _ := NewLRU[int](10, nil)
	for i := 1; i <= 5; i++ {
		l.Set(string(rune('a'+i)), i, int64(i*100))
	}
	l.Set("keep", 0, 0)
	if removed := l.Sweep(300); removed != 3 {
		t.Errorf("Sweep removed %d, want 3", removed)
	}
	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
}

func TestLRUBoundedEviction(t *testing.T) {
	var evicted []string
	l, _ := NewLRU[int](2, func(k string, _ int) { evicted = append(evicted, k) })
	l.Set("x", 1, 0)
	l.Set("y", 2, 0)
	l.Get("x", 0)
	l.Set("z", 3, 0)
	if len(evicted) != 1 || evicted[0] != "y" {
		t.Errorf("expected y evicted as least recently used, got %v", evicted)
	}
	if exp, ok := l.Expiry("z"); !ok || exp != 0 {
		t.Errorf("Expiry(z) = %d %v", exp, ok)
	}
}

func TestNewLRURejectsBadSize(t *testing.T) {
	if _, err := NewLRU[int](0, nil); err == nil {
		t.Error("expected error for zero size")
	}
}
