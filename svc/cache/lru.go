package cache

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a bounded map whose entries carry an absolute expiry in epoch
// milliseconds (0 means none). Expiry is evaluated against the caller's
// clock, never the wall clock.
type LRU[V any] struct {
	c  *lru.Cache[string, item[V]]
	mu sync.Mutex
}
type item[V any] struct {
	val V
	exp int64
}

func NewLRU[V any](size int, onEvict func(key string, val V)) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	var cb func(string, item[V])
	if onEvict != nil {
		cb = func(k string, it item[V]) { onEvict(k, it.val) }
	}
	c, err := lru.NewWithEvict[string, item[V]](size, cb)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c}, nil
}

func (l *LRU[V]) Get(key string, nowMs int64) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if expired(it.exp, nowMs) {
		l.c.Remove(key)
		var zero V
		return zero, false
	}
	return it.val, true
}

// Peek is Get without touching recency.
func (l *LRU[V]) Peek(key string, nowMs int64) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Peek(key)
	if !ok || expired(it.exp, nowMs) {
		var zero V
		return zero, false
	}
	return it.val, true
}

func (l *LRU[V]) Set(key string, val V, expMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, item[V]{val: val, exp: expMs})
}

// Expiry returns the stored expiry of a live entry.
func (l *LRU[V]) Expiry(key string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Peek(key)
	if !ok {
		return 0, false
	}
	return it.exp, true
}

// Sweep drops every entry expired at nowMs and returns how many went.
func (l *LRU[V]) Sweep(nowMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, k := range l.c.Keys() {
		it, ok := l.c.Peek(k)
		if ok && expired(it.exp, nowMs) {
			l.c.Remove(k)
			removed++
		}
	}
	return removed
}

func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}

func expired(exp, nowMs int64) bool {
	return exp > 0 && nowMs >= exp
}
