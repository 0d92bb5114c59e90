// ABOUTME: Single-use tracker for connect challenge nonces
// ABOUTME: TTL-bounded and size-bounded so a nonce can never authenticate twice

package nonce

import (
	"container/list"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// entry stores the issue time and list element for an outstanding nonce.
type entry struct {
	issuedAt time.Time
	element  *list.Element
}

// Tracker issues challenge nonces and enforces single use. Issued
// nonces expire after the TTL; the oldest is evicted when the tracker
// is at capacity. Both bounds keep an attacker from growing the table
// with unanswered challenges.
type Tracker struct {
	mu      sync.Mutex
	issued  map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a tracker with the given nonce TTL and capacity. A
// background goroutine sweeps expired nonces.
func New(ttl time.Duration, maxSize int) *Tracker {
	t := &Tracker{
		issued:  make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Issue mints a fresh nonce and records it as outstanding.
func (t *Tracker) Issue() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic("reading random bytes: " + err.Error())
	}
	n := base64.RawURLEncoding.EncodeToString(buf)

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.issued) >= t.maxSize {
		t.evictOldestLocked()
	}
	elem := t.order.PushBack(n)
	t.issued[n] = &entry{issuedAt: time.Now(), element: elem}
	return n
}

// Consume atomically checks that a nonce is outstanding and unexpired,
// and retires it. Returns false for unknown, expired, or already
// consumed nonces. The check-and-delete is one critical section so two
// concurrent connects cannot both spend the same nonce.
func (t *Tracker) Consume(n string) bool {
	if n == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.issued[n]
	if !ok {
		return false
	}
	t.order.Remove(e.element)
	delete(t.issued, n)
	return time.Since(e.issuedAt) < t.ttl
}

// evictOldestLocked drops the oldest outstanding nonce. Must be called
// with mu held.
func (t *Tracker) evictOldestLocked() {
	front := t.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.issued, key)
}

// sweep periodically removes expired nonces.
func (t *Tracker) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeExpired()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) removeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, e := range t.issued {
		if now.Sub(e.issuedAt) > t.ttl {
			t.order.Remove(e.element)
			delete(t.issued, key)
		}
	}
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
