// ABOUTME: Thread-safe TTL guard that lets each approval handle execute at most once per process.
// ABOUTME: Tracks handles as in flight or done; failed executions release their claim for retry.

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInFlight means another caller is executing the same key right now.
	ErrInFlight = errors.New("execution already in progress")

	// ErrDone means the key already executed successfully.
	ErrDone = errors.New("already executed")
)

type state int

const (
	stateInFlight state = iota + 1
	stateDone
)

type guardEntry struct {
	state   state
	touched time.Time
	element *list.Element
}

// Guard records which keys are executing or have executed. Entries older
// than the TTL are forgotten, so the TTL must outlive whatever else makes
// the key unusable (for approval handles, the operation expiry).
type Guard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a guard with the given TTL and capacity. A background
// goroutine drops expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		entries: make(map[string]*guardEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// Claim atomically reserves key for execution. It returns ErrInFlight or
// ErrDone when the key is already held.
func (g *Guard) Claim(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok && g.now().Sub(e.touched) < g.ttl {
		if e.state == stateDone {
			return ErrDone
		}
		return ErrInFlight
	}
	g.setLocked(key, stateInFlight)
	return nil
}

// Complete marks a claimed key as executed.
func (g *Guard) Complete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(key, stateDone)
}

// Release drops a claim after a failed execution so the key can be retried.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok || e.state != stateInFlight {
		return
	}
	g.order.Remove(e.element)
	delete(g.entries, key)
}

// Len returns the number of tracked keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// setLocked must be called with mu held.
func (g *Guard) setLocked(key string, s state) {
	now := g.now()
	if e, ok := g.entries[key]; ok {
		e.state = s
		e.touched = now
		g.order.MoveToBack(e.element)
		return
	}
	if len(g.entries) >= g.maxSize {
		g.evictOldestLocked()
	}
	g.entries[key] = &guardEntry{state: s, touched: now, element: g.order.PushBack(key)}
}

func (g *Guard) evictOldestLocked() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.entries, key)
}

func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, e := range g.entries {
		if now.Sub(e.touched) > g.ttl {
			g.order.Remove(e.element)
			delete(g.entries, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
