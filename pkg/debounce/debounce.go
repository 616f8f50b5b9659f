package debounce

import (
	"context"
	"sync"
	"time"
)

// Limiter is the admission gate a Coalescer runs fires through.
// Satisfied by ratelimit.TokenBucket / ratelimit.SlidingWindow.
type Limiter interface {
	Wait(ctx context.Context) error
}

type entry[V any] struct {
	latest V
	timer  *time.Timer
}

// Coalescer collapses bursts of per-key updates into a single callback per
// key. The first update for a key arms a timer; updates that arrive while
// the timer is pending only replace the stored value ("latest write wins").
// When the quiet period elapses the callback runs once with the last value,
// optionally gated by a global rate limiter.
//
// NOTE: This is intentionally minimal and concurrency-safe. Fires run on
// their own goroutines; the callback must be safe to call concurrently for
// different keys.
type Coalescer[K comparable, V any] struct {
	mu      sync.Mutex
	quiet   time.Duration
	pending map[K]*entry[V]
	fire    func(K, V)
	limiter Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewCoalescer creates a Coalescer with the given quiet period.
// limiter may be nil (no global admission control).
func NewCoalescer[K comparable, V any](quiet time.Duration, limiter Limiter, fire func(K, V)) *Coalescer[K, V] {
	if quiet <= 0 {
		quiet = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[K, V]{
		quiet:   quiet,
		pending: make(map[K]*entry[V]),
		fire:    fire,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger records an update for key. Returns true if this update armed a new
// window, false if it coalesced into a pending one.
func (c *Coalescer[K, V]) Trigger(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	if e, ok := c.pending[key]; ok {
		e.latest = value
		return false
	}

	e := &entry[V]{latest: value}
	e.timer = time.AfterFunc(c.quiet, func() { c.flush(key) })
	c.pending[key] = e
	return true
}

// flush takes the latest value for key off the pending set and fires it.
func (c *Coalescer[K, V]) flush(key K) {
	c.mu.Lock()
	e, ok := c.pending[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	latest := e.latest
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return // shutting down
			}
		}
		c.fire(key, latest)
	}()
}

// PendingCount returns how many keys currently have an armed window.
func (c *Coalescer[K, V]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels pending windows and waits for in-flight fires.
func (c *Coalescer[K, V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, e := range c.pending {
		e.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
