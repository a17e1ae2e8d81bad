// Package admission implements the shared, process-wide admission policy:
// sliding-window rate limiting, greylisting, and the controller that
// composes them (plus connection caps) into the verdicts the
// smtp.Session consults at its three checkpoints.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/duskmail/ingest/smtp"
)

// keyCounters is one key's ring of per-second bucket counts. All
// read-modify-write access to a single key's ring is serialized by mu, per
// spec.md §4.4's concurrency requirement.
type keyCounters struct {
	mu      sync.Mutex
	buckets map[int64]int
}

func (k *keyCounters) sum(windowStart int64) int {
	total := 0
	for bucket, count := range k.buckets {
		if bucket >= windowStart {
			total += count
		}
	}
	return total
}

func (k *keyCounters) sweep(windowStart int64) {
	for bucket := range k.buckets {
		if bucket < windowStart {
			delete(k.buckets, bucket)
		}
	}
}

func (k *keyCounters) empty() bool {
	return len(k.buckets) == 0
}

// RateLimiter is a sliding-window admission check keyed by an arbitrary
// string (peer address or username). Each key maps to a ring of per-second
// buckets covering the last WindowSecs seconds; admission sums the ring,
// and a bucket older than the window is dropped in O(buckets) time rather
// than being walked event-by-event.
type RateLimiter struct {
	WindowSecs int
	Limit      int
	Clock      smtp.Clock
	Store      smtp.RateLimitStore

	mu   sync.RWMutex
	keys map[string]*keyCounters
}

// NewRateLimiter constructs a RateLimiter. clock may be nil to default to
// smtp.SystemClock.
func NewRateLimiter(windowSecs, limit int, clock smtp.Clock) *RateLimiter {
	if clock == nil {
		clock = smtp.SystemClock
	}
	return &RateLimiter{
		WindowSecs: windowSecs,
		Limit:      limit,
		Clock:      clock,
		keys:       make(map[string]*keyCounters),
	}
}

func (r *RateLimiter) keyFor(key string) *keyCounters {
	r.mu.RLock()
	kc, ok := r.keys[key]
	r.mu.RUnlock()
	if ok {
		return kc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if kc, ok = r.keys[key]; ok {
		return kc
	}
	kc = &keyCounters{buckets: make(map[int64]int)}
	if r.Store != nil {
		if buckets, err := r.Store.LoadBuckets(context.Background(), key); err == nil {
			for bucket, count := range buckets {
				kc.buckets[bucket] = count
			}
		}
	}
	r.keys[key] = kc
	return kc
}

// CheckAndIncrement reports whether key is still within its limit for the
// current window, incrementing its counter as a side effect when allowed.
func (r *RateLimiter) CheckAndIncrement(key string) bool {
	now := r.Clock.Now().Unix()
	windowStart := now - int64(r.WindowSecs)
	kc := r.keyFor(key)

	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.sweep(windowStart)
	if kc.sum(windowStart) >= r.Limit {
		return false
	}
	kc.buckets[now]++
	if r.Store != nil {
		_ = r.Store.SaveBucket(context.Background(), key, now, kc.buckets[now])
	}
	return true
}

// Sweep removes keys whose entire ring has gone empty. It is intended to be
// called periodically (see spec.md §4.4's background sweep) rather than on
// every admission check, so that removal contends for the map lock only
// occasionally, not on the hot path.
func (r *RateLimiter) Sweep() {
	now := r.Clock.Now().Unix()
	windowStart := now - int64(r.WindowSecs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, kc := range r.keys {
		kc.mu.Lock()
		kc.sweep(windowStart)
		empty := kc.empty()
		kc.mu.Unlock()
		if empty {
			delete(r.keys, key)
			if r.Store != nil {
				_ = r.Store.DeleteKey(context.Background(), key)
			}
		}
	}
}

// RunSweeper starts a background goroutine that calls Sweep every interval
// until ctx is done.
func (r *RateLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
