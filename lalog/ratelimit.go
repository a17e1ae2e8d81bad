package lalog

import (
	"sync"
	"time"
)

// RateLimit throttles a Logger's own output so that a misbehaving peer or a
// tight retry loop cannot flood stderr. It is a fixed-window counter, reset
// wholesale every UnitSecs, which is adequate for self-throttling since the
// logger only needs "not too much in any given window", not precise
// admission control (see admission.RateLimiter for that).
type RateLimit struct {
	UnitSecs int64
	MaxCount int

	lastTimestamp int64
	counter       map[string]int
	counterMutex  sync.Mutex
}

// NewRateLimit constructs a ready-to-use RateLimit.
func NewRateLimit(unitSecs int64, maxCount int) *RateLimit {
	if unitSecs < 1 || maxCount < 1 {
		panic("lalog.NewRateLimit: UnitSecs and MaxCount must be greater than 0")
	}
	return &RateLimit{
		UnitSecs: unitSecs,
		MaxCount: maxCount,
		counter:  make(map[string]int),
	}
}

// Add increments the counter for actor and reports whether the call is
// still within the limit for the current window.
func (limit *RateLimit) Add(actor string) bool {
	limit.counterMutex.Lock()
	defer limit.counterMutex.Unlock()
	if now := time.Now().Unix(); now-limit.lastTimestamp >= limit.UnitSecs {
		limit.counter = make(map[string]int)
		limit.lastTimestamp = now
	}
	count := limit.counter[actor]
	if count >= limit.MaxCount {
		return false
	}
	limit.counter[actor] = count + 1
	return true
}
