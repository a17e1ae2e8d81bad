package admission

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/duskmail/ingest/smtp"
)

// Controller composes connection caps, the two RateLimiters, and the
// Greylist into the three checkpoints spec.md §4.7 describes, implementing
// smtp.AdmissionController. The smtp package depends only on that
// interface, so this is the only place the concrete sub-policies meet.
type Controller struct {
	MaxConnections int
	MaxPerIP       int

	// RateLimiterIP and RateLimiterUser are separate sliding-window
	// counters with independent limits (spec.md §4.4: "Per-IP and per-user
	// counters are separate, using the same structure"). smtp.Session keys
	// CheckRate with an "ip:"/"user:" prefix (smtp/session.go's
	// rateLimitKey) so CheckRate can route to the right one.
	RateLimiterIP   *RateLimiter
	RateLimiterUser *RateLimiter
	Greylist        *Greylist // nil disables greylisting entirely

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// NewController wires a Controller from the already-constructed
// sub-policies. greylist may be nil when GreylistConfig.Enabled is false.
func NewController(maxConnections, maxPerIP int, rateLimiterIP, rateLimiterUser *RateLimiter, greylist *Greylist) *Controller {
	return &Controller{
		MaxConnections:  maxConnections,
		MaxPerIP:        maxPerIP,
		RateLimiterIP:   rateLimiterIP,
		RateLimiterUser: rateLimiterUser,
		Greylist:        greylist,
		perIP:           make(map[string]int),
	}
}

func hostOf(peerAddr string) string {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	return host
}

// CheckConnect is consulted at accept time (spec.md §4.7). It tracks the
// live-connection count itself; the total cap also has a coarser-grained
// enforcement at the listener via netutil.LimitListener (SPEC_FULL.md §4.3)
// — this check additionally enforces the per-IP cap, which the listener
// cannot see.
func (c *Controller) CheckConnect(peerAddr string) smtp.Verdict {
	host := hostOf(peerAddr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MaxConnections > 0 && c.total >= c.MaxConnections {
		return smtp.Verdict{Accept: false, Code: 421, Message: "too busy"}
	}
	if c.MaxPerIP > 0 && c.perIP[host] >= c.MaxPerIP {
		return smtp.Verdict{Accept: false, Code: 421, Message: "too many connections from your address"}
	}
	c.total++
	c.perIP[host]++
	return smtp.Accepted
}

// Release decrements the live-connection bookkeeping; callers must invoke
// it exactly once per accepted connection that passed CheckConnect, when
// the session ends.
func (c *Controller) Release(peerAddr string) {
	host := hostOf(peerAddr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total > 0 {
		c.total--
	}
	if c.perIP[host] > 0 {
		c.perIP[host]--
		if c.perIP[host] == 0 {
			delete(c.perIP, host)
		}
	}
}

// CheckRate is consulted at DATA/BDAT commit (spec.md §4.7). It routes to
// the per-user limiter when key carries the "user:" prefix smtp.Session
// uses for authenticated senders, and to the per-IP limiter otherwise.
func (c *Controller) CheckRate(key string) smtp.Verdict {
	rl := c.RateLimiterIP
	if strings.HasPrefix(key, "user:") {
		rl = c.RateLimiterUser
	}
	if rl == nil {
		return smtp.Accepted
	}
	if rl.CheckAndIncrement(key) {
		return smtp.Accepted
	}
	return smtp.Verdict{Accept: false, Code: 450, Message: "rate limit exceeded, try again later"}
}

// CheckGreylist is consulted at RCPT (spec.md §4.7).
func (c *Controller) CheckGreylist(peerAddr, sender, recipient string) smtp.Verdict {
	if c.Greylist == nil {
		return smtp.Accepted
	}
	if c.Greylist.Check(peerAddr, sender, recipient) {
		return smtp.Accepted
	}
	return smtp.Verdict{Accept: false, Code: 451, Message: "Greylisted, please try again shortly"}
}

// RunSweepers starts both RateLimiters' and the Greylist's periodic
// sweeps, when configured, until ctx is done.
func (c *Controller) RunSweepers(ctx context.Context, interval time.Duration) {
	if c.RateLimiterIP != nil {
		c.RateLimiterIP.RunSweeper(ctx, interval)
	}
	if c.RateLimiterUser != nil {
		c.RateLimiterUser.RunSweeper(ctx, interval)
	}
	if c.Greylist != nil {
		c.Greylist.RunSweeper(ctx, interval)
	}
}
