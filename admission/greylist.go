package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/duskmail/ingest/smtp"
)

// tripletKey hashes (peer, sender, recipient) into a stable string, used
// both as the in-memory map key and the persisted store's row key (spec.md
// §6: "a stable hash of (peer, sender, recipient)").
func tripletKey(peer, sender, recipient string) string {
	h := sha256.New()
	h.Write([]byte(peer))
	h.Write([]byte{0})
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(recipient))
	return hex.EncodeToString(h.Sum(nil))
}

type greylistRow struct {
	peer, sender, recipient string
	firstSeen               time.Time
	attempts                int
	whitelistedAt           time.Time
	whitelisted             bool
}

// Greylist implements the temporary-defer triplet table from spec.md §4.5.
type Greylist struct {
	Delay              time.Duration
	TTL                time.Duration
	WhitelistThreshold int
	Clock              smtp.Clock
	Store              smtp.GreylistStore

	mu   sync.Mutex
	rows map[string]*greylistRow
}

// NewGreylist constructs a Greylist and, if store is non-nil, repopulates
// the in-memory table from it (spec.md §4.5: "repopulates the in-memory
// table on process start").
func NewGreylist(delay, ttl time.Duration, whitelistThreshold int, clock smtp.Clock, store smtp.GreylistStore) *Greylist {
	if clock == nil {
		clock = smtp.SystemClock
	}
	g := &Greylist{
		Delay:              delay,
		TTL:                ttl,
		WhitelistThreshold: whitelistThreshold,
		Clock:              clock,
		Store:              store,
		rows:               make(map[string]*greylistRow),
	}
	if store != nil {
		if rows, err := store.LoadAll(context.Background()); err == nil {
			for _, r := range rows {
				g.rows[r.Key] = &greylistRow{
					peer:          r.PeerAddr,
					sender:        r.Sender,
					recipient:     r.Recipient,
					firstSeen:     r.FirstSeen,
					attempts:      r.Attempts,
					whitelistedAt: r.WhitelistedAt,
					whitelisted:   r.HasWhitelisted,
				}
			}
		}
	}
	return g
}

// Check returns true if the triplet is accepted, false if it should be
// deferred. The first observation of any triplet always defers.
func (g *Greylist) Check(peer, sender, recipient string) bool {
	key := tripletKey(peer, sender, recipient)
	now := g.Clock.Now()

	g.mu.Lock()
	row, exists := g.rows[key]
	if !exists {
		row = &greylistRow{peer: peer, sender: sender, recipient: recipient, firstSeen: now}
		g.rows[key] = row
	}
	row.attempts++

	accept := exists && (row.whitelisted || now.Sub(row.firstSeen) >= g.Delay)
	if accept && !row.whitelisted && row.attempts-1 >= g.WhitelistThreshold && g.WhitelistThreshold > 0 {
		row.whitelisted = true
		row.whitelistedAt = now
	}
	snapshot := *row
	g.mu.Unlock()

	if g.Store != nil {
		_ = g.Store.Save(context.Background(), smtp.GreylistRow{
			Key: key, PeerAddr: peer, Sender: sender, Recipient: recipient,
			FirstSeen: snapshot.firstSeen, Attempts: snapshot.attempts,
			WhitelistedAt: snapshot.whitelistedAt, HasWhitelisted: snapshot.whitelisted,
		})
	}
	return accept
}

// Sweep evicts rows older than TTL.
func (g *Greylist) Sweep() {
	now := g.Clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, row := range g.rows {
		if now.Sub(row.firstSeen) > g.TTL {
			delete(g.rows, key)
			if g.Store != nil {
				_ = g.Store.Delete(context.Background(), key)
			}
		}
	}
}

// RunSweeper starts a background goroutine calling Sweep every interval
// until ctx is done.
func (g *Greylist) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}
