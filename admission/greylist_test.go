package admission

import (
	"testing"
	"time"
)

func TestGreylistDefersFirstObservation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(5*time.Minute, time.Hour, 0, clock, nil)

	if g.Check("1.2.3.4", "a@x", "b@y") {
		t.Fatalf("expected first observation to defer")
	}
}

func TestGreylistAcceptsAfterDelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(5*time.Minute, time.Hour, 0, clock, nil)

	g.Check("1.2.3.4", "a@x", "b@y")
	clock.advance(5*time.Minute + time.Second)
	if !g.Check("1.2.3.4", "a@x", "b@y") {
		t.Fatalf("expected acceptance after delay has elapsed")
	}
}

func TestGreylistStillDefersBeforeDelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(5*time.Minute, time.Hour, 0, clock, nil)

	g.Check("1.2.3.4", "a@x", "b@y")
	clock.advance(time.Minute)
	if g.Check("1.2.3.4", "a@x", "b@y") {
		t.Fatalf("expected continued defer before delay elapses")
	}
}

func TestGreylistDistinctTripletsAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(5*time.Minute, time.Hour, 0, clock, nil)

	clock.advance(10 * time.Minute)
	g.Check("1.2.3.4", "a@x", "b@y")
	if g.Check("5.6.7.8", "a@x", "b@y") {
		t.Fatalf("expected a different peer to defer independently")
	}
}

func TestGreylistWhitelistPromotion(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(time.Minute, time.Hour, 1, clock, nil)

	g.Check("1.2.3.4", "a@x", "b@y") // attempt 1: defer, first observation
	clock.advance(2 * time.Minute)
	if !g.Check("1.2.3.4", "a@x", "b@y") { // attempt 2: accepted, 1st successful accept reaches threshold
		t.Fatalf("expected acceptance once the delay has elapsed")
	}

	g.mu.Lock()
	row := g.rows[tripletKey("1.2.3.4", "a@x", "b@y")]
	whitelisted := row.whitelisted
	g.mu.Unlock()
	if !whitelisted {
		t.Fatalf("expected triplet to be promoted to whitelisted after reaching the threshold")
	}
}

func TestGreylistSweepEvictsExpiredRows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGreylist(time.Minute, time.Hour, 0, clock, nil)
	g.Check("1.2.3.4", "a@x", "b@y")

	clock.advance(2 * time.Hour)
	g.Sweep()

	g.mu.Lock()
	count := len(g.rows)
	g.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected expired row to be evicted, found %d remaining", count)
	}
}
