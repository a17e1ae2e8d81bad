package lalog

import "testing"

func TestRateLimitAllowsUpToMaxCount(t *testing.T) {
	rl := NewRateLimit(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Add("actor") {
			t.Fatalf("expected call %d to be allowed", i)
		}
	}
	if rl.Add("actor") {
		t.Fatalf("expected call beyond max count to be rejected")
	}
}

func TestRateLimitActorsAreIndependent(t *testing.T) {
	rl := NewRateLimit(60, 1)
	if !rl.Add("a") {
		t.Fatalf("expected first actor to be allowed")
	}
	if !rl.Add("b") {
		t.Fatalf("expected second, distinct actor to be allowed independently")
	}
	if rl.Add("a") {
		t.Fatalf("expected first actor's second call to be rejected")
	}
}

func TestNewRateLimitPanicsOnBadInput(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-positive unitSecs")
		}
	}()
	NewRateLimit(0, 1)
}
