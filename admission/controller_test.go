package admission

import (
	"testing"
	"time"
)

func TestControllerCheckConnectEnforcesTotalCap(t *testing.T) {
	c := NewController(1, 10, nil, nil, nil)

	if v := c.CheckConnect("1.2.3.4:1111"); !v.Accept {
		t.Fatalf("expected first connection to be admitted, got %+v", v)
	}
	if v := c.CheckConnect("5.6.7.8:2222"); v.Accept || v.Code != 421 {
		t.Fatalf("expected second connection to be rejected with 421, got %+v", v)
	}
}

func TestControllerCheckConnectEnforcesPerIPCap(t *testing.T) {
	c := NewController(10, 1, nil, nil, nil)

	if v := c.CheckConnect("1.2.3.4:1111"); !v.Accept {
		t.Fatalf("expected first connection from the address to be admitted, got %+v", v)
	}
	if v := c.CheckConnect("1.2.3.4:2222"); v.Accept || v.Code != 421 {
		t.Fatalf("expected second connection from the same address to be rejected, got %+v", v)
	}
	if v := c.CheckConnect("9.9.9.9:3333"); !v.Accept {
		t.Fatalf("expected connection from a different address to be admitted, got %+v", v)
	}
}

func TestControllerReleaseFreesCapacity(t *testing.T) {
	c := NewController(1, 10, nil, nil, nil)

	c.CheckConnect("1.2.3.4:1111")
	c.Release("1.2.3.4:1111")
	if v := c.CheckConnect("5.6.7.8:2222"); !v.Accept {
		t.Fatalf("expected capacity to be freed after Release, got %+v", v)
	}
}

func TestControllerCheckRateDelegatesToIPRateLimiter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	rlIP := NewRateLimiter(60, 1, clock)
	c := NewController(10, 10, rlIP, nil, nil)

	if v := c.CheckRate("ip:1.2.3.4"); !v.Accept {
		t.Fatalf("expected first check to be accepted, got %+v", v)
	}
	if v := c.CheckRate("ip:1.2.3.4"); v.Accept || v.Code != 450 {
		t.Fatalf("expected second check to be rejected with 450, got %+v", v)
	}
}

// TestControllerCheckRateUsesDistinctPerUserLimit confirms the per-user
// limiter is a separate instance with its own threshold (spec.md §4.4,
// §6's per_ip_n vs per_user_n): a per-IP limit of 1 must not throttle an
// authenticated user whose own limit is higher, and the user counter must
// not leak into the IP counter's bucket for the same key space.
func TestControllerCheckRateUsesDistinctPerUserLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	rlIP := NewRateLimiter(60, 1, clock)
	rlUser := NewRateLimiter(60, 3, clock)
	c := NewController(10, 10, rlIP, rlUser, nil)

	if v := c.CheckRate("ip:9.9.9.9"); !v.Accept {
		t.Fatalf("expected first IP check to be accepted, got %+v", v)
	}
	if v := c.CheckRate("ip:9.9.9.9"); v.Accept || v.Code != 450 {
		t.Fatalf("expected second IP check to be rejected at the per-IP limit of 1, got %+v", v)
	}

	for i := 0; i < 3; i++ {
		if v := c.CheckRate("user:alice"); !v.Accept {
			t.Fatalf("expected user check %d to be accepted under the per-user limit of 3, got %+v", i, v)
		}
	}
	if v := c.CheckRate("user:alice"); v.Accept || v.Code != 450 {
		t.Fatalf("expected 4th user check to be rejected at the per-user limit of 3, got %+v", v)
	}
}

func TestControllerCheckRateNilLimiterAlwaysAccepts(t *testing.T) {
	c := NewController(10, 10, nil, nil, nil)
	if v := c.CheckRate("ip:1.2.3.4"); !v.Accept {
		t.Fatalf("expected acceptance when no rate limiter is configured, got %+v", v)
	}
	if v := c.CheckRate("user:alice"); !v.Accept {
		t.Fatalf("expected acceptance when no rate limiter is configured, got %+v", v)
	}
}

func TestControllerCheckGreylistDelegatesToGreylist(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gl := NewGreylist(5*time.Minute, time.Hour, 0, clock, nil)
	c := NewController(10, 10, nil, nil, gl)

	if v := c.CheckGreylist("1.2.3.4", "a@x", "b@y"); v.Accept || v.Code != 451 {
		t.Fatalf("expected first observation to be deferred with 451, got %+v", v)
	}
}

func TestControllerNoGreylistConfiguredAlwaysAccepts(t *testing.T) {
	c := NewController(10, 10, nil, nil, nil)
	if v := c.CheckGreylist("1.2.3.4", "a@x", "b@y"); !v.Accept {
		t.Fatalf("expected acceptance when no greylist is configured, got %+v", v)
	}
}
