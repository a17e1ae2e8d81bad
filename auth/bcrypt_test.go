package auth

import (
	"context"
	"testing"
)

func TestBcryptVerifierAcceptsCorrectPassword(t *testing.T) {
	v := NewBcryptVerifier()
	if err := v.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("SetPassword failed: %+v", err)
	}
	ok, err := v.Verify(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !ok {
		t.Fatalf("expected correct password to verify")
	}
}

func TestBcryptVerifierRejectsWrongPassword(t *testing.T) {
	v := NewBcryptVerifier()
	v.SetPassword("alice", "hunter2")
	ok, err := v.Verify(context.Background(), "alice", "wrong")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if ok {
		t.Fatalf("expected wrong password to be rejected")
	}
}

func TestBcryptVerifierRejectsUnknownUser(t *testing.T) {
	v := NewBcryptVerifier()
	ok, err := v.Verify(context.Background(), "nobody", "whatever")
	if err != nil {
		t.Fatalf("unexpected error for unknown user: %+v", err)
	}
	if ok {
		t.Fatalf("expected unknown user to be rejected")
	}
}

func TestBcryptVerifierRemoveUser(t *testing.T) {
	v := NewBcryptVerifier()
	v.SetPassword("alice", "hunter2")
	v.RemoveUser("alice")
	ok, _ := v.Verify(context.Background(), "alice", "hunter2")
	if ok {
		t.Fatalf("expected removed user to no longer verify")
	}
}
