// Package auth implements smtp.CredentialVerifier, generalising the
// teacher's PIN-gate idiom (a single shared secret checked before a command
// processor runs a privileged action) to a per-username credential table,
// hashed at rest with bcrypt rather than compared in the clear.
package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/duskmail/ingest/lalog"
)

// BcryptVerifier holds an in-memory table of username -> bcrypt hash. It
// implements smtp.CredentialVerifier.
type BcryptVerifier struct {
	mu     sync.RWMutex
	hashes map[string][]byte
	logger lalog.Logger
}

// NewBcryptVerifier constructs an empty verifier; call SetPassword to
// populate it. Loading credentials from a file or database is the caller's
// responsibility (persistent credential storage is out of scope here).
func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{
		hashes: make(map[string][]byte),
		logger: lalog.Logger{ComponentName: "auth.bcrypt"},
	}
}

// SetPassword hashes password with bcrypt's default cost and stores it for
// username, replacing any prior credential.
func (v *BcryptVerifier) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth.BcryptVerifier.SetPassword: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hashes[username] = hash
	return nil
}

// RemoveUser deletes username's credential, if any.
func (v *BcryptVerifier) RemoveUser(username string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.hashes, username)
}

// Verify implements smtp.CredentialVerifier. An unknown username and a
// wrong password are indistinguishable to the caller (both return
// valid=false, err=nil); bcrypt failures due to malformed stored hashes are
// a permanent, logged condition rather than a "wrong password" result.
func (v *BcryptVerifier) Verify(ctx context.Context, username, password string) (bool, error) {
	v.mu.RLock()
	hash, ok := v.hashes[username]
	v.mu.RUnlock()
	if !ok {
		return false, nil
	}
	switch err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err {
	case nil:
		return true, nil
	case bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		v.logger.Warning(username, err, "stored credential hash could not be compared")
		return false, err
	}
}
