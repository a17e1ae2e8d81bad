package smtp

import (
	"context"
	"crypto/tls"
	"time"
)

// CredentialVerifier authenticates a username/password pair. A non-nil error
// means the check itself could not be completed (the session answers 454),
// which is distinct from a plain false valid/nil error, meaning "credentials
// are simply wrong" (535).
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (valid bool, err error)
}

// QueueSink is the downstream message queue. Transient/Permanent errors are
// distinguished because the session maps them to different SMTP codes
// (451 vs 554).
type QueueSink interface {
	Enqueue(ctx context.Context, envelope *Envelope, body []byte) (queueID string, err error)
}

// WebhookNotifier fires a best-effort notification after a message is
// accepted. Implementations own their own timeout; a failure here is logged
// but never turns a 250 into an error reply.
type WebhookNotifier interface {
	Notify(ctx context.Context, summary EnvelopeSummary)
}

// EnvelopeSummary is the subset of an Envelope handed to WebhookNotifier.
type EnvelopeSummary struct {
	QueueID      string
	Sender       string
	Recipients   []string
	Size         int64
	ReceivedAt   time.Time
	RemoteAddr   string
	Authenticated bool
	Username     string
}

// TLSMaterial is the certificate chain and private key used for STARTTLS.
type TLSMaterial struct {
	Certificates []tls.Certificate
}

// TLSMaterialProvider supplies certificate/key material for STARTTLS. It
// may be called on every upgrade, or may cache internally.
type TLSMaterialProvider interface {
	Load(ctx context.Context) (*TLSMaterial, error)
}

// Clock is injected so rate-limit windows, timeouts, and greylist delays can
// be tested deterministically.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default production Clock.
var SystemClock Clock = systemClock{}

// Verdict is the outcome of an admission check, carrying enough information
// for the session to produce the single SMTP reply appropriate to whichever
// sub-policy fired, without needing to know which one it was.
type Verdict struct {
	Accept  bool
	Code    int
	Message string
}

// Accepted is the zero-cost "allow" verdict.
var Accepted = Verdict{Accept: true}

// AdmissionController composes connection caps, rate limiting and
// greylisting into the three checkpoints the session consults. The recipient
// cap and the message size limits are enforced by the session itself.
// The concrete implementation lives in package admission; smtp depends only
// on this interface to avoid a cyclic import.
type AdmissionController interface {
	CheckConnect(peerAddr string) Verdict
	CheckRate(key string) Verdict
	CheckGreylist(peerAddr, sender, recipient string) Verdict
}

// RateLimitStore optionally persists rate-limit bucket state so it survives
// a restart. Implementations mirror the in-memory sliding-window structure.
type RateLimitStore interface {
	LoadBuckets(ctx context.Context, key string) (map[int64]int, error)
	SaveBucket(ctx context.Context, key string, bucket int64, count int) error
	DeleteKey(ctx context.Context, key string) error
}

// GreylistStore optionally persists greylist triplet rows.
type GreylistStore interface {
	LoadAll(ctx context.Context) ([]GreylistRow, error)
	Save(ctx context.Context, row GreylistRow) error
	Delete(ctx context.Context, key string) error
}

// GreylistRow is the durable representation of one greylist triplet.
type GreylistRow struct {
	Key            string
	PeerAddr       string
	Sender         string
	Recipient      string
	FirstSeen      time.Time
	Attempts       int
	WhitelistedAt  time.Time
	HasWhitelisted bool
}
