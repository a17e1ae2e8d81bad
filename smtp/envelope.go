package smtp

import "time"

// BodyEncoding is the negotiated BODY= parameter from MAIL FROM.
type BodyEncoding string

const (
	Body7Bit      BodyEncoding = "7BIT"
	Body8BitMime  BodyEncoding = "8BITMIME"
	BodyBinaryMime BodyEncoding = "BINARYMIME"
)

// Envelope is the (sender, recipients, parameters) tuple communicated by
// MAIL/RCPT, distinct from message headers. Addresses are kept as opaque
// byte strings past the parser; this core does not validate UTF-8 or
// otherwise interpret their structure (see the Open Question in spec.md §9).
type Envelope struct {
	Sender       string
	DeclaredSize int64
	HasDeclaredSize bool
	Recipients   []Recipient
	Body         BodyEncoding
	Ret          string
	Envid        string

	QueueID    string
	ReceivedAt time.Time
}

// Reset clears the envelope back to its zero value, used on RSET and after
// a completed transaction's implicit reset.
func (e *Envelope) Reset() {
	*e = Envelope{}
}

// Summary produces the subset handed to the WebhookNotifier.
func (e *Envelope) Summary(remoteAddr string, authenticated bool, username string) EnvelopeSummary {
	addrs := make([]string, len(e.Recipients))
	for i, r := range e.Recipients {
		addrs[i] = r.Address
	}
	return EnvelopeSummary{
		QueueID:       e.QueueID,
		Sender:        e.Sender,
		Recipients:    addrs,
		ReceivedAt:    e.ReceivedAt,
		RemoteAddr:    remoteAddr,
		Authenticated: authenticated,
		Username:      username,
	}
}
