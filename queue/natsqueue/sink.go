// Package natsqueue implements smtp.QueueSink over a NATS JetStream stream,
// grounded on the lifecycle shape of the teacher's component wrappers
// (construct once, connect, publish per call, Close on shutdown) applied to
// the real nats.go client rather than an embedded server.
package natsqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duskmail/ingest/lalog"
	ismtp "github.com/duskmail/ingest/smtp"
)

// classifyErr wraps err as a *ismtp.Error carrying the Transient/Permanent
// classification the session needs, per spec.md §7: a connectivity or
// timeout failure is retryable, while a stream/subject configuration error
// (e.g. the JetStream subject has no matching stream) is not.
func classifyErr(err error) *ismtp.Error {
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrSlowConsumer),
		errors.Is(err, nats.ErrJetStreamNotEnabled),
		errors.Is(err, nats.ErrJetStreamNotEnabledForAccount):
		return &ismtp.Error{Kind: ismtp.KindTransient, Code: 451, Msg: "nats publish failed, try again later", Err: err}
	case errors.Is(err, nats.ErrNoStreamResponse),
		errors.Is(err, nats.ErrStreamNotFound):
		return &ismtp.Error{Kind: ismtp.KindPermanent, Code: 554, Msg: "nats publish failed", Err: err}
	default:
		// Unclassified errors are most often a transport hiccup rather
		// than a message the stream will never accept.
		return &ismtp.Error{Kind: ismtp.KindTransient, Code: 451, Msg: "nats publish failed, try again later", Err: err}
	}
}

type message struct {
	QueueID    string    `json:"queue_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	ReceivedAt time.Time `json:"received_at"`
	BodyBase64 string    `json:"body_base64"`
}

// Sink publishes accepted envelopes onto a JetStream subject.
type Sink struct {
	Subject string

	conn   *nats.Conn
	js     nats.JetStreamContext
	logger lalog.Logger
}

// New connects to a NATS server at url and resolves its JetStream context.
func New(url, subject string) (*Sink, error) {
	conn, err := nats.Connect(url, nats.Name("ingest-queue"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsqueue.New: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsqueue.New: jetstream: %w", err)
	}
	return &Sink{
		Subject: subject,
		conn:    conn,
		js:      js,
		logger:  lalog.Logger{ComponentName: "queue.natsqueue"},
	}, nil
}

// Enqueue implements smtp.QueueSink.
func (s *Sink) Enqueue(ctx context.Context, envelope *ismtp.Envelope, body []byte) (string, error) {
	queueID := envelope.QueueID
	recipients := make([]string, len(envelope.Recipients))
	for i, r := range envelope.Recipients {
		recipients[i] = r.Address
	}
	payload, err := json.Marshal(message{
		QueueID:    queueID,
		Sender:     envelope.Sender,
		Recipients: recipients,
		ReceivedAt: envelope.ReceivedAt,
		BodyBase64: base64.StdEncoding.EncodeToString(body),
	})
	if err != nil {
		return "", fmt.Errorf("natsqueue.Sink.Enqueue: marshal: %w", err)
	}

	start := time.Now()
	_, err = s.js.Publish(s.Subject, payload, nats.Context(ctx), nats.MsgId(queueID))
	s.logger.Info(queueID, err, "Publish for %d bytes completed in %s", len(payload), time.Since(start))
	if err != nil {
		return "", classifyErr(err)
	}
	return queueID, nil
}

// Close drains and closes the underlying connection.
func (s *Sink) Close() error {
	return s.conn.Drain()
}
