// Package sqs implements smtp.QueueSink over Amazon SQS, grounded on the
// teacher's awsinteg.SQSClient: a session built once at construction, reused
// across SendMessageWithContext calls, instrumented with AWS X-Ray.
package sqs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"

	"github.com/duskmail/ingest/lalog"
	ismtp "github.com/duskmail/ingest/smtp"
)

// transientSQSCodes lists the AWS error codes that mean "try again later"
// rather than "this message will never send" (spec.md §7: the queue sink's
// Transient failure yields 451, Permanent yields 554).
var transientSQSCodes = map[string]bool{
	sqs.ErrCodeQueueDoesNotExist: false,
	"Throttling":                 true,
	"ThrottlingException":        true,
	"ServiceUnavailable":         true,
	"RequestTimeout":             true,
	"RequestTimeoutException":    true,
	"InternalError":              true,
	"KmsThrottlingException":     true,
}

// classifyErr wraps err as a *ismtp.Error carrying the Transient/Permanent
// classification the session needs, per spec.md §7.
func classifyErr(err error) *ismtp.Error {
	if aerr, ok := err.(awserr.Error); ok {
		if transientSQSCodes[aerr.Code()] {
			return &ismtp.Error{Kind: ismtp.KindTransient, Code: 451, Msg: "sqs send failed, try again later", Err: err}
		}
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode()/100 == 5 {
			return &ismtp.Error{Kind: ismtp.KindTransient, Code: 451, Msg: "sqs send failed, try again later", Err: err}
		}
		return &ismtp.Error{Kind: ismtp.KindPermanent, Code: 554, Msg: "sqs send failed", Err: err}
	}
	// A non-AWS error (timeout, connection reset, context cancellation) is
	// assumed transient: the failure is in reaching AWS, not in AWS
	// rejecting the message.
	return &ismtp.Error{Kind: ismtp.KindTransient, Code: 451, Msg: "sqs send failed, try again later", Err: err}
}

// message is the wire shape of an envelope, matching the attributes the
// webhook notifier and SQS consumer must agree on (SPEC_FULL.md §3).
type message struct {
	QueueID    string    `json:"queue_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	ReceivedAt time.Time `json:"received_at"`
	BodyBase64 string    `json:"body_base64"`
}

// Sink publishes accepted envelopes to an SQS queue.
type Sink struct {
	QueueURL string

	logger     lalog.Logger
	apiSession *session.Session
	client     *sqs.SQS
}

// New constructs a Sink bound to queueURL, using the AWS region configured
// in the environment's default credential chain.
func New(region, queueURL string) (*Sink, error) {
	logger := lalog.Logger{ComponentName: "queue.sqs"}
	apiSession, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("sqs.New: %w", err)
	}
	client := sqs.New(apiSession)
	xray.AWS(client.Client)
	return &Sink{
		QueueURL:   queueURL,
		logger:     logger,
		apiSession: apiSession,
		client:     client,
	}, nil
}

// Enqueue implements smtp.QueueSink.
func (s *Sink) Enqueue(ctx context.Context, envelope *ismtp.Envelope, body []byte) (string, error) {
	queueID := envelope.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
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
		return "", fmt.Errorf("sqs.Sink.Enqueue: marshal: %w", err)
	}

	start := time.Now()
	_, err = s.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		DelaySeconds: aws.Int64(0),
		MessageBody:  aws.String(string(payload)),
		QueueUrl:     aws.String(s.QueueURL),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"QueueID": {DataType: aws.String("String"), StringValue: aws.String(queueID)},
		},
	})
	s.logger.Info(queueID, err, "SendMessageWithContext for %d bytes completed in %s", len(payload), time.Since(start))
	if err != nil {
		return "", classifyErr(err)
	}
	return queueID, nil
}
