// Package webhook implements smtp.WebhookNotifier, grounded on the
// teacher's inet.DoHTTP: a fire-and-forget POST with its own bounded
// retry/timeout and best-effort logging, never an error the caller must
// handle. Retries are delegated to hashicorp/go-retryablehttp instead of
// the teacher's own retry loop, and an optional AWS X-Ray round tripper can
// wrap the client the same way the teacher wraps http.Client with xray.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/duskmail/ingest/lalog"
	"github.com/duskmail/ingest/smtp"
)

// Notifier posts an EnvelopeSummary to a configured endpoint after every
// accepted message.
type Notifier struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	EnableXRay bool

	client *retryablehttp.Client
	logger lalog.Logger
}

// New constructs a Notifier. A zero Timeout defaults to 10s and a zero
// MaxRetries defaults to 3, mirroring the teacher's HTTPRequest.FillBlanks
// defaulting idiom.
func New(url string, timeout time.Duration, maxRetries int, enableXRay bool) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := lalog.Logger{ComponentName: "webhook.notifier"}

	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.HTTPClient.Timeout = timeout
	client.Logger = nil // the library's own logger is replaced by ours below
	if enableXRay {
		client.HTTPClient.Transport = xray.RoundTripper(client.HTTPClient.Transport)
	}

	return &Notifier{
		URL:        url,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		EnableXRay: enableXRay,
		client:     client,
		logger:     logger,
	}
}

// Notify implements smtp.WebhookNotifier. It never blocks the calling
// session beyond Timeout and never surfaces an error to the caller: a
// failed delivery is logged and dropped, per spec.md §4.7's "best effort"
// contract for this collaborator.
func (n *Notifier) Notify(ctx context.Context, summary smtp.EnvelopeSummary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		n.logger.Warning(summary.QueueID, err, "failed to marshal webhook payload")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warning(summary.QueueID, err, "failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warning(summary.QueueID, err, "webhook delivery failed after %s", time.Since(start))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		n.logger.Warning(summary.QueueID, nil, "webhook endpoint replied with status %d", resp.StatusCode)
		return
	}
	n.logger.Info(summary.QueueID, nil, "webhook delivered in %s", time.Since(start))
}
