package smtp

import "github.com/prometheus/client_golang/prometheus"

// Stats holds the atomic counters described in spec.md §3. They are backed
// by prometheus counters so a metrics collaborator can scrape them, but this
// core never registers an HTTP handler or otherwise exports them itself —
// metrics export is explicitly out of scope (spec.md §1).
type Stats struct {
	ConnectionsAccepted prometheus.Counter
	AuthSuccess         prometheus.Counter
	AuthFailure         prometheus.Counter
	MessagesReceived    prometheus.Counter
	BytesIngested       prometheus.Counter
	RateLimitRejections prometheus.Counter
	GreylistDefers      prometheus.Counter
	Timeouts            prometheus.Counter
}

// NewStats constructs counters and registers them with reg. Passing a nil
// registerer is valid and simply skips registration, which is convenient in
// tests that construct many short-lived Stats instances.
func NewStats(reg prometheus.Registerer) *Stats {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtp_ingest",
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return &Stats{
		ConnectionsAccepted: mk("connections_accepted_total", "Total TCP connections accepted."),
		AuthSuccess:         mk("auth_success_total", "Total successful authentications."),
		AuthFailure:         mk("auth_failure_total", "Total failed authentication attempts."),
		MessagesReceived:    mk("messages_received_total", "Total messages handed to the queue sink."),
		BytesIngested:       mk("bytes_ingested_total", "Total message body bytes ingested."),
		RateLimitRejections: mk("rate_limit_rejections_total", "Total DATA/BDAT commits rejected by the rate limiter."),
		GreylistDefers:      mk("greylist_defers_total", "Total RCPT commands deferred by greylisting."),
		Timeouts:            mk("timeouts_total", "Total sessions terminated by a timeout."),
	}
}
