/*
ingestd runs the ESMTP ingest server core wired to its reference
collaborators. It reads its settings, including which collaborator
backends to wire, from environment variables only: there is no flag
parsing and no configuration-file loading, since both remain out of
scope for the core itself;
this binary exists to exercise every component end to end, the way the
teacher's own main.go exists to wire daemons rather than implement them.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/duskmail/ingest/admission"
	"github.com/duskmail/ingest/auth"
	"github.com/duskmail/ingest/lalog"
	"github.com/duskmail/ingest/listener"
	"github.com/duskmail/ingest/queue/natsqueue"
	"github.com/duskmail/ingest/queue/sqs"
	"github.com/duskmail/ingest/smtp"
	"github.com/duskmail/ingest/store/nutsdbstore"
	"github.com/duskmail/ingest/tlsmaterial"
	"github.com/duskmail/ingest/webhook"
)

var logger = lalog.Logger{ComponentName: "ingestd"}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func buildConfig() *smtp.AdmissionConfig {
	cfg := &smtp.AdmissionConfig{
		Hostname:       envOr("INGESTD_HOSTNAME", "ingest.localhost"),
		MaxMessageSize: int64(envInt("INGESTD_MAX_MESSAGE_SIZE", 25*1024*1024)),
		MaxRecipients:  envInt("INGESTD_MAX_RECIPIENTS", 100),
		Timeouts: smtp.Timeouts{
			Idle:    envDuration("INGESTD_IDLE_TIMEOUT", 5*time.Minute),
			Command: envDuration("INGESTD_COMMAND_TIMEOUT", 2*time.Minute),
			Data:    envDuration("INGESTD_DATA_TIMEOUT", 10*time.Minute),
		},
		Connections: smtp.ConnectionLimits{
			Total: envInt("INGESTD_MAX_CONNECTIONS", 1000),
			PerIP: envInt("INGESTD_MAX_CONNECTIONS_PER_IP", 20),
		},
		Rate: smtp.RateLimits{
			WindowSecs:      envInt("INGESTD_RATE_WINDOW_SECS", 60),
			PerIP:           envInt("INGESTD_RATE_PER_IP", 30),
			PerUser:         envInt("INGESTD_RATE_PER_USER", 120),
			CleanupInterval: envDuration("INGESTD_RATE_CLEANUP_INTERVAL", 30*time.Second),
		},
		Greylist: smtp.GreylistConfig{
			Enabled:            os.Getenv("INGESTD_GREYLIST_ENABLED") == "true",
			Delay:              envDuration("INGESTD_GREYLIST_DELAY", 5*time.Minute),
			TTL:                envDuration("INGESTD_GREYLIST_TTL", 36*time.Hour),
			WhitelistThreshold: envInt("INGESTD_GREYLIST_WHITELIST_THRESHOLD", 3),
		},
		EnableTLS:         os.Getenv("INGESTD_ENABLE_TLS") == "true",
		EnableAuth:        os.Getenv("INGESTD_ENABLE_AUTH") == "true",
		StrictESMTPParams: os.Getenv("INGESTD_STRICT_ESMTP_PARAMS") == "true",
	}
	return cfg
}

func buildQueueSink() smtp.QueueSink {
	switch envOr("INGESTD_QUEUE_BACKEND", "sqs") {
	case "nats":
		sink, err := natsqueue.New(envOr("INGESTD_NATS_URL", "nats://127.0.0.1:4222"), envOr("INGESTD_NATS_SUBJECT", "ingest.messages"))
		if err != nil {
			logger.Panic("buildQueueSink", err, "failed to construct NATS queue sink")
		}
		return sink
	default:
		sink, err := sqs.New(envOr("AWS_REGION", "us-east-1"), envOr("INGESTD_SQS_QUEUE_URL", ""))
		if err != nil {
			logger.Panic("buildQueueSink", err, "failed to construct SQS queue sink")
		}
		return sink
	}
}

func buildAdmission(ctx context.Context) smtp.AdmissionController {
	cfg := buildConfig()

	var rateStore smtp.RateLimitStore
	var greylistStore smtp.GreylistStore
	if dir := os.Getenv("INGESTD_NUTSDB_DIR"); dir != "" {
		store, err := nutsdbstore.Open(dir)
		if err != nil {
			logger.Panic("buildAdmission", err, "failed to open persisted admission store")
		}
		rateStore = store
		greylistStore = store
	}

	rateLimiterIP := admission.NewRateLimiter(cfg.Rate.WindowSecs, cfg.Rate.PerIP, smtp.SystemClock)
	rateLimiterIP.Store = rateStore
	rateLimiterUser := admission.NewRateLimiter(cfg.Rate.WindowSecs, cfg.Rate.PerUser, smtp.SystemClock)
	rateLimiterUser.Store = rateStore

	var greylist *admission.Greylist
	if cfg.Greylist.Enabled {
		greylist = admission.NewGreylist(cfg.Greylist.Delay, cfg.Greylist.TTL, cfg.Greylist.WhitelistThreshold, smtp.SystemClock, greylistStore)
	}

	controller := admission.NewController(cfg.Connections.Total, cfg.Connections.PerIP, rateLimiterIP, rateLimiterUser, greylist)
	controller.RunSweepers(ctx, cfg.Rate.CleanupInterval)
	return controller
}

func main() {
	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		logger.Panic("main", err, "configuration failed validation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("main", nil, "shutdown signal received")
		cancel()
	}()

	controller := buildAdmission(ctx)
	queueSink := buildQueueSink()
	stats := smtp.NewStats(prometheus.DefaultRegisterer)

	var verifier smtp.CredentialVerifier
	if cfg.EnableAuth {
		bcryptVerifier := auth.NewBcryptVerifier()
		if user, pass := os.Getenv("INGESTD_AUTH_USER"), os.Getenv("INGESTD_AUTH_PASSWORD"); user != "" && pass != "" {
			if err := bcryptVerifier.SetPassword(user, pass); err != nil {
				logger.Panic("main", err, "failed to seed credential verifier")
			}
		}
		verifier = bcryptVerifier
	}

	var tlsProvider smtp.TLSMaterialProvider
	if cfg.EnableTLS {
		certPath, keyPath := os.Getenv("INGESTD_TLS_CERT_PATH"), os.Getenv("INGESTD_TLS_KEY_PATH")
		provider, err := tlsmaterial.NewFileProvider(ctx, certPath, keyPath)
		if err != nil {
			logger.Panic("main", err, "failed to load TLS material")
		}
		tlsProvider = provider
	}

	var notifier smtp.WebhookNotifier
	if url := os.Getenv("INGESTD_WEBHOOK_URL"); url != "" {
		notifier = webhook.New(url, envDuration("INGESTD_WEBHOOK_TIMEOUT", 10*time.Second), envInt("INGESTD_WEBHOOK_MAX_RETRIES", 3), os.Getenv("INGESTD_WEBHOOK_XRAY") == "true")
	}

	sv := &listener.Supervisor{
		Addr:           envOr("INGESTD_LISTEN_ADDR", ":2525"),
		MaxConnections: cfg.Connections.Total,
		DrainTimeout:   envDuration("INGESTD_DRAIN_TIMEOUT", 30*time.Second),
		Admission:      controller,
		Logger:         lalog.Logger{ComponentName: "ingestd.listener"},
		NewSession: func(t *smtp.Transport) *smtp.Session {
			sess := smtp.NewSession(t, cfg, controller)
			sess.Queue = queueSink
			sess.Webhook = notifier
			sess.Verifier = verifier
			sess.TLSMaterial = tlsProvider
			sess.Stats = stats
			return sess
		},
	}

	logger.Info("main", nil, "starting ingestd on %s", sv.Addr)
	if err := sv.ListenAndServe(ctx); err != nil {
		logger.Warning("main", err, "supervisor exited")
	}
	logger.Info("main", nil, "ingestd stopped")
}
