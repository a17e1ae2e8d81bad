package smtp

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Timeouts groups the three distinct timeouts the session enforces.
type Timeouts struct {
	Idle    time.Duration `validate:"required"`
	Command time.Duration `validate:"required"`
	Data    time.Duration `validate:"required"`
}

// ConnectionLimits bounds concurrent connections.
type ConnectionLimits struct {
	Total int `validate:"required,gt=0"`
	PerIP int `validate:"required,gt=0"`
}

// RateLimits configures the sliding-window rate limiter.
type RateLimits struct {
	WindowSecs      int           `validate:"required,gt=0"`
	PerIP           int           `validate:"required,gt=0"`
	PerUser         int           `validate:"required,gt=0"`
	CleanupInterval time.Duration `validate:"required"`
}

// GreylistConfig configures greylisting.
type GreylistConfig struct {
	Enabled            bool
	Delay              time.Duration `validate:"required_if=Enabled true"`
	TTL                time.Duration `validate:"required_if=Enabled true"`
	WhitelistThreshold int           `validate:"required_if=Enabled true,omitempty,gt=0"`
}

// AdmissionConfig is the process-wide, immutable-after-construction
// configuration surface described in spec.md §6. It is a plain struct
// rather than something loaded from a file or flags: configuration file
// loading and CLI parsing are explicitly out of scope for this core.
type AdmissionConfig struct {
	Hostname          string `validate:"required"`
	MaxMessageSize    int64  `validate:"required,gt=0"`
	MaxRecipients     int    `validate:"required,gt=0"`
	Timeouts          Timeouts
	Connections       ConnectionLimits
	Rate              RateLimits
	Greylist          GreylistConfig
	EnableTLS         bool
	EnableAuth        bool
	StrictESMTPParams bool
}

// Validate checks the configuration's shape (every field enumerated in
// spec.md §6 is present and sane). It does not load configuration from any
// external source; that remains the caller's responsibility.
func (c *AdmissionConfig) Validate() error {
	return validator.New().Struct(c)
}
